package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestFrameEncodeDecode(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		wantLen int // expected total length including header
	}{
		{
			name:    "empty_payload",
			frame:   Frame{Type: FrameAck, Payload: []byte{}},
			wantLen: FrameHeaderSize,
		},
		{
			name:    "update",
			frame:   Frame{Type: FrameUpdate, Payload: []byte{0x01, 0x02, 0x03}},
			wantLen: FrameHeaderSize + 3,
		},
		{
			name:    "replay_flag",
			frame:   Frame{Type: FrameUpdate, Flags: FlagReplay, Payload: []byte("test")},
			wantLen: FrameHeaderSize + 4,
		},
		{
			name:    "large_snapshot",
			frame:   Frame{Type: FrameSnapshot, Payload: bytes.Repeat([]byte{'x'}, 70000)},
			wantLen: FrameHeaderSize + 70000,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			encoded := tc.frame.Encode()
			if len(encoded) != tc.wantLen {
				t.Errorf("Encode() length = %d, want %d", len(encoded), tc.wantLen)
			}

			decoded, err := DecodeFrame(encoded)
			if err != nil {
				t.Fatalf("DecodeFrame() error = %v", err)
			}
			if decoded.Type != tc.frame.Type {
				t.Errorf("Decoded type = %v, want %v", decoded.Type, tc.frame.Type)
			}
			if decoded.Flags != tc.frame.Flags {
				t.Errorf("Decoded flags = %v, want %v", decoded.Flags, tc.frame.Flags)
			}
			if !bytes.Equal(decoded.Payload, tc.frame.Payload) {
				t.Errorf("Decoded payload mismatch")
			}
		})
	}
}

func TestDecodeFrameHeader(t *testing.T) {
	data := []byte{0x02, 0x01, 0x00, 0x01, 0x00, 0x10}

	ft, flags, length, err := DecodeFrameHeader(data)
	if err != nil {
		t.Fatalf("DecodeFrameHeader() error = %v", err)
	}
	if ft != FrameSnapshot {
		t.Errorf("Type = %v, want FrameSnapshot", ft)
	}
	if !flags.Has(FlagReplay) {
		t.Errorf("Flags = %v, want FlagReplay", flags)
	}
	if length != 0x10010 {
		t.Errorf("Length = %d, want %d", length, 0x10010)
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	if _, err := DecodeFrame([]byte{0x00, 0x00}); err != io.ErrUnexpectedEOF {
		t.Errorf("Short header: got %v, want io.ErrUnexpectedEOF", err)
	}

	if _, err := DecodeFrame([]byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x10}); err != io.ErrUnexpectedEOF {
		t.Errorf("Short payload: got %v, want io.ErrUnexpectedEOF", err)
	}

	if _, err := DecodeFrame([]byte{0x09, 0x00, 0x00, 0x00, 0x00, 0x00}); !errors.Is(err, ErrInvalidFrameType) {
		t.Errorf("Unknown type: got %v, want ErrInvalidFrameType", err)
	}

	if _, err := DecodeFrame([]byte{0x01, 0x00, 0x7F, 0xFF, 0xFF, 0xFF}); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Huge length: got %v, want ErrFrameTooLarge", err)
	}
}

func TestFrameTypeString(t *testing.T) {
	tests := []struct {
		ft   FrameType
		want string
	}{
		{FrameHandshake, "Handshake"},
		{FrameUpdate, "Update"},
		{FrameSnapshot, "Snapshot"},
		{FrameControl, "Control"},
		{FrameAck, "Ack"},
		{FrameError, "Error"},
		{FrameType(0xFF), "Unknown"},
	}

	for _, tc := range tests {
		if got := tc.ft.String(); got != tc.want {
			t.Errorf("FrameType(%d).String() = %q, want %q", tc.ft, got, tc.want)
		}
	}
}

func TestMarkReplay(t *testing.T) {
	original := NewFrame(FrameUpdate, []byte{1, 2, 3}).Encode()
	replay := MarkReplay(original)

	if FrameFlags(original[1]).Has(FlagReplay) {
		t.Fatal("MarkReplay modified its input")
	}
	f, err := DecodeFrame(replay)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if !f.Flags.Has(FlagReplay) {
		t.Error("replay frame missing FlagReplay")
	}
	if !bytes.Equal(f.Payload, []byte{1, 2, 3}) {
		t.Error("replay frame payload changed")
	}
}

func TestEncoderFrame(t *testing.T) {
	e := NewEncoder()
	e.WriteUvarint(300)
	e.WriteString("ok")

	f, err := DecodeFrame(e.Frame(FrameAck))
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if f.Type != FrameAck {
		t.Errorf("Type = %v, want FrameAck", f.Type)
	}
	if !bytes.Equal(f.Payload, e.Bytes()) {
		t.Errorf("Payload = %v, want %v", f.Payload, e.Bytes())
	}
}

func TestDecoderLimits(t *testing.T) {
	e := NewEncoder()
	e.WriteLenBytes(make([]byte, 64))

	d := NewDecoderWithLimit(e.Bytes(), 32)
	if _, err := d.ReadLenBytes(); !errors.Is(err, ErrAllocationTooLarge) {
		t.Errorf("ReadLenBytes() = %v, want ErrAllocationTooLarge", err)
	}

	// Length prefix larger than the buffer.
	d = NewDecoder([]byte{0x80, 0x01, 'a'})
	if _, err := d.ReadString(); err != io.ErrUnexpectedEOF {
		t.Errorf("ReadString() = %v, want io.ErrUnexpectedEOF", err)
	}

	d = NewDecoder([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x01})
	if _, err := d.ReadUvarint(); !errors.Is(err, ErrVarintOverflow) {
		t.Errorf("ReadUvarint() = %v, want ErrVarintOverflow", err)
	}

	d = NewDecoder([]byte{0x02})
	if _, err := d.ReadBool(); !errors.Is(err, ErrInvalidBool) {
		t.Errorf("ReadBool() = %v, want ErrInvalidBool", err)
	}
}

func BenchmarkFrameEncode(b *testing.B) {
	f := &Frame{Type: FrameUpdate, Payload: make([]byte, 100)}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = f.Encode()
	}
}

func BenchmarkFrameDecode(b *testing.B) {
	data := (&Frame{Type: FrameUpdate, Payload: make([]byte, 100)}).Encode()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = DecodeFrame(data)
	}
}
