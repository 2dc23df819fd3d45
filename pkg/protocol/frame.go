package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// FrameHeaderSize is the length of the fixed header in front of every
// binary message: type (1 byte), flags (1 byte), payload length (4 bytes,
// big-endian).
const FrameHeaderSize = 6

// MaxPayloadSize is the largest payload a frame may declare.
const MaxPayloadSize = HardMaxAllocation

type FrameType uint8

const (
	FrameHandshake FrameType = 0x00 // ClientHello / ServerHello
	FrameUpdate    FrameType = 0x01 // server → client patch
	FrameSnapshot  FrameType = 0x02 // server → client full document
	FrameControl   FrameType = 0x03 // ping, pong, resync, close
	FrameAck       FrameType = 0x04 // client → server progress
	FrameError     FrameType = 0x05
)

var frameNames = [...]string{
	FrameHandshake: "Handshake",
	FrameUpdate:    "Update",
	FrameSnapshot:  "Snapshot",
	FrameControl:   "Control",
	FrameAck:       "Ack",
	FrameError:     "Error",
}

func (ft FrameType) String() string {
	if ft.Valid() {
		return frameNames[ft]
	}
	return "Unknown"
}

// Valid reports whether ft is a known frame type.
func (ft FrameType) Valid() bool {
	return int(ft) < len(frameNames)
}

type FrameFlags uint8

// FlagReplay marks an update frame resent from history during a resync.
const FlagReplay FrameFlags = 0x01

func (ff FrameFlags) Has(flag FrameFlags) bool {
	return ff&flag != 0
}

var (
	ErrFrameTooLarge    = errors.New("protocol: frame payload too large")
	ErrInvalidFrameType = errors.New("protocol: invalid frame type")
)

// Frame is one binary WebSocket message.
type Frame struct {
	Type    FrameType
	Flags   FrameFlags
	Payload []byte
}

func NewFrame(ft FrameType, payload []byte) *Frame {
	return &Frame{Type: ft, Payload: payload}
}

// Encode returns the header followed by the payload.
func (f *Frame) Encode() []byte {
	out := make([]byte, FrameHeaderSize, FrameHeaderSize+len(f.Payload))
	putHeader(out, f.Type, f.Flags, len(f.Payload))
	return append(out, f.Payload...)
}

func putHeader(buf []byte, ft FrameType, flags FrameFlags, length int) {
	buf[0], buf[1] = byte(ft), byte(flags)
	binary.BigEndian.PutUint32(buf[2:FrameHeaderSize], uint32(length))
}

// DecodeFrameHeader parses the fixed header at the start of data.
func DecodeFrameHeader(data []byte) (ft FrameType, flags FrameFlags, length int, err error) {
	if len(data) < FrameHeaderSize {
		return 0, 0, 0, io.ErrUnexpectedEOF
	}
	ft = FrameType(data[0])
	if !ft.Valid() {
		return 0, 0, 0, ErrInvalidFrameType
	}
	return ft, FrameFlags(data[1]), int(binary.BigEndian.Uint32(data[2:FrameHeaderSize])), nil
}

// DecodeFrame parses a complete message. The payload is copied, so data
// may be reused by the caller.
func DecodeFrame(data []byte) (*Frame, error) {
	ft, flags, n, err := DecodeFrameHeader(data)
	switch {
	case err != nil:
		return nil, err
	case n > MaxPayloadSize:
		return nil, ErrFrameTooLarge
	case len(data)-FrameHeaderSize < n:
		return nil, io.ErrUnexpectedEOF
	}
	payload := append([]byte{}, data[FrameHeaderSize:FrameHeaderSize+n]...)
	return &Frame{Type: ft, Flags: flags, Payload: payload}, nil
}

// MarkReplay returns a copy of an encoded frame with FlagReplay set. Frames
// in history are shared, so the original is left untouched.
func MarkReplay(encoded []byte) []byte {
	out := append([]byte(nil), encoded...)
	if len(out) >= FrameHeaderSize {
		out[1] |= byte(FlagReplay)
	}
	return out
}
