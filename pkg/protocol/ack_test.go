package protocol

import (
	"testing"
)

func TestAckEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		ack  *Ack
	}{
		{"zero", &Ack{LastSeq: 0}},
		{"typical", &Ack{LastSeq: 42}},
		{"large", &Ack{LastSeq: 1000000}},
		{"max", &Ack{LastSeq: ^uint64(0)}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			decoded, err := DecodeAck(EncodeAck(tc.ack))
			if err != nil {
				t.Fatalf("DecodeAck() error = %v", err)
			}
			if decoded.LastSeq != tc.ack.LastSeq {
				t.Errorf("LastSeq = %d, want %d", decoded.LastSeq, tc.ack.LastSeq)
			}
		})
	}
}

func TestAckVarintSize(t *testing.T) {
	if n := len(EncodeAck(&Ack{LastSeq: 127})); n != 1 {
		t.Errorf("Ack(127) size = %d, want 1", n)
	}
	if n := len(EncodeAck(&Ack{LastSeq: 128})); n != 2 {
		t.Errorf("Ack(128) size = %d, want 2", n)
	}
}

func TestDecodeAckEmpty(t *testing.T) {
	if _, err := DecodeAck(nil); err == nil {
		t.Error("DecodeAck(nil) succeeded")
	}
}
