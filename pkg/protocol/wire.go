package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// Field size limits. A length prefix above the decoder's limit is rejected
// before anything is allocated.
const (
	// DefaultMaxAllocation is the largest string or byte field a decoder
	// accepts (4MB).
	DefaultMaxAllocation = 4 << 20

	// HardMaxAllocation caps frames and fields (16MB).
	HardMaxAllocation = 16 << 20
)

var (
	ErrVarintOverflow     = errors.New("protocol: varint overflow")
	ErrInvalidBool        = errors.New("protocol: invalid boolean value")
	ErrAllocationTooLarge = errors.New("protocol: allocation size exceeds limit")
	ErrTrailingBytes      = errors.New("protocol: trailing bytes after message")
)

// Encoder appends message fields to a buffer. Integers are big-endian,
// lengths and sequence-like counters are uvarints.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an encoder with a small initial buffer.
func NewEncoder() *Encoder {
	return NewEncoderWithCap(64)
}

// NewEncoderWithCap returns an encoder whose buffer starts with capacity n.
func NewEncoderWithCap(n int) *Encoder {
	return &Encoder{buf: make([]byte, 0, n)}
}

// Bytes returns the encoded message. It aliases the encoder's buffer.
func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) WriteByte(b byte) { e.buf = append(e.buf, b) }

func (e *Encoder) WriteUvarint(v uint64) { e.buf = binary.AppendUvarint(e.buf, v) }

func (e *Encoder) WriteUint16(v uint16) { e.buf = binary.BigEndian.AppendUint16(e.buf, v) }

func (e *Encoder) WriteUint64(v uint64) { e.buf = binary.BigEndian.AppendUint64(e.buf, v) }

// WriteString writes s with a uvarint length prefix.
func (e *Encoder) WriteString(s string) {
	e.WriteUvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteLenBytes writes b with a uvarint length prefix.
func (e *Encoder) WriteLenBytes(b []byte) {
	e.WriteUvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) WriteBool(v bool) {
	var b byte
	if v {
		b = 1
	}
	e.buf = append(e.buf, b)
}

// Frame returns a complete wire message: a header of type ft followed by
// the encoded bytes.
func (e *Encoder) Frame(ft FrameType) []byte {
	out := make([]byte, FrameHeaderSize, FrameHeaderSize+len(e.buf))
	putHeader(out, ft, 0, len(e.buf))
	return append(out, e.buf...)
}

// Decoder reads message fields written by an Encoder. Every read fails with
// io.ErrUnexpectedEOF on short input.
type Decoder struct {
	buf   []byte
	off   int
	limit int
}

// NewDecoder returns a decoder accepting fields up to DefaultMaxAllocation.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf, limit: DefaultMaxAllocation}
}

// NewDecoderWithLimit returns a decoder accepting fields up to limit bytes,
// never more than HardMaxAllocation.
func NewDecoderWithLimit(buf []byte, limit int) *Decoder {
	if limit <= 0 || limit > HardMaxAllocation {
		limit = HardMaxAllocation
	}
	return &Decoder{buf: buf, limit: limit}
}

func (d *Decoder) rest() []byte { return d.buf[d.off:] }

// EOF reports whether all input has been consumed.
func (d *Decoder) EOF() bool { return d.off >= len(d.buf) }

// Finish fails with ErrTrailingBytes if input is left over.
func (d *Decoder) Finish() error {
	if d.EOF() {
		return nil
	}
	return ErrTrailingBytes
}

func (d *Decoder) take(n int) ([]byte, error) {
	if n > len(d.buf)-d.off {
		return nil, io.ErrUnexpectedEOF
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *Decoder) ReadByte() (byte, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) ReadUvarint() (uint64, error) {
	v, n := binary.Uvarint(d.rest())
	switch {
	case n == 0:
		return 0, io.ErrUnexpectedEOF
	case n < 0:
		return 0, ErrVarintOverflow
	}
	d.off += n
	return v, nil
}

func (d *Decoder) ReadUint16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *Decoder) ReadUint64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// field reads a length prefix and returns that many bytes, aliasing the
// input.
func (d *Decoder) field() ([]byte, error) {
	n, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.buf)-d.off) {
		return nil, io.ErrUnexpectedEOF
	}
	if n > uint64(d.limit) {
		return nil, ErrAllocationTooLarge
	}
	return d.take(int(n))
}

func (d *Decoder) ReadString() (string, error) {
	b, err := d.field()
	return string(b), err
}

// ReadLenBytes returns a copy of a length-prefixed field.
func (d *Decoder) ReadLenBytes() ([]byte, error) {
	b, err := d.field()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (d *Decoder) ReadBool() (bool, error) {
	b, err := d.ReadByte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, ErrInvalidBool
}
