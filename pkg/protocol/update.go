package protocol

import (
	"encoding/json"

	"github.com/vango-dev/serversignal/pkg/signal"
)

// UpdateFrame carries one patch of a signal.
//
// Payload layout:
//
//	[Seq: uvarint][Name: string][Patch: len-prefixed JSON][Checksum: uint64]
type UpdateFrame struct {
	Seq      uint64
	Name     string
	Patch    []byte
	Checksum uint64
}

// SnapshotFrame carries the full document of a signal. It has the same
// layout as UpdateFrame with the document in place of the patch.
type SnapshotFrame struct {
	Seq      uint64
	Name     string
	Doc      []byte
	Checksum uint64
}

// EncodeUpdate encodes an UpdateFrame payload.
func EncodeUpdate(uf *UpdateFrame) []byte {
	e := NewEncoderWithCap(len(uf.Patch) + len(uf.Name) + 24)
	EncodeUpdateTo(e, uf)
	return e.Bytes()
}

// EncodeUpdateTo encodes an UpdateFrame using the provided encoder.
func EncodeUpdateTo(e *Encoder, uf *UpdateFrame) {
	e.WriteUvarint(uf.Seq)
	e.WriteString(uf.Name)
	e.WriteLenBytes(uf.Patch)
	e.WriteUint64(uf.Checksum)
}

// DecodeUpdate decodes an UpdateFrame payload.
func DecodeUpdate(data []byte) (*UpdateFrame, error) {
	d := NewDecoderWithLimit(data, HardMaxAllocation)
	seq, name, body, sum, err := decodeSignalPayload(d)
	if err != nil {
		return nil, err
	}
	return &UpdateFrame{Seq: seq, Name: name, Patch: body, Checksum: sum}, nil
}

// EncodeSnapshot encodes a SnapshotFrame payload.
func EncodeSnapshot(sf *SnapshotFrame) []byte {
	e := NewEncoderWithCap(len(sf.Doc) + len(sf.Name) + 24)
	EncodeSnapshotTo(e, sf)
	return e.Bytes()
}

// EncodeSnapshotTo encodes a SnapshotFrame using the provided encoder.
func EncodeSnapshotTo(e *Encoder, sf *SnapshotFrame) {
	e.WriteUvarint(sf.Seq)
	e.WriteString(sf.Name)
	e.WriteLenBytes(sf.Doc)
	e.WriteUint64(sf.Checksum)
}

// DecodeSnapshot decodes a SnapshotFrame payload.
func DecodeSnapshot(data []byte) (*SnapshotFrame, error) {
	d := NewDecoderWithLimit(data, HardMaxAllocation)
	seq, name, body, sum, err := decodeSignalPayload(d)
	if err != nil {
		return nil, err
	}
	return &SnapshotFrame{Seq: seq, Name: name, Doc: body, Checksum: sum}, nil
}

func decodeSignalPayload(d *Decoder) (seq uint64, name string, body []byte, sum uint64, err error) {
	if seq, err = d.ReadUvarint(); err != nil {
		return
	}
	if name, err = d.ReadString(); err != nil {
		return
	}
	if body, err = d.ReadLenBytes(); err != nil {
		return
	}
	if sum, err = d.ReadUint64(); err != nil {
		return
	}
	err = d.Finish()
	return
}

// UpdateFrameFrom converts a signal update to its wire form.
func UpdateFrameFrom(u *signal.Update) *UpdateFrame {
	return &UpdateFrame{
		Seq:      u.Seq,
		Name:     u.Name,
		Patch:    u.Patch,
		Checksum: u.Checksum,
	}
}

// SignalUpdate converts the frame back to a signal update.
func (uf *UpdateFrame) SignalUpdate() *signal.Update {
	return &signal.Update{
		Name:     uf.Name,
		Seq:      uf.Seq,
		Patch:    json.RawMessage(uf.Patch),
		Checksum: uf.Checksum,
	}
}

// SnapshotFrameFrom converts a signal snapshot to its wire form.
func SnapshotFrameFrom(s signal.Snapshot) *SnapshotFrame {
	return &SnapshotFrame{
		Seq:      s.Seq,
		Name:     s.Name,
		Doc:      s.Doc,
		Checksum: s.Checksum,
	}
}

// SignalSnapshot converts the frame back to a signal snapshot.
func (sf *SnapshotFrame) SignalSnapshot() signal.Snapshot {
	return signal.Snapshot{
		Name:     sf.Name,
		Seq:      sf.Seq,
		Doc:      json.RawMessage(sf.Doc),
		Checksum: sf.Checksum,
	}
}

// EncodeUpdateFrame returns the complete wire message for u.
func EncodeUpdateFrame(u *signal.Update) []byte {
	e := NewEncoderWithCap(len(u.Patch) + len(u.Name) + 24)
	EncodeUpdateTo(e, UpdateFrameFrom(u))
	return e.Frame(FrameUpdate)
}

// EncodeSnapshotFrame returns the complete wire message for s.
func EncodeSnapshotFrame(s signal.Snapshot) []byte {
	e := NewEncoderWithCap(len(s.Doc) + len(s.Name) + 24)
	EncodeSnapshotTo(e, SnapshotFrameFrom(s))
	return e.Frame(FrameSnapshot)
}
