package signal

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/wI2L/jsondiff"
)

// Update is one serialized delta of a signal.
type Update struct {
	// Name identifies the signal the patch belongs to.
	Name string `json:"name"`

	// Patch is an RFC 6902 JSON Patch document.
	Patch json.RawMessage `json:"patch"`

	// Seq is the sequence number of the update. Zero means unsequenced.
	Seq uint64 `json:"seq,omitempty"`

	// Checksum of the document after the patch is applied. Zero means
	// the update carries no checksum.
	Checksum uint64 `json:"-"`
}

// updateJSON is the wire form of Update. The checksum is a hex string so it
// survives JavaScript number precision.
type updateJSON struct {
	Name  string          `json:"name"`
	Patch json.RawMessage `json:"patch"`
	Seq   uint64          `json:"seq,omitempty"`
	Sum   string          `json:"sum,omitempty"`
}

// MarshalJSON encodes the update as {"name","patch","seq","sum"}.
func (u Update) MarshalJSON() ([]byte, error) {
	w := updateJSON{
		Name:  u.Name,
		Patch: u.Patch,
		Seq:   u.Seq,
	}
	if w.Patch == nil {
		w.Patch = emptyPatch
	}
	if u.Checksum != 0 {
		w.Sum = strconv.FormatUint(u.Checksum, 16)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes an update, accepting the plain {"name","patch"} form.
func (u *Update) UnmarshalJSON(data []byte) error {
	var w updateJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var sum uint64
	if w.Sum != "" {
		v, err := strconv.ParseUint(w.Sum, 16, 64)
		if err != nil {
			return fmt.Errorf("signal: invalid checksum %q: %w", w.Sum, err)
		}
		sum = v
	}
	*u = Update{
		Name:     w.Name,
		Patch:    w.Patch,
		Seq:      w.Seq,
		Checksum: sum,
	}
	return nil
}

// Empty reports whether the update carries no operations.
func (u *Update) Empty() bool {
	return IsEmptyPatch(u.Patch)
}

// NewUpdate marshals prev and next and returns the update that transforms
// one into the other.
func NewUpdate(name string, prev, next any, opts ...jsondiff.Option) (*Update, error) {
	oldDoc, err := json.Marshal(prev)
	if err != nil {
		return nil, newError(name, "marshal", KindSerialization, err)
	}
	newDoc, err := json.Marshal(next)
	if err != nil {
		return nil, newError(name, "marshal", KindSerialization, err)
	}
	return NewUpdateFromJSON(name, oldDoc, newDoc, opts...)
}

// NewUpdateFromJSON diffs two JSON documents.
func NewUpdateFromJSON(name string, oldDoc, newDoc []byte, opts ...jsondiff.Option) (*Update, error) {
	patch, err := Diff(oldDoc, newDoc, opts...)
	if err != nil {
		return nil, newError(name, "diff", KindPatch, err)
	}
	return &Update{Name: name, Patch: patch}, nil
}

// Snapshot is the full JSON value of a signal at a sequence number.
type Snapshot struct {
	Name     string
	Seq      uint64
	Doc      json.RawMessage
	Checksum uint64
}
