package signal

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/wI2L/jsondiff"
)

// emptyPatch is the serialized form of a patch with no operations.
var emptyPatch = json.RawMessage("[]")

// Diff computes the RFC 6902 patch that transforms oldDoc into newDoc.
// The result is always a JSON array; identical documents produce "[]".
// Numbers are compared and emitted as written, so 64-bit integers survive.
func Diff(oldDoc, newDoc []byte, opts ...jsondiff.Option) (json.RawMessage, error) {
	opts = append([]jsondiff.Option{jsondiff.UnmarshalFunc(decodeNumbers)}, opts...)
	patch, err := jsondiff.CompareJSON(oldDoc, newDoc, opts...)
	if err != nil {
		return nil, err
	}
	if len(patch) == 0 {
		if !Equal(oldDoc, newDoc) {
			return replaceDocument(newDoc)
		}
		return emptyPatch, nil
	}
	out, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func decodeNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// replaceDocument returns a patch replacing the whole document with doc.
func replaceDocument(doc []byte) (json.RawMessage, error) {
	return json.Marshal([]rawOp{{Op: "replace", Path: "", Value: doc}})
}

// IsEmptyPatch reports whether patch contains no operations.
func IsEmptyPatch(patch json.RawMessage) bool {
	p := bytes.TrimSpace(patch)
	if len(p) == 0 || bytes.Equal(p, []byte("null")) {
		return true
	}
	if p[0] != '[' {
		return false
	}
	return len(bytes.TrimSpace(p[1:len(p)-1])) == 0
}

// rawOp is the subset of a patch operation needed to recognise whole-document
// operations, which jsonpatch does not apply against the root.
type rawOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

// ApplyPatch applies patch to doc and returns the resulting document.
// doc is never modified.
func ApplyPatch(doc []byte, patch json.RawMessage) ([]byte, error) {
	if IsEmptyPatch(patch) {
		return doc, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(patch, &raw); err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}

	cur := doc
	start := 0
	flush := func(end int) error {
		if end <= start {
			return nil
		}
		run, err := json.Marshal(raw[start:end])
		if err != nil {
			return err
		}
		p, err := jsonpatch.DecodePatch(run)
		if err != nil {
			return fmt.Errorf("decode patch: %w", err)
		}
		next, err := p.Apply(cur)
		if err != nil {
			return fmt.Errorf("apply patch: %w", err)
		}
		cur = next
		return nil
	}

	for i, r := range raw {
		var op rawOp
		if err := json.Unmarshal(r, &op); err != nil {
			return nil, fmt.Errorf("decode patch op %d: %w", i, err)
		}
		if op.Path != "" || (op.Op != "add" && op.Op != "replace") {
			continue
		}
		if err := flush(i); err != nil {
			return nil, err
		}
		if len(op.Value) == 0 {
			return nil, fmt.Errorf("patch op %d: missing value", i)
		}
		cur = append([]byte(nil), op.Value...)
		start = i + 1
	}
	if err := flush(len(raw)); err != nil {
		return nil, err
	}
	return cur, nil
}

// Canonical returns doc re-encoded with sorted object keys and no
// insignificant whitespace. Number literals are preserved as written.
func Canonical(doc []byte) ([]byte, error) {
	var v any
	if err := decodeNumbers(doc, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// Checksum returns the xxhash of the canonical form of doc.
func Checksum(doc []byte) (uint64, error) {
	c, err := Canonical(doc)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(c), nil
}

// Equal reports whether two JSON documents are semantically equal.
func Equal(a, b []byte) bool {
	ca, err := Canonical(a)
	if err != nil {
		return false
	}
	cb, err := Canonical(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}
