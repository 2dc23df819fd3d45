package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/vango-dev/serversignal/pkg/signal"
)

type counterDoc struct {
	Value int `json:"value"`
}

func TestUpdateFrameEncodeDecode(t *testing.T) {
	tests := []struct {
		name  string
		frame *UpdateFrame
	}{
		{
			name: "counter",
			frame: &UpdateFrame{
				Seq:      1,
				Name:     "counter",
				Patch:    []byte(`[{"op":"replace","path":"/value","value":1}]`),
				Checksum: 0x1234,
			},
		},
		{
			name:  "unsequenced_empty_patch",
			frame: &UpdateFrame{Name: "counter", Patch: []byte(`[]`)},
		},
		{
			name: "large_patch",
			frame: &UpdateFrame{
				Seq:   1 << 40,
				Name:  "blob",
				Patch: bytes.Repeat([]byte("a"), 1<<20),
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			decoded, err := DecodeUpdate(EncodeUpdate(tc.frame))
			if err != nil {
				t.Fatalf("DecodeUpdate() error = %v", err)
			}
			if decoded.Seq != tc.frame.Seq || decoded.Name != tc.frame.Name || decoded.Checksum != tc.frame.Checksum {
				t.Errorf("DecodeUpdate() = %d %q %x, want %d %q %x",
					decoded.Seq, decoded.Name, decoded.Checksum,
					tc.frame.Seq, tc.frame.Name, tc.frame.Checksum)
			}
			if !bytes.Equal(decoded.Patch, tc.frame.Patch) {
				t.Error("Patch mismatch")
			}
		})
	}
}

func TestSnapshotFrameEncodeDecode(t *testing.T) {
	sf := &SnapshotFrame{Seq: 12, Name: "counter", Doc: []byte(`{"value":12}`), Checksum: 99}
	decoded, err := DecodeSnapshot(EncodeSnapshot(sf))
	if err != nil {
		t.Fatalf("DecodeSnapshot() error = %v", err)
	}
	if decoded.Seq != 12 || decoded.Name != "counter" || decoded.Checksum != 99 || string(decoded.Doc) != `{"value":12}` {
		t.Errorf("DecodeSnapshot() = %+v", decoded)
	}
}

func TestDecodeUpdateTruncated(t *testing.T) {
	full := EncodeUpdate(&UpdateFrame{Seq: 3, Name: "counter", Patch: []byte(`[]`), Checksum: 1})
	for i := 0; i < len(full); i++ {
		if _, err := DecodeUpdate(full[:i]); err == nil {
			t.Errorf("DecodeUpdate(truncated %d) succeeded", i)
		}
	}
}

func TestEncodeUpdateFrameRoundTrip(t *testing.T) {
	s, err := signal.New[counterDoc]("counter")
	if err != nil {
		t.Fatal(err)
	}
	u, err := s.Update(func(v *counterDoc) { v.Value = 5 })
	if err != nil {
		t.Fatal(err)
	}

	f, err := DecodeFrame(EncodeUpdateFrame(u))
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if f.Type != FrameUpdate {
		t.Fatalf("Type = %v, want FrameUpdate", f.Type)
	}
	uf, err := DecodeUpdate(f.Payload)
	if err != nil {
		t.Fatalf("DecodeUpdate() error = %v", err)
	}
	got := uf.SignalUpdate()
	if got.Seq != u.Seq || got.Name != u.Name || got.Checksum != u.Checksum || !bytes.Equal(got.Patch, u.Patch) {
		t.Errorf("SignalUpdate() = %+v, want %+v", got, u)
	}

	f, err = DecodeFrame(EncodeSnapshotFrame(s.Snapshot()))
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	sf, err := DecodeSnapshot(f.Payload)
	if err != nil {
		t.Fatalf("DecodeSnapshot() error = %v", err)
	}
	snap := sf.SignalSnapshot()
	if snap.Seq != 1 || snap.Checksum != u.Checksum || string(snap.Doc) != `{"value":5}` {
		t.Errorf("SignalSnapshot() = %+v", snap)
	}
}

func TestUpdateJSON(t *testing.T) {
	u := &signal.Update{
		Name:  "counter",
		Patch: json.RawMessage(`[{"op":"replace","path":"/value","value":2}]`),
	}
	data, err := EncodeUpdateJSON(u)
	if err != nil {
		t.Fatalf("EncodeUpdateJSON() error = %v", err)
	}
	want := `{"name":"counter","patch":[{"op":"replace","path":"/value","value":2}]}`
	if string(data) != want {
		t.Errorf("EncodeUpdateJSON() = %s, want %s", data, want)
	}

	decoded, err := DecodeUpdateJSON(data)
	if err != nil {
		t.Fatalf("DecodeUpdateJSON() error = %v", err)
	}
	if decoded.Name != "counter" || string(decoded.Patch) != string(u.Patch) {
		t.Errorf("DecodeUpdateJSON() = %+v", decoded)
	}
}

func TestDecodeUpdateJSONInvalid(t *testing.T) {
	tests := []string{
		`{"patch":[]}`,
		`{"name":"counter"}`,
		`not json`,
	}
	for _, in := range tests {
		_, err := DecodeUpdateJSON([]byte(in))
		if err == nil {
			t.Errorf("DecodeUpdateJSON(%s) succeeded", in)
		}
	}
	if _, err := DecodeUpdateJSON([]byte(`{"name":"x"}`)); !errors.Is(err, ErrInvalidUpdate) {
		t.Errorf("DecodeUpdateJSON(no patch) = %v, want ErrInvalidUpdate", err)
	}
}
