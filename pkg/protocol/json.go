package protocol

import (
	"encoding/json"
	"errors"

	"github.com/vango-dev/serversignal/pkg/signal"
)

// ErrInvalidUpdate is returned when a text message is not an update.
var ErrInvalidUpdate = errors.New("protocol: invalid update message")

// EncodeUpdateJSON encodes u as a text message:
//
//	{"name":"counter","patch":[{"op":"replace","path":"/value","value":1}]}
//
// Sequence and checksum fields are only present when set.
func EncodeUpdateJSON(u *signal.Update) ([]byte, error) {
	return json.Marshal(u)
}

// DecodeUpdateJSON decodes a text message produced by EncodeUpdateJSON.
func DecodeUpdateJSON(data []byte) (*signal.Update, error) {
	if len(data) > HardMaxAllocation {
		return nil, ErrAllocationTooLarge
	}
	var u signal.Update
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, err
	}
	if u.Name == "" || u.Patch == nil {
		return nil, ErrInvalidUpdate
	}
	return &u, nil
}
