package protocol

import (
	"testing"
)

func TestErrorMessageEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		em   *ErrorMessage
	}{
		{
			name: "resync_failed",
			em:   NewError(ErrResyncFailed, "snapshot unavailable"),
		},
		{
			name: "slow_consumer",
			em:   NewFatalError(ErrSlowConsumer, "send queue full"),
		},
		{
			name: "empty_message",
			em:   &ErrorMessage{Code: ErrUnknown},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			decoded, err := DecodeErrorMessage(EncodeErrorMessage(tc.em))
			if err != nil {
				t.Fatalf("DecodeErrorMessage() error = %v", err)
			}
			if *decoded != *tc.em {
				t.Errorf("DecodeErrorMessage() = %+v, want %+v", decoded, tc.em)
			}
		})
	}
}

func TestErrorMessageError(t *testing.T) {
	if got := NewError(ErrInvalidFrame, "bad").Error(); got != "InvalidFrame: bad" {
		t.Errorf("Error() = %q", got)
	}
	if got := NewFatalError(ErrServerClosing, "bye").Error(); got != "fatal: ServerClosing: bye" {
		t.Errorf("Error() = %q", got)
	}
}

func TestErrorCodeString(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{ErrUnknown, "Unknown"},
		{ErrInvalidFrame, "InvalidFrame"},
		{ErrUnexpected, "Unexpected"},
		{ErrResyncFailed, "ResyncFailed"},
		{ErrSlowConsumer, "SlowConsumer"},
		{ErrServerError, "ServerError"},
		{ErrServerClosing, "ServerClosing"},
		{ErrorCode(0xFFFF), "Unknown"},
	}
	for _, tc := range tests {
		if got := tc.code.String(); got != tc.want {
			t.Errorf("ErrorCode(%d).String() = %q, want %q", tc.code, got, tc.want)
		}
	}
}
