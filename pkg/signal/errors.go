package signal

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Replica.Apply and the signal constructors.
var (
	// ErrEmptyName is returned when a signal or replica is created without a name.
	ErrEmptyName = errors.New("signal: empty name")

	// ErrNameMismatch is returned when an update for a different signal is applied.
	ErrNameMismatch = errors.New("signal: update is for a different signal")

	// ErrStaleUpdate is returned when an update has already been applied.
	ErrStaleUpdate = errors.New("signal: stale update")

	// ErrSequenceGap is returned when one or more updates were missed.
	ErrSequenceGap = errors.New("signal: sequence gap")

	// ErrChecksumMismatch is returned when the patched document does not match
	// the checksum computed by the server.
	ErrChecksumMismatch = errors.New("signal: checksum mismatch")

	// ErrNilSink is returned by With when no sink is given.
	ErrNilSink = errors.New("signal: nil sink")

	// ErrNilUpdate is returned by Replica.Apply for a nil update.
	ErrNilUpdate = errors.New("signal: nil update")
)

// ErrorKind classifies an Error.
type ErrorKind uint8

const (
	// KindSerialization means the value could not be marshaled or decoded.
	KindSerialization ErrorKind = iota + 1

	// KindTransport means the sink failed to deliver the update.
	KindTransport

	// KindPatch means a patch could not be computed or applied.
	KindPatch
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindSerialization:
		return "serialization"
	case KindTransport:
		return "transport"
	case KindPatch:
		return "patch"
	default:
		return "unknown"
	}
}

// Error wraps a failure with the signal and operation it occurred in.
type Error struct {
	Signal string
	Op     string
	Kind   ErrorKind
	Err    error
}

// Error returns the error message with signal context.
func (e *Error) Error() string {
	if e.Signal == "" {
		return fmt.Sprintf("signal: %s: %s failed: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("signal %q: %s: %s failed: %v", e.Signal, e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(signal, op string, kind ErrorKind, err error) *Error {
	return &Error{
		Signal: signal,
		Op:     op,
		Kind:   kind,
		Err:    err,
	}
}

// IsTransport reports whether err is a delivery failure from a Sink.
func IsTransport(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindTransport
}

// NeedsResync reports whether err means the replica can no longer follow the
// update stream and must be reset from a snapshot.
func NeedsResync(err error) bool {
	if errors.Is(err, ErrSequenceGap) || errors.Is(err, ErrChecksumMismatch) {
		return true
	}
	var se *Error
	return errors.As(err, &se) && se.Kind == KindPatch
}
