package server

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned when queuing to a closed session.
	ErrSessionClosed = errors.New("server: session closed")

	// ErrSendQueueFull is the close cause of a session that could not keep
	// up with the broadcast rate.
	ErrSendQueueFull = errors.New("server: send queue full")

	// ErrInvalidHandshake means the first client frame was not a valid hello.
	ErrInvalidHandshake = errors.New("server: invalid handshake")

	// ErrVersionMismatch means the client speaks an incompatible protocol version.
	ErrVersionMismatch = errors.New("server: protocol version mismatch")

	// ErrUnknownSignal means the client asked for a signal this server does not serve.
	ErrUnknownSignal = errors.New("server: unknown signal")

	// ErrMaxSessionsReached means the server is at its session limit.
	ErrMaxSessionsReached = errors.New("server: max sessions reached")

	// ErrResyncFailed means no consistent snapshot could be assembled for a
	// resync.
	ErrResyncFailed = errors.New("server: resync failed")

	// ErrHubClosed is returned when attaching or resyncing after the hub closed.
	ErrHubClosed = errors.New("server: hub closed")

	// ErrServerClosed is the close cause of sessions still attached at shutdown.
	ErrServerClosed = errors.New("server: closed")
)

// SessionError records the session and operation an error happened in.
type SessionError struct {
	SessionID string
	Op        string
	Err       error
}

// NewSessionError wraps err with the session ID and the failed operation.
func NewSessionError(sessionID, op string, err error) *SessionError {
	return &SessionError{SessionID: sessionID, Op: op, Err: err}
}

func (e *SessionError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("server: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("server: session %s: %s: %v", e.SessionID, e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }
