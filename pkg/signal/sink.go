package signal

import "context"

// Sink delivers updates to a single destination, typically one connection.
type Sink interface {
	SendUpdate(ctx context.Context, u *Update) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, u *Update) error

// SendUpdate calls f(ctx, u).
func (f SinkFunc) SendUpdate(ctx context.Context, u *Update) error {
	return f(ctx, u)
}

// Source is the type-erased view of a Signal used by transports.
type Source interface {
	Name() string
	Snapshot() Snapshot
	ZeroDoc() []byte
	Observe(fn func(*Update)) (cancel func())
	ObserveSnapshot(fn func(*Update)) (Snapshot, func())
}
