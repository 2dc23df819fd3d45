package server

import (
	"context"

	"github.com/vango-dev/serversignal/pkg/signal"
)

// Broadcast describes one update being fanned out to sessions.
// Recipients and Dropped are filled in by the fan-out and are valid once
// next has returned.
type Broadcast struct {
	Update     *signal.Update
	FrameSize  int
	Recipients int
	Dropped    int
}

// Middleware wraps every broadcast. Implementations must call next exactly
// once and must not block: broadcasts run under the hub's ordering lock.
type Middleware func(ctx context.Context, b *Broadcast, next func(context.Context) error) error

// chain composes mws so the first registered middleware runs outermost.
func chain(mws []Middleware, b *Broadcast, final func(context.Context) error) func(context.Context) error {
	next := final
	for i := len(mws) - 1; i >= 0; i-- {
		mw, inner := mws[i], next
		next = func(ctx context.Context) error {
			return mw(ctx, b, inner)
		}
	}
	return next
}
