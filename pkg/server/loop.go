package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/serversignal/pkg/protocol"
	"github.com/vango-dev/serversignal/pkg/signal"
)

// TextSink sends updates to one connection as {"name","patch"} text
// messages. It is not safe for concurrent use.
type TextSink struct {
	conn    *websocket.Conn
	timeout time.Duration
}

// NewTextSink returns a sink writing to conn with the given write timeout.
func NewTextSink(conn *websocket.Conn, timeout time.Duration) *TextSink {
	return &TextSink{conn: conn, timeout: timeout}
}

// SendUpdate implements signal.Sink.
func (t *TextSink) SendUpdate(ctx context.Context, u *signal.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := protocol.EncodeUpdateJSON(&signal.Update{Name: u.Name, Patch: u.Patch})
	if err != nil {
		return err
	}
	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// LoopConfig configures a LoopHandler.
type LoopConfig[T any] struct {
	// Name is the signal name sent with every update.
	Name string

	// Interval is the time between steps.
	// Default: 1 second.
	Interval time.Duration

	// Init prepares the connection's value before the first step. The value
	// starts as the zero T, which is what text clients start from.
	Init func(r *http.Request, v *T)

	// Step mutates the value once per interval.
	Step func(v *T)

	// WriteTimeout bounds each send.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// CheckOrigin validates the request origin.
	// Default: SameOriginCheck.
	CheckOrigin func(r *http.Request) bool

	// WrapSink decorates the connection's sink, e.g. for tracing.
	WrapSink func(signal.Sink) signal.Sink

	// Logger receives loop logs.
	// Default: slog.Default().
	Logger *slog.Logger
}

// LoopHandler serves one independent signal per connection. Each connection
// gets its own Signal[T] starting at the zero value; every Interval, Step
// mutates it and the diff is sent with Signal.With. The loop ends at the
// first failed send or when the client goes away.
func LoopHandler[T any](cfg LoopConfig[T]) http.Handler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.CheckOrigin == nil {
		cfg.CheckOrigin = SameOriginCheck
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "loop", "signal", cfg.Name)
	upgrader := websocket.Upgrader{CheckOrigin: cfg.CheckOrigin}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig, err := signal.New[T](cfg.Name, signal.WithoutChecksum())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		// Drain reads so a client close cancels the loop.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		var sink signal.Sink = NewTextSink(conn, cfg.WriteTimeout)
		if cfg.WrapSink != nil {
			sink = cfg.WrapSink(sink)
		}

		if cfg.Init != nil {
			if _, err := sig.With(ctx, sink, func(v *T) { cfg.Init(r, v) }); err != nil {
				logger.Debug("initial send failed", "error", err)
				return
			}
		}

		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Debug("client gone", "seq", sig.Seq())
				return
			case <-ticker.C:
				if _, err := sig.With(ctx, sink, cfg.Step); err != nil {
					logger.Debug("loop stopped", "seq", sig.Seq(), "error", err)
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(time.Second))
					return
				}
			}
		}
	})
}
