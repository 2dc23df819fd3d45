package client

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/serversignal/pkg/protocol"
)

// Reconnect backoff bounds.
const (
	DefaultMinBackoff = 500 * time.Millisecond
	DefaultMaxBackoff = time.Minute
)

type options struct {
	dialer       *websocket.Dialer
	header       http.Header
	json         bool
	ackInterval  int
	minBackoff   time.Duration
	maxBackoff   time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
	onConnect    func(*protocol.ServerHello)
}

func defaultOptions() options {
	return options{
		dialer:       websocket.DefaultDialer,
		ackInterval:  protocol.DefaultAckInterval,
		minBackoff:   DefaultMinBackoff,
		maxBackoff:   DefaultMaxBackoff,
		readTimeout:  90 * time.Second,
		writeTimeout: 10 * time.Second,
		logger:       slog.Default(),
	}
}

// Option configures a Client.
type Option func(*options)

// WithDialer sets the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithHeader sets extra headers sent with the upgrade request, e.g. Origin
// or Authorization.
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h }
}

// WithJSON selects the text codec. Text updates are unsequenced, so the
// replica is cleared on every connect and rebuilt from the server's initial
// diff.
func WithJSON() Option {
	return func(o *options) { o.json = true }
}

// WithAckInterval sets how many applied updates are acknowledged at once.
func WithAckInterval(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.ackInterval = n
		}
	}
}

// WithBackoff sets the reconnect delay bounds used by Run.
func WithBackoff(min, max time.Duration) Option {
	return func(o *options) {
		o.minBackoff, o.maxBackoff = min, max
	}
}

// WithReadTimeout sets how long the connection may stay silent. It should
// exceed the server's heartbeat interval.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) { o.readTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithOnConnect registers a callback run after every successful handshake.
// Text connections have no handshake and pass nil.
func WithOnConnect(fn func(*protocol.ServerHello)) Option {
	return func(o *options) { o.onConnect = fn }
}
