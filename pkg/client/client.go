// Package client keeps a signal.Replica in sync with a server over WebSocket.
//
//	replica, _ := signal.NewReplica[Counter]("counter")
//	c := client.New("ws://localhost:8080/ws", replica)
//	replica.OnChange(func(v Counter) { fmt.Println(v.Value) })
//	err := c.Run(ctx)
//
// Run reconnects with exponential backoff. On reconnect the replica's last
// sequence and checksum are sent in the handshake, so the server can replay
// only the updates that were missed.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/serversignal/pkg/protocol"
	"github.com/vango-dev/serversignal/pkg/signal"
)

var (
	// ErrNotConnected is returned by Listen before a successful Connect.
	ErrNotConnected = errors.New("client: not connected")

	// ErrClosedByServer is returned when the server sends a protocol close.
	ErrClosedByServer = errors.New("client: closed by server")
)

// HandshakeError is a handshake refused by the server.
type HandshakeError struct {
	Status protocol.HandshakeStatus
}

func (e *HandshakeError) Error() string {
	return "client: handshake rejected: " + e.Status.String()
}

// Temporary reports whether retrying the connection may succeed.
func (e *HandshakeError) Temporary() bool {
	return e.Status.Retryable()
}

// Client is a replica subscriber for one signal.
type Client[T any] struct {
	url     string
	replica *signal.Replica[T]
	opts    options
	logger  *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	connID string

	writeMu sync.Mutex

	connects atomic.Uint64
	applied  atomic.Uint64
	resyncs  atomic.Uint64
	skipped  atomic.Uint64
}

// New creates a client for the server at rawURL feeding replica.
func New[T any](rawURL string, replica *signal.Replica[T], opts ...Option) *Client[T] {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Client[T]{
		url:     rawURL,
		replica: replica,
		opts:    o,
		logger:  o.logger.With("component", "client", "signal", replica.Name()),
	}
}

// Replica returns the replica the client feeds.
func (c *Client[T]) Replica() *signal.Replica[T] {
	return c.replica
}

// ConnID returns the server-assigned ID of the current connection.
func (c *Client[T]) ConnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

func (c *Client[T]) dialURL() (string, error) {
	if !c.opts.json {
		return c.url, nil
	}
	u, err := url.Parse(c.url)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("codec", "json")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the server and performs the handshake.
func (c *Client[T]) Connect(ctx context.Context) error {
	target, err := c.dialURL()
	if err != nil {
		return fmt.Errorf("client: parse url: %w", err)
	}
	conn, _, err := c.opts.dialer.DialContext(ctx, target, c.opts.header)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", target, err)
	}

	var hello *protocol.ServerHello
	if c.opts.json {
		if err := c.replica.Clear(); err != nil {
			conn.Close()
			return err
		}
	} else if hello, err = c.handshake(conn); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	if hello != nil {
		c.connID = hello.ConnID
	}
	c.mu.Unlock()
	c.connects.Add(1)

	if hello != nil {
		c.logger.Info("connected", "conn_id", hello.ConnID, "server_seq", hello.Seq, "last_seq", c.replica.Seq())
	} else {
		c.logger.Info("connected", "codec", "json")
	}
	if c.opts.onConnect != nil {
		c.opts.onConnect(hello)
	}
	return nil
}

func (c *Client[T]) handshake(conn *websocket.Conn) (*protocol.ServerHello, error) {
	ch := &protocol.ClientHello{
		Version:  protocol.CurrentVersion,
		Signal:   c.replica.Name(),
		LastSeq:  c.replica.Seq(),
		Checksum: c.replica.Checksum(),
	}
	frame := protocol.NewFrame(protocol.FrameHandshake, protocol.EncodeClientHello(ch))
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame.Encode()); err != nil {
		return nil, fmt.Errorf("client: send hello: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.opts.readTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("client: read hello: %w", err)
	}
	f, err := protocol.DecodeFrame(data)
	if err != nil {
		return nil, fmt.Errorf("client: read hello: %w", err)
	}
	if f.Type != protocol.FrameHandshake {
		return nil, fmt.Errorf("client: expected handshake, got %s frame", f.Type)
	}
	sh, err := protocol.DecodeServerHello(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("client: read hello: %w", err)
	}
	if sh.Status != protocol.HandshakeOK {
		return nil, &HandshakeError{Status: sh.Status}
	}
	return sh, nil
}

// Listen reads from the current connection until it fails or ctx is done.
func (c *Client[T]) Listen(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.readTimeout))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.writeTimeout))
	})

	s := &stream[T]{c: c, conn: conn}
	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if c.opts.json {
			err = s.handleText(data)
		} else {
			err = s.handleFrame(data)
		}
		if err != nil {
			return err
		}
	}
}

// Run connects and listens until ctx is done, reconnecting with exponential
// backoff. It returns early only for handshake rejections that retrying
// cannot fix.
func (c *Client[T]) Run(ctx context.Context) error {
	backoff := c.opts.minBackoff
	for ctx.Err() == nil {
		err := c.Connect(ctx)
		if err == nil {
			backoff = c.opts.minBackoff
			err = c.Listen(ctx)
		}
		if ctx.Err() != nil {
			break
		}
		var he *HandshakeError
		if errors.As(err, &he) && !he.Temporary() {
			return err
		}

		c.logger.Warn("disconnected", "error", err, "retry_in", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
		}
		backoff = min(c.opts.maxBackoff, backoff*2)
	}
	return ctx.Err()
}

// Close sends a close to the server and closes the current connection.
func (c *Client[T]) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	if !c.opts.json {
		ct, cm := protocol.NewClose(protocol.CloseNormal, "")
		_ = c.writeFrame(conn, protocol.FrameControl, protocol.EncodeControl(ct, cm))
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Client[T]) writeFrame(conn *websocket.Conn, ft protocol.FrameType, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, protocol.NewFrame(ft, payload).Encode())
}

// Stats are the client's counters.
type Stats struct {
	Connects uint64
	Applied  uint64
	Resyncs  uint64
	Skipped  uint64 // updates for other signals
	Seq      uint64
}

// Stats returns the client's counters.
func (c *Client[T]) Stats() Stats {
	return Stats{
		Connects: c.connects.Load(),
		Applied:  c.applied.Load(),
		Resyncs:  c.resyncs.Load(),
		Skipped:  c.skipped.Load(),
		Seq:      c.replica.Seq(),
	}
}
