package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// SessionConfig holds configuration for individual sessions.
type SessionConfig struct {
	// ReadTimeout is the maximum time to wait for a message or pong from the client.
	// Default: 60 seconds.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending a message.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// HandshakeTimeout is the maximum time to wait for the client hello.
	// Default: 10 seconds.
	HandshakeTimeout time.Duration

	// HeartbeatInterval is the time between heartbeat pings.
	// Default: 30 seconds.
	HeartbeatInterval time.Duration

	// MaxMessageSize is the maximum size of an incoming WebSocket message.
	// Default: 64KB.
	MaxMessageSize int64

	// SendQueueSize is the number of outbound frames buffered per session.
	// A session whose queue fills up is closed as a slow consumer.
	// Default: 256.
	SendQueueSize int

	// MaxPatchHistory is the number of recent update frames kept for replay.
	// Default: 100.
	MaxPatchHistory int

	// EnableCompression enables permessage-deflate.
	// Default: false.
	EnableCompression bool
}

// DefaultSessionConfig returns a SessionConfig with sensible defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		MaxMessageSize:    64 * 1024,
		SendQueueSize:     256,
		MaxPatchHistory:   100,
	}
}

// Clone returns a copy of the SessionConfig.
func (c *SessionConfig) Clone() *SessionConfig {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// Validate reports configuration values the server cannot run with.
func (c *SessionConfig) Validate() error {
	switch {
	case c.HeartbeatInterval <= 0:
		return errors.New("server: heartbeat interval must be positive")
	case c.ReadTimeout <= c.HeartbeatInterval:
		return errors.New("server: read timeout must exceed heartbeat interval")
	case c.SendQueueSize <= 0:
		return errors.New("server: send queue size must be positive")
	case c.MaxPatchHistory < 0:
		return errors.New("server: patch history must not be negative")
	case c.SendQueueSize <= c.MaxPatchHistory:
		// A full replay plus the snapshot must fit in the queue.
		return errors.New("server: send queue size must exceed patch history")
	}
	return nil
}

// ServerConfig holds configuration for the HTTP/WebSocket server.
type ServerConfig struct {
	// Address is the address to listen on (e.g., ":8080" or "localhost:3000").
	// Default: ":8080".
	Address string

	// Path is the URL path the WebSocket endpoint is served on.
	// Default: "/ws".
	Path string

	// ReadBufferSize is the WebSocket read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// CheckOrigin is called to validate the request origin.
	// Default: SameOriginCheck.
	CheckOrigin func(r *http.Request) bool

	// SessionConfig is the configuration for individual sessions.
	// Default: DefaultSessionConfig().
	SessionConfig *SessionConfig

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration

	// MaxSessions is the maximum number of concurrent sessions.
	// 0 means no limit.
	MaxSessions int

	// Logger receives server and session logs.
	// Default: slog.Default().
	Logger *slog.Logger

	// OnSessionStart is called after the upgrade and before the session is
	// attached to the hub. httpCtx is the upgrade request's context and must
	// not be retained.
	OnSessionStart func(httpCtx context.Context, s *Session)

	// OnSessionClose is called once when a session closes. err is nil for a
	// normal close.
	OnSessionClose func(s *Session, err error)

	// OnResync is called when a connected client asks for a resync, after the
	// response has been queued.
	OnResync func(s *Session, mode SyncMode)
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
// CheckOrigin enforces same-origin by default.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:         ":8080",
		Path:            "/ws",
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     SameOriginCheck,
		SessionConfig:   DefaultSessionConfig(),
		ShutdownTimeout: 30 * time.Second,
	}
}

// SameOriginCheck reports whether the request's Origin header names the same
// host the request was sent to. Requests without an Origin are allowed.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Host == r.Host
}

// Clone returns a copy of the ServerConfig.
func (c *ServerConfig) Clone() *ServerConfig {
	if c == nil {
		return nil
	}
	clone := *c
	clone.SessionConfig = c.SessionConfig.Clone()
	return &clone
}

// WithAddress returns a copy with the address set.
func (c *ServerConfig) WithAddress(addr string) *ServerConfig {
	clone := c.Clone()
	clone.Address = addr
	return clone
}

// WithPath returns a copy with the WebSocket path set.
func (c *ServerConfig) WithPath(path string) *ServerConfig {
	clone := c.Clone()
	clone.Path = path
	return clone
}

// WithMaxSessions returns a copy with the session limit set.
func (c *ServerConfig) WithMaxSessions(n int) *ServerConfig {
	clone := c.Clone()
	clone.MaxSessions = n
	return clone
}

// WithCheckOrigin returns a copy with the origin check set.
func (c *ServerConfig) WithCheckOrigin(fn func(*http.Request) bool) *ServerConfig {
	clone := c.Clone()
	clone.CheckOrigin = fn
	return clone
}

// WithLogger returns a copy with the logger set.
func (c *ServerConfig) WithLogger(logger *slog.Logger) *ServerConfig {
	clone := c.Clone()
	clone.Logger = logger
	return clone
}

// WithSessionConfig returns a copy with the session configuration set.
func (c *ServerConfig) WithSessionConfig(sc *SessionConfig) *ServerConfig {
	clone := c.Clone()
	clone.SessionConfig = sc.Clone()
	return clone
}
