package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	ossignal "os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/serversignal/pkg/protocol"
	"github.com/vango-dev/serversignal/pkg/signal"
)

// Server serves one signal over WebSocket.
type Server struct {
	hub      *Hub
	config   *ServerConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
	handler  http.Handler

	mu         sync.Mutex
	httpServer *http.Server
	closed     atomic.Bool
}

// New creates a server publishing source. Unset config fields take their
// DefaultServerConfig values.
func New(source signal.Source, config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig()
	} else {
		config = config.Clone()
		defaults := DefaultServerConfig()
		if config.Address == "" {
			config.Address = defaults.Address
		}
		if config.Path == "" {
			config.Path = defaults.Path
		}
		if config.ReadBufferSize == 0 {
			config.ReadBufferSize = defaults.ReadBufferSize
		}
		if config.WriteBufferSize == 0 {
			config.WriteBufferSize = defaults.WriteBufferSize
		}
		if config.CheckOrigin == nil {
			config.CheckOrigin = defaults.CheckOrigin
		}
		if config.SessionConfig == nil {
			config.SessionConfig = defaults.SessionConfig
		}
		if config.ShutdownTimeout == 0 {
			config.ShutdownTimeout = defaults.ShutdownTimeout
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	return &Server{
		hub:    NewHub(source, config.SessionConfig.MaxPatchHistory, logger),
		config: config,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    config.ReadBufferSize,
			WriteBufferSize:   config.WriteBufferSize,
			CheckOrigin:       config.CheckOrigin,
			EnableCompression: config.SessionConfig.EnableCompression,
		},
	}
}

// Use appends broadcast middleware.
func (s *Server) Use(mw ...Middleware) {
	s.hub.Use(mw...)
}

// SetHandler sets the handler for requests outside the WebSocket path.
func (s *Server) SetHandler(h http.Handler) {
	s.handler = h
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s
}

// WebSocketHandler returns a handler serving only the WebSocket endpoint,
// for mounting on an existing router.
func (s *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(s.HandleWebSocket)
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Config returns the server configuration.
func (s *Server) Config() *ServerConfig {
	return s.config
}

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == s.config.Path {
		s.HandleWebSocket(w, r)
		return
	}
	if s.handler != nil {
		s.handler.ServeHTTP(w, r)
		return
	}
	http.NotFound(w, r)
}

// HandleWebSocket upgrades the request and starts a session.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	codec, err := ParseCodec(r.URL.Query().Get("codec"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// Text clients have no handshake to carry a busy status.
	if codec == CodecJSON && s.atCapacity() {
		http.Error(w, ErrMaxSessionsReached.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	cfg := s.config.SessionConfig
	sess := newSession(conn, codec, s.hub, cfg, s.logger)
	sess.onClose = s.config.OnSessionClose
	sess.onResync = s.config.OnResync

	var lastSeq, checksum uint64
	if codec == CodecBinary {
		hello, status, err := s.readHandshake(conn)
		if err != nil {
			s.rejectHandshake(conn, status, err)
			return
		}
		lastSeq, checksum = hello.LastSeq, hello.Checksum
	}

	if s.config.OnSessionStart != nil {
		s.config.OnSessionStart(r.Context(), sess)
	}

	if codec == CodecBinary {
		sh := protocol.NewServerHello(sess.ID, s.hub.Seq(), uint64(time.Now().UnixMilli()))
		frame := protocol.NewFrame(protocol.FrameHandshake, protocol.EncodeServerHello(sh))
		if err := sess.write(websocket.BinaryMessage, frame.Encode()); err != nil {
			sess.closeWithError(NewSessionError(sess.ID, "handshake", err))
			return
		}
	}

	mode, err := s.hub.Attach(sess, lastSeq, checksum)
	if err != nil {
		sess.logger.Error("attach failed", "error", err)
		sess.closeWithError(NewSessionError(sess.ID, "attach", err))
		return
	}
	sess.logger.Info("session started",
		"remote_addr", sess.RemoteAddr,
		"last_seq", lastSeq,
		"sync", mode.String())
	sess.Start()
}

func (s *Server) atCapacity() bool {
	return s.config.MaxSessions > 0 && s.hub.Len() >= s.config.MaxSessions
}

// readHandshake reads and validates the client hello. On failure it returns
// the status to report back.
func (s *Server) readHandshake(conn *websocket.Conn) (*protocol.ClientHello, protocol.HandshakeStatus, error) {
	cfg := s.config.SessionConfig
	conn.SetReadLimit(cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return nil, protocol.HandshakeInvalidFormat, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	if msgType != websocket.BinaryMessage {
		return nil, protocol.HandshakeInvalidFormat, fmt.Errorf("%w: expected binary message", ErrInvalidHandshake)
	}
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		return nil, protocol.HandshakeInvalidFormat, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	if frame.Type != protocol.FrameHandshake {
		return nil, protocol.HandshakeInvalidFormat, fmt.Errorf("%w: got %s frame", ErrInvalidHandshake, frame.Type)
	}
	hello, err := protocol.DecodeClientHello(frame.Payload)
	if err != nil {
		return nil, protocol.HandshakeInvalidFormat, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}

	switch {
	case !protocol.CurrentVersion.Compatible(hello.Version):
		return nil, protocol.HandshakeVersionMismatch,
			fmt.Errorf("%w: client %s, server %s", ErrVersionMismatch, hello.Version, protocol.CurrentVersion)
	case hello.Signal != s.hub.Name():
		return nil, protocol.HandshakeUnknownSignal, fmt.Errorf("%w: %q", ErrUnknownSignal, hello.Signal)
	case s.atCapacity():
		return nil, protocol.HandshakeServerBusy, ErrMaxSessionsReached
	}
	return hello, protocol.HandshakeOK, nil
}

func (s *Server) rejectHandshake(conn *websocket.Conn, status protocol.HandshakeStatus, err error) {
	s.logger.Warn("handshake rejected",
		"remote_addr", conn.RemoteAddr().String(),
		"status", status.String(),
		"error", err)

	frame := protocol.NewFrame(protocol.FrameHandshake, protocol.EncodeServerHello(protocol.NewServerHelloError(status)))
	deadline := time.Now().Add(s.config.SessionConfig.WriteTimeout)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(websocket.BinaryMessage, frame.Encode())
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, status.String()), deadline)
	_ = conn.Close()
}

// Run listens on the configured address and blocks until the server fails
// or receives SIGINT/SIGTERM, in which case it shuts down gracefully.
func (s *Server) Run() error {
	if err := s.config.SessionConfig.Validate(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              s.config.Address,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	shutdown := make(chan os.Signal, 1)
	ossignal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer ossignal.Stop(shutdown)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "address", s.config.Address, "path", s.config.Path)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-shutdown:
		s.logger.Info("shutting down", "signal", sig.String())
		return s.Shutdown(context.Background())
	}
}

// Shutdown closes every session and stops the HTTP server, waiting at most
// ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.hub.Close()

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}
	s.logger.Info("server shutdown complete")
	return nil
}
