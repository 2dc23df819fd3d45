package server

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-dev/serversignal/pkg/protocol"
)

// Codec selects the wire format of a session.
type Codec uint8

const (
	// CodecBinary is the framed protocol with handshake, sequencing and resync.
	CodecBinary Codec = iota
	// CodecJSON sends each update as a {"name","patch"} text message.
	CodecJSON
)

// String returns the codec name as used in the ?codec= query parameter.
func (c Codec) String() string {
	switch c {
	case CodecBinary:
		return "binary"
	case CodecJSON:
		return "json"
	default:
		return "unknown"
	}
}

// ParseCodec parses a ?codec= value. The empty string selects CodecBinary.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "", "binary":
		return CodecBinary, nil
	case "json":
		return CodecJSON, nil
	default:
		return 0, fmt.Errorf("server: unknown codec %q", s)
	}
}

type outbound struct {
	msgType int
	data    []byte
}

// Session is one WebSocket connection subscribed to a hub.
//
// All writes to the connection happen on WriteLoop, except the final close
// control message. ReadLoop handles client frames and ends the session when
// the connection drops.
type Session struct {
	ID         string
	Codec      Codec
	RemoteAddr string
	CreatedAt  time.Time

	conn     *websocket.Conn
	hub      *Hub
	config   *SessionConfig
	logger   *slog.Logger
	onClose  func(*Session, error)
	onResync func(*Session, SyncMode)

	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	wg        sync.WaitGroup

	lastSent   atomic.Uint64
	acked      atomic.Uint64
	framesSent atomic.Uint64
	bytesSent  atomic.Uint64
	bytesRecv  atomic.Uint64
	lastActive atomic.Int64

	mu       sync.Mutex
	closeErr error
}

func newSession(conn *websocket.Conn, codec Codec, hub *Hub, config *SessionConfig, logger *slog.Logger) *Session {
	id := uuid.NewString()
	s := &Session{
		ID:         id,
		Codec:      codec,
		RemoteAddr: conn.RemoteAddr().String(),
		CreatedAt:  time.Now(),
		conn:       conn,
		hub:        hub,
		config:     config,
		logger:     logger.With("session_id", id, "codec", codec.String()),
		send:       make(chan outbound, config.SendQueueSize),
		done:       make(chan struct{}),
	}
	s.touch()
	return s
}

// Start runs the read and write loops.
func (s *Session) Start() {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.ReadLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.WriteLoop()
	}()
}

// Wait blocks until both loops have exited.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the session closed, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// IsClosed reports whether the session has been closed.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// enqueue queues a message without blocking.
func (s *Session) enqueue(msgType int, data []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	select {
	case s.send <- outbound{msgType, data}:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrSendQueueFull
	}
}

func (s *Session) enqueueFrame(ft protocol.FrameType, payload []byte) {
	err := s.enqueue(websocket.BinaryMessage, protocol.NewFrame(ft, payload).Encode())
	if errors.Is(err, ErrSendQueueFull) {
		s.hub.evict(s)
	}
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// ReadLoop reads client frames until the connection fails or closes.
func (s *Session) ReadLoop() {
	s.conn.SetReadLimit(s.config.MaxMessageSize)
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})

	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.closeWithError(nil)
				return
			}
			s.logger.Debug("websocket read error", "error", err)
			s.closeWithError(NewSessionError(s.ID, "read", err))
			return
		}
		s.touch()
		s.bytesRecv.Add(uint64(len(data)))

		if s.Codec == CodecJSON || msgType != websocket.BinaryMessage {
			// Text clients only receive.
			continue
		}

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			s.logger.Warn("invalid frame", "error", err)
			s.sendError(protocol.ErrInvalidFrame, err.Error())
			continue
		}

		switch frame.Type {
		case protocol.FrameControl:
			s.handleControl(frame.Payload)
		case protocol.FrameAck:
			s.handleAck(frame.Payload)
		default:
			s.logger.Warn("unexpected frame", "type", frame.Type)
			s.sendError(protocol.ErrUnexpected, "unexpected "+frame.Type.String()+" frame")
		}
	}
}

func (s *Session) handleControl(payload []byte) {
	ct, msg, err := protocol.DecodeControl(payload)
	if err != nil {
		s.logger.Warn("invalid control frame", "error", err)
		s.sendError(protocol.ErrInvalidFrame, err.Error())
		return
	}

	switch ct {
	case protocol.ControlPing:
		ping := msg.(*protocol.PingPong)
		_, pong := protocol.NewPong(ping.Timestamp)
		s.enqueueFrame(protocol.FrameControl, protocol.EncodeControl(protocol.ControlPong, pong))

	case protocol.ControlPong:
		// Activity already recorded.

	case protocol.ControlResyncRequest:
		rr := msg.(*protocol.ResyncRequest)
		mode, err := s.hub.Resync(s, rr.LastSeq, rr.Checksum)
		if err != nil {
			s.logger.Error("resync failed", "last_seq", rr.LastSeq, "error", err)
			s.closeWithError(NewSessionError(s.ID, "resync", err))
			return
		}
		s.logger.Info("resync", "last_seq", rr.LastSeq, "mode", mode.String())
		if s.onResync != nil {
			s.onResync(s, mode)
		}

	case protocol.ControlClose:
		cm := msg.(*protocol.CloseMessage)
		s.logger.Debug("client closed session", "reason", cm.Reason.String())
		s.closeWithError(nil)
	}
}

func (s *Session) handleAck(payload []byte) {
	ack, err := protocol.DecodeAck(payload)
	if err != nil {
		s.sendError(protocol.ErrInvalidFrame, err.Error())
		return
	}
	for {
		cur := s.acked.Load()
		if ack.LastSeq <= cur || s.acked.CompareAndSwap(cur, ack.LastSeq) {
			return
		}
	}
}

func (s *Session) sendError(code protocol.ErrorCode, message string) {
	s.enqueueFrame(protocol.FrameError, protocol.EncodeErrorMessage(protocol.NewError(code, message)))
}

// WriteLoop writes queued messages and heartbeats until the session closes.
// The first write error closes the session.
func (s *Session) WriteLoop() {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case m := <-s.send:
			if err := s.write(m.msgType, m.data); err != nil {
				s.closeWithError(NewSessionError(s.ID, "write", err))
				return
			}
			s.framesSent.Add(1)
		case <-ticker.C:
			if err := s.sendPing(); err != nil {
				s.closeWithError(NewSessionError(s.ID, "ping", err))
				return
			}
		}
	}
}

func (s *Session) write(msgType int, data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		return err
	}
	if err := s.conn.WriteMessage(msgType, data); err != nil {
		return err
	}
	s.bytesSent.Add(uint64(len(data)))
	return nil
}

// sendPing sends a protocol ping to binary clients and a WebSocket ping to
// text clients, whose browsers answer it without application code.
func (s *Session) sendPing() error {
	if s.Codec == CodecJSON {
		return s.write(websocket.PingMessage, nil)
	}
	_, ping := protocol.NewPing(uint64(time.Now().UnixMilli()))
	frame := protocol.NewFrame(protocol.FrameControl, protocol.EncodeControl(protocol.ControlPing, ping))
	return s.write(websocket.BinaryMessage, frame.Encode())
}

// Close closes the session normally.
func (s *Session) Close() {
	s.closeWithError(nil)
}

func (s *Session) closeWithError(err error) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.mu.Lock()
		s.closeErr = err
		s.mu.Unlock()
		close(s.done)
		s.hub.detach(s)

		code, text := closeCode(err)
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
		_ = s.conn.Close()

		if err != nil {
			s.logger.Info("session closed", "error", err)
		} else {
			s.logger.Debug("session closed")
		}
		if s.onClose != nil {
			s.onClose(s, err)
		}
	})
}

func closeCode(err error) (int, string) {
	switch {
	case err == nil:
		return websocket.CloseNormalClosure, ""
	case errors.Is(err, ErrSendQueueFull):
		return websocket.CloseTryAgainLater, protocol.CloseSlowConsumer.String()
	case errors.Is(err, ErrServerClosed), errors.Is(err, ErrHubClosed):
		return websocket.CloseGoingAway, protocol.CloseServerShutdown.String()
	default:
		return websocket.CloseInternalServerErr, protocol.CloseError.String()
	}
}

// SessionStats is a point-in-time view of a session.
type SessionStats struct {
	ID         string
	Codec      Codec
	RemoteAddr string
	CreatedAt  time.Time
	LastActive time.Time
	LastSent   uint64 // last sequence queued
	Acked      uint64 // last sequence acknowledged by the client
	FramesSent uint64
	BytesSent  uint64
	BytesRecv  uint64
	Queued     int
}

// Lag is the number of queued sequences the client has not acknowledged.
func (st SessionStats) Lag() uint64 {
	if st.Acked >= st.LastSent {
		return 0
	}
	return st.LastSent - st.Acked
}

// Stats returns the session's counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		ID:         s.ID,
		Codec:      s.Codec,
		RemoteAddr: s.RemoteAddr,
		CreatedAt:  s.CreatedAt,
		LastActive: time.Unix(0, s.lastActive.Load()),
		LastSent:   s.lastSent.Load(),
		Acked:      s.acked.Load(),
		FramesSent: s.framesSent.Load(),
		BytesSent:  s.bytesSent.Load(),
		BytesRecv:  s.bytesRecv.Load(),
		Queued:     len(s.send),
	}
}
