package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/serversignal/pkg/protocol"
	"github.com/vango-dev/serversignal/pkg/signal"
)

// stream is the per-connection read state.
type stream[T any] struct {
	c         *Client[T]
	conn      *websocket.Conn
	unacked   int
	resyncing bool
	resyncAt  time.Time
}

// resyncTimeout is how long a resync request may go unanswered before a
// further gap sends another.
var resyncTimeout = 10 * time.Second

func (s *stream[T]) handleText(data []byte) error {
	u, err := protocol.DecodeUpdateJSON(data)
	if err != nil {
		return err
	}
	if err := s.c.replica.Apply(u); err != nil {
		if errors.Is(err, signal.ErrNameMismatch) {
			s.skip(u)
			return nil
		}
		return err
	}
	s.c.applied.Add(1)
	return nil
}

// skip drops an update addressed to another signal on the same connection.
func (s *stream[T]) skip(u *signal.Update) {
	s.c.skipped.Add(1)
	s.c.logger.Debug("ignoring update", "signal", u.Name, "want", s.c.replica.Name())
}

func (s *stream[T]) handleFrame(data []byte) error {
	f, err := protocol.DecodeFrame(data)
	if err != nil {
		return err
	}

	switch f.Type {
	case protocol.FrameUpdate:
		uf, err := protocol.DecodeUpdate(f.Payload)
		if err != nil {
			return err
		}
		return s.applyUpdate(uf.SignalUpdate())

	case protocol.FrameSnapshot:
		sf, err := protocol.DecodeSnapshot(f.Payload)
		if err != nil {
			return err
		}
		if err := s.c.replica.Reset(sf.SignalSnapshot()); err != nil {
			return err
		}
		s.resyncing = false
		s.c.logger.Debug("snapshot applied", "seq", sf.Seq)
		return s.ack()

	case protocol.FrameControl:
		return s.handleControl(f.Payload)

	case protocol.FrameError:
		em, err := protocol.DecodeErrorMessage(f.Payload)
		if err != nil {
			return err
		}
		if em.Fatal {
			return em
		}
		s.c.logger.Warn("server error", "code", em.Code.String(), "message", em.Message)
		return nil

	default:
		return fmt.Errorf("client: unexpected %s frame", f.Type)
	}
}

func (s *stream[T]) applyUpdate(u *signal.Update) error {
	err := s.c.replica.Apply(u)
	switch {
	case err == nil:
		s.resyncing = false
		s.c.applied.Add(1)
		s.unacked++
		if s.unacked >= s.c.opts.ackInterval {
			return s.ack()
		}
		return nil

	case errors.Is(err, signal.ErrNameMismatch):
		s.skip(u)
		return nil

	case errors.Is(err, signal.ErrStaleUpdate):
		// Already applied, e.g. a replay overlapping a snapshot.
		return nil

	case signal.NeedsResync(err):
		if s.resyncing && time.Since(s.resyncAt) < resyncTimeout {
			// Updates queued before the server saw the request.
			return nil
		}
		s.c.logger.Info("requesting resync", "seq", s.c.replica.Seq(), "reason", err)
		s.resyncing = true
		s.resyncAt = time.Now()
		s.c.resyncs.Add(1)
		sum := s.c.replica.Checksum()
		if !errors.Is(err, signal.ErrSequenceGap) {
			// Replaying onto this document already failed; zero forces a snapshot.
			sum = 0
		}
		ct, rr := protocol.NewResyncRequest(s.c.replica.Seq(), sum)
		return s.c.writeFrame(s.conn, protocol.FrameControl, protocol.EncodeControl(ct, rr))

	default:
		return err
	}
}

func (s *stream[T]) handleControl(payload []byte) error {
	ct, msg, err := protocol.DecodeControl(payload)
	if err != nil {
		return err
	}
	switch ct {
	case protocol.ControlPing:
		ping := msg.(*protocol.PingPong)
		ct, pong := protocol.NewPong(ping.Timestamp)
		return s.c.writeFrame(s.conn, protocol.FrameControl, protocol.EncodeControl(ct, pong))
	case protocol.ControlClose:
		cm := msg.(*protocol.CloseMessage)
		return fmt.Errorf("%w: %s %s", ErrClosedByServer, cm.Reason, cm.Message)
	}
	return nil
}

func (s *stream[T]) ack() error {
	s.unacked = 0
	payload := protocol.EncodeAck(&protocol.Ack{LastSeq: s.c.replica.Seq()})
	return s.c.writeFrame(s.conn, protocol.FrameAck, payload)
}
