package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/vango-dev/serversignal/pkg/protocol"
	"github.com/vango-dev/serversignal/pkg/signal"
)

// maxSyncAttempts bounds how often a sync retries when the snapshot it took
// has fallen out of the history window.
const maxSyncAttempts = 3

var errStaleSnapshot = errors.New("server: snapshot behind history window")

// SyncMode is how a session was brought up to date.
type SyncMode uint8

const (
	SyncNone     SyncMode = iota // client already current
	SyncReplay                   // missed update frames resent from history
	SyncSnapshot                 // full document sent
)

// String returns the string representation of the sync mode.
func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncReplay:
		return "replay"
	case SyncSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// Hub publishes one signal to every attached session.
//
// Each update is encoded once, recorded in the patch history and queued on
// every session while holding the hub lock, so all sessions observe updates
// in sequence order. Attach and Resync take the same lock to splice a
// snapshot or a replay into a session's queue without losing or reordering
// live updates.
type Hub struct {
	source   signal.Source
	logger   *slog.Logger
	history  *PatchHistory
	sessions *xsync.MapOf[string, *Session]

	mu         sync.Mutex
	lastSeq    uint64
	lastSum    uint64
	baseSeq    uint64
	baseSum    uint64
	middleware []Middleware
	closed     bool
	cancel     func()

	totalSessions atomic.Uint64
	broadcasts    atomic.Uint64
	dropped       atomic.Uint64
	replays       atomic.Uint64
	snapshots     atomic.Uint64
	resyncs       atomic.Uint64
}

// NewHub subscribes to source and keeps up to historySize update frames for
// replay.
func NewHub(source signal.Source, historySize int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		source:   source,
		logger:   logger.With("component", "hub", "signal", source.Name()),
		history:  NewPatchHistory(historySize),
		sessions: xsync.NewMapOf[string, *Session](),
	}

	// Held across the subscription so an update racing it waits for the
	// base sequence to be recorded.
	h.mu.Lock()
	snap, cancel := source.ObserveSnapshot(h.publish)
	h.cancel = cancel
	h.baseSeq, h.baseSum = snap.Seq, snap.Checksum
	h.lastSeq, h.lastSum = snap.Seq, snap.Checksum
	h.mu.Unlock()
	return h
}

// Use appends middleware to the broadcast chain.
func (h *Hub) Use(mw ...Middleware) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.middleware = append(h.middleware, mw...)
}

// Name returns the published signal's name.
func (h *Hub) Name() string {
	return h.source.Name()
}

// Seq returns the last published sequence number.
func (h *Hub) Seq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSeq
}

// Len returns the number of attached sessions.
func (h *Hub) Len() int {
	return h.sessions.Size()
}

// Session returns the attached session with the given ID.
func (h *Hub) Session(id string) (*Session, bool) {
	return h.sessions.Load(id)
}

// Sessions returns the attached sessions in no particular order.
func (h *Hub) Sessions() []*Session {
	out := make([]*Session, 0, h.sessions.Size())
	h.sessions.Range(func(_ string, s *Session) bool {
		out = append(out, s)
		return true
	})
	return out
}

// publish is the signal observer. It runs under the signal's lock.
func (h *Hub) publish(u *signal.Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	frame := protocol.EncodeUpdateFrame(u)
	h.history.Add(u.Seq, frame, u.Checksum)
	h.lastSeq, h.lastSum = u.Seq, u.Checksum
	h.broadcasts.Add(1)

	b := &Broadcast{Update: u, FrameSize: len(frame)}
	err := chain(h.middleware, b, func(context.Context) error {
		return h.fanOutLocked(u, frame, b)
	})(context.Background())
	if err != nil {
		h.logger.Warn("broadcast failed", "seq", u.Seq, "error", err)
	}
}

func (h *Hub) fanOutLocked(u *signal.Update, frame []byte, b *Broadcast) error {
	var text []byte
	var textErr error
	h.sessions.Range(func(_ string, s *Session) bool {
		msgType, data := websocket.BinaryMessage, frame
		if s.Codec == CodecJSON {
			if text == nil && textErr == nil {
				text, textErr = protocol.EncodeUpdateJSON(&signal.Update{Name: u.Name, Patch: u.Patch})
			}
			if textErr != nil {
				return true
			}
			msgType, data = websocket.TextMessage, text
		}

		switch err := s.enqueue(msgType, data); {
		case err == nil:
			s.lastSent.Store(u.Seq)
			b.Recipients++
		case errors.Is(err, ErrSendQueueFull):
			b.Dropped++
			h.dropped.Add(1)
			h.evict(s)
		}
		return true
	})
	return textErr
}

// evict removes a session that could not keep up and closes it off the
// broadcast path.
func (h *Hub) evict(s *Session) {
	h.sessions.Delete(s.ID)
	s.logger.Warn("slow consumer, closing session", "queued", len(s.send))
	go s.closeWithError(ErrSendQueueFull)
}

// Attach brings s up to date from the client's last known sequence and
// checksum, then registers it for live updates.
func (h *Hub) Attach(s *Session, lastSeq, checksum uint64) (SyncMode, error) {
	mode, err := h.sync(s, lastSeq, checksum, true)
	if err == nil {
		h.totalSessions.Add(1)
	}
	return mode, err
}

// Resync answers a client's resync request on an attached session.
func (h *Hub) Resync(s *Session, lastSeq, checksum uint64) (SyncMode, error) {
	h.resyncs.Add(1)
	return h.sync(s, lastSeq, checksum, false)
}

func (h *Hub) sync(s *Session, lastSeq, checksum uint64, register bool) (SyncMode, error) {
	for attempt := 0; attempt < maxSyncAttempts; attempt++ {
		// Taken outside the hub lock: the signal lock orders before it.
		snap := h.source.Snapshot()

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return SyncNone, ErrHubClosed
		}
		mode, msgs, err := h.planLocked(s, snap, lastSeq, checksum)
		if errors.Is(err, errStaleSnapshot) {
			h.mu.Unlock()
			continue
		}
		if err != nil {
			h.mu.Unlock()
			return SyncNone, err
		}
		for _, m := range msgs {
			if err := s.enqueue(m.msgType, m.data); err != nil {
				h.mu.Unlock()
				return mode, err
			}
		}
		s.lastSent.Store(h.lastSeq)
		if register {
			h.sessions.Store(s.ID, s)
		}
		h.mu.Unlock()

		switch mode {
		case SyncReplay:
			h.replays.Add(1)
		case SyncSnapshot:
			h.snapshots.Add(1)
		}
		return mode, nil
	}
	return SyncNone, ErrResyncFailed
}

// planLocked computes the messages that move a client at (lastSeq, checksum)
// to the hub's current sequence. It returns errStaleSnapshot when snap is too
// old to be completed from history.
func (h *Hub) planLocked(s *Session, snap signal.Snapshot, lastSeq, checksum uint64) (SyncMode, []outbound, error) {
	if s.Codec == CodecJSON {
		return h.planTextLocked(snap)
	}

	if lastSeq == h.lastSeq && checksumMatches(h.lastSum, checksum) {
		return SyncNone, nil, nil
	}
	if lastSeq < h.lastSeq {
		if want, ok := h.checksumAtLocked(lastSeq); ok && checksumMatches(want, checksum) {
			if frames := h.history.GetFrames(lastSeq, h.lastSeq); frames != nil {
				msgs := make([]outbound, len(frames))
				for i, f := range frames {
					msgs[i] = outbound{websocket.BinaryMessage, protocol.MarkReplay(f)}
				}
				return SyncReplay, msgs, nil
			}
		}
	}

	tail, ok := h.tailLocked(snap.Seq)
	if !ok {
		return SyncSnapshot, nil, errStaleSnapshot
	}
	msgs := make([]outbound, 0, len(tail)+1)
	msgs = append(msgs, outbound{websocket.BinaryMessage, protocol.EncodeSnapshotFrame(snap)})
	for _, f := range tail {
		msgs = append(msgs, outbound{websocket.BinaryMessage, f})
	}
	return SyncSnapshot, msgs, nil
}

// planTextLocked sends the diff from the zero document to snap, followed by
// any updates published since snap, all unsequenced.
func (h *Hub) planTextLocked(snap signal.Snapshot) (SyncMode, []outbound, error) {
	tail, ok := h.tailLocked(snap.Seq)
	if !ok {
		return SyncSnapshot, nil, errStaleSnapshot
	}

	patch, err := signal.Diff(h.source.ZeroDoc(), snap.Doc)
	if err != nil {
		return SyncNone, nil, fmt.Errorf("server: initial diff: %w", err)
	}
	msgs := make([]outbound, 0, len(tail)+1)
	if !signal.IsEmptyPatch(patch) {
		data, err := protocol.EncodeUpdateJSON(&signal.Update{Name: snap.Name, Patch: patch})
		if err != nil {
			return SyncNone, nil, err
		}
		msgs = append(msgs, outbound{websocket.TextMessage, data})
	}
	for _, f := range tail {
		data, err := textFromFrame(f)
		if err != nil {
			return SyncNone, nil, err
		}
		msgs = append(msgs, outbound{websocket.TextMessage, data})
	}
	return SyncSnapshot, msgs, nil
}

// tailLocked returns the frames published after seq.
func (h *Hub) tailLocked(seq uint64) ([][]byte, bool) {
	switch {
	case seq == h.lastSeq:
		return nil, true
	case seq > h.lastSeq:
		return nil, false
	}
	frames := h.history.GetFrames(seq, h.lastSeq)
	return frames, frames != nil
}

func (h *Hub) checksumAtLocked(seq uint64) (uint64, bool) {
	if seq == h.lastSeq {
		return h.lastSum, true
	}
	if sum, ok := h.history.Checksum(seq); ok {
		return sum, true
	}
	if seq == h.baseSeq {
		return h.baseSum, true
	}
	return 0, false
}

// checksumMatches treats a zero expected checksum as "not tracked".
func checksumMatches(want, got uint64) bool {
	return want == 0 || want == got
}

func textFromFrame(frame []byte) ([]byte, error) {
	f, err := protocol.DecodeFrame(frame)
	if err != nil {
		return nil, err
	}
	uf, err := protocol.DecodeUpdate(f.Payload)
	if err != nil {
		return nil, err
	}
	return protocol.EncodeUpdateJSON(&signal.Update{Name: uf.Name, Patch: uf.Patch})
}

// detach removes s from the fan-out.
func (h *Hub) detach(s *Session) {
	h.sessions.Delete(s.ID)
}

// Close unsubscribes from the signal and closes every session.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()
	h.cancel()

	for _, s := range h.Sessions() {
		s.closeWithError(ErrServerClosed)
	}
	h.logger.Info("hub closed")
}

// HubStats is a point-in-time view of hub counters.
type HubStats struct {
	Sessions      int
	TotalSessions uint64
	LastSeq       uint64
	Broadcasts    uint64
	Dropped       uint64
	Replays       uint64
	Snapshots     uint64
	Resyncs       uint64
	HistoryCount  int
	HistoryMinSeq uint64
	HistoryMaxSeq uint64
}

// Stats returns the hub's counters.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Sessions:      h.sessions.Size(),
		TotalSessions: h.totalSessions.Load(),
		LastSeq:       h.Seq(),
		Broadcasts:    h.broadcasts.Load(),
		Dropped:       h.dropped.Load(),
		Replays:       h.replays.Load(),
		Snapshots:     h.snapshots.Load(),
		Resyncs:       h.resyncs.Load(),
		HistoryCount:  h.history.Count(),
		HistoryMinSeq: h.history.MinSeq(),
		HistoryMaxSeq: h.history.MaxSeq(),
	}
}
