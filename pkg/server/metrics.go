package server

import "time"

// ServerMetrics aggregates metrics across the server.
type ServerMetrics struct {
	// Sessions
	ActiveSessions int
	TotalSessions  uint64

	// Updates
	LastSeq    uint64
	Broadcasts uint64
	Dropped    uint64

	// Recovery
	Resyncs   uint64
	Replays   uint64
	Snapshots uint64

	// History window
	HistoryCount  int
	HistoryMinSeq uint64
	HistoryMaxSeq uint64

	// Network, summed over active sessions
	FramesSent    uint64
	BytesSent     uint64
	BytesReceived uint64
	MaxLag        uint64

	CollectedAt time.Time
}

// Metrics collects and returns server metrics.
func (s *Server) Metrics() *ServerMetrics {
	st := s.hub.Stats()
	m := &ServerMetrics{
		ActiveSessions: st.Sessions,
		TotalSessions:  st.TotalSessions,
		LastSeq:        st.LastSeq,
		Broadcasts:     st.Broadcasts,
		Dropped:        st.Dropped,
		Resyncs:        st.Resyncs,
		Replays:        st.Replays,
		Snapshots:      st.Snapshots,
		HistoryCount:   st.HistoryCount,
		HistoryMinSeq:  st.HistoryMinSeq,
		HistoryMaxSeq:  st.HistoryMaxSeq,
		CollectedAt:    time.Now(),
	}
	for _, sess := range s.hub.Sessions() {
		ss := sess.Stats()
		m.FramesSent += ss.FramesSent
		m.BytesSent += ss.BytesSent
		m.BytesReceived += ss.BytesRecv
		if ss.Codec == CodecBinary {
			m.MaxLag = max(m.MaxLag, ss.Lag())
		}
	}
	return m
}
