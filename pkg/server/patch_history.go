package server

import (
	"sync"
	"time"
)

// PatchHistoryEntry is an encoded update frame kept for replay.
type PatchHistoryEntry struct {
	Seq      uint64    // Update sequence number
	Frame    []byte    // Encoded FrameUpdate, ready to resend
	Checksum uint64    // Checksum of the document after this update
	AddedAt  time.Time // When the update was published
}

// PatchHistory is a thread-safe ring buffer of recent update frames.
//
// Entries are added in sequence order. When full, the oldest entry is
// overwritten, so the buffer always holds a contiguous window
// [MinSeq, MaxSeq] that reconnecting clients can be brought forward from.
// A capacity of zero disables history; every recovery then needs a snapshot.
type PatchHistory struct {
	mu       sync.RWMutex
	entries  []PatchHistoryEntry
	head     int // next write position
	count    int
	capacity int
}

// NewPatchHistory creates a ring buffer holding up to capacity frames.
func NewPatchHistory(capacity int) *PatchHistory {
	if capacity < 0 {
		capacity = 0
	}
	return &PatchHistory{
		entries:  make([]PatchHistoryEntry, capacity),
		capacity: capacity,
	}
}

// Add records the frame for seq. A seq that does not follow MaxSeq
// discards the existing window first.
func (h *PatchHistory) Add(seq uint64, frame []byte, checksum uint64) {
	if h.capacity == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count > 0 && seq != h.newestLocked().Seq+1 {
		h.clearLocked()
	}

	h.entries[h.head] = PatchHistoryEntry{
		Seq:      seq,
		Frame:    frame,
		Checksum: checksum,
		AddedAt:  time.Now(),
	}
	h.head = (h.head + 1) % h.capacity
	if h.count < h.capacity {
		h.count++
	}
}

func (h *PatchHistory) oldestLocked() *PatchHistoryEntry {
	return &h.entries[(h.head-h.count+h.capacity)%h.capacity]
}

func (h *PatchHistory) newestLocked() *PatchHistoryEntry {
	return &h.entries[(h.head-1+h.capacity)%h.capacity]
}

// entryLocked returns the entry for seq, or nil if it is outside the window.
func (h *PatchHistory) entryLocked(seq uint64) *PatchHistoryEntry {
	if h.count == 0 {
		return nil
	}
	oldest := h.oldestLocked().Seq
	if seq < oldest || seq > h.newestLocked().Seq {
		return nil
	}
	idx := (h.head - h.count + int(seq-oldest) + h.capacity) % h.capacity
	return &h.entries[idx]
}

// GetFrames returns the frames for sequences (afterSeq, toSeq] in order.
// It returns nil if any sequence in the range is not held.
func (h *PatchHistory) GetFrames(afterSeq, toSeq uint64) [][]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if toSeq <= afterSeq || h.entryLocked(afterSeq+1) == nil || h.entryLocked(toSeq) == nil {
		return nil
	}
	frames := make([][]byte, 0, toSeq-afterSeq)
	for seq := afterSeq + 1; seq <= toSeq; seq++ {
		frames = append(frames, h.entryLocked(seq).Frame)
	}
	return frames
}

// Checksum returns the document checksum recorded after seq.
func (h *PatchHistory) Checksum(seq uint64) (uint64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	e := h.entryLocked(seq)
	if e == nil {
		return 0, false
	}
	return e.Checksum, true
}

// CanRecover reports whether every sequence after lastSeq up to MaxSeq is held.
func (h *PatchHistory) CanRecover(lastSeq uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.count == 0 {
		return false
	}
	return lastSeq+1 >= h.oldestLocked().Seq && lastSeq < h.newestLocked().Seq
}

// MinSeq returns the oldest sequence held, or 0 when empty.
func (h *PatchHistory) MinSeq() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.count == 0 {
		return 0
	}
	return h.oldestLocked().Seq
}

// MaxSeq returns the newest sequence held, or 0 when empty.
func (h *PatchHistory) MaxSeq() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.count == 0 {
		return 0
	}
	return h.newestLocked().Seq
}

// Count returns the number of entries in the buffer.
func (h *PatchHistory) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Clear removes all entries.
func (h *PatchHistory) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clearLocked()
}

func (h *PatchHistory) clearLocked() {
	for i := range h.entries {
		h.entries[i] = PatchHistoryEntry{}
	}
	h.head = 0
	h.count = 0
}
