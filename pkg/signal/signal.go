package signal

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/wI2L/jsondiff"
)

// Option configures a Signal.
type Option func(*options)

type options struct {
	diff     []jsondiff.Option
	checksum bool
}

func defaultOptions() options {
	return options{checksum: true}
}

// WithDiffOptions passes options to the JSON diff, e.g. jsondiff.Factorize().
func WithDiffOptions(opts ...jsondiff.Option) Option {
	return func(o *options) {
		o.diff = append(o.diff, opts...)
	}
}

// WithoutChecksum disables checksums on produced updates.
func WithoutChecksum() Option {
	return func(o *options) {
		o.checksum = false
	}
}

// Signal is a server-owned value whose mutations are published as patches.
// All access to the value goes through the methods below, which hold the
// signal lock for the duration of the mutation.
type Signal[T any] struct {
	name string
	opts options

	mu    sync.Mutex
	value T
	doc   []byte
	zero  []byte
	seq   uint64
	sum   uint64

	observers []observer
	nextObs   uint64
}

type observer struct {
	id uint64
	fn func(*Update)
}

// New creates a signal holding the zero value of T.
func New[T any](name string, opts ...Option) (*Signal[T], error) {
	var zero T
	return NewWithValue(name, zero, opts...)
}

// NewWithValue creates a signal holding v.
func NewWithValue[T any](name string, v T, opts ...Option) (*Signal[T], error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	var zero T
	zeroDoc, err := json.Marshal(zero)
	if err != nil {
		return nil, newError(name, "marshal", KindSerialization, err)
	}
	doc, err := json.Marshal(v)
	if err != nil {
		return nil, newError(name, "marshal", KindSerialization, err)
	}

	s := &Signal[T]{
		name:  name,
		opts:  o,
		value: v,
		doc:   doc,
		zero:  zeroDoc,
	}
	if o.checksum {
		if s.sum, err = Checksum(doc); err != nil {
			return nil, newError(name, "checksum", KindSerialization, err)
		}
	}
	return s, nil
}

// Name returns the signal name.
func (s *Signal[T]) Name() string {
	return s.name
}

// Value returns a copy of the current value.
func (s *Signal[T]) Value() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Seq returns the sequence number of the last committed update.
func (s *Signal[T]) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Snapshot returns the last committed document.
func (s *Signal[T]) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Signal[T]) snapshotLocked() Snapshot {
	return Snapshot{
		Name:     s.name,
		Seq:      s.seq,
		Doc:      append(json.RawMessage(nil), s.doc...),
		Checksum: s.sum,
	}
}

// ZeroDoc returns the JSON form of the zero value of T. Text-mode clients
// start from this document.
func (s *Signal[T]) ZeroDoc() []byte {
	return append([]byte(nil), s.zero...)
}

// Observe registers fn to be called with every committed update, in
// sequence order. fn runs while the signal lock is held and must not block
// or call back into the signal. The returned function removes the observer.
func (s *Signal[T]) Observe(fn func(*Update)) (cancel func()) {
	_, cancel = s.ObserveSnapshot(fn)
	return cancel
}

// ObserveSnapshot registers fn like Observe and returns, atomically, the
// snapshot the observer starts after. The first update fn receives has
// sequence snap.Seq+1.
func (s *Signal[T]) ObserveSnapshot(fn func(*Update)) (snap Snapshot, cancel func()) {
	s.mu.Lock()
	s.nextObs++
	id := s.nextObs
	s.observers = append(s.observers, observer{id: id, fn: fn})
	snap = s.snapshotLocked()
	s.mu.Unlock()

	var once sync.Once
	return snap, func() {
		once.Do(func() { s.removeObserver(id) })
	}
}

func (s *Signal[T]) removeObserver(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.observers {
		if o.id == id {
			s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
			return
		}
	}
}

// Update applies fn to the value and publishes the resulting patch.
// It returns nil when fn did not change the serialized value; such a
// mutation consumes no sequence number and notifies no observer.
func (s *Signal[T]) Update(fn func(*T)) (*Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, doc, err := s.diffLocked(fn)
	if err != nil || u == nil {
		return nil, err
	}
	s.commitLocked(u, doc)
	return u, nil
}

// Set replaces the value.
func (s *Signal[T]) Set(v T) (*Update, error) {
	return s.Update(func(cur *T) { *cur = v })
}

// With applies fn to the value, sends the resulting patch through sink and
// commits the new snapshot only once the send succeeded. A failed send
// leaves the committed snapshot unchanged, so the next successful update
// carries the combined delta. The value itself keeps the mutation.
func (s *Signal[T]) With(ctx context.Context, sink Sink, fn func(*T)) (*Update, error) {
	if sink == nil {
		return nil, ErrNilSink
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, doc, err := s.diffLocked(fn)
	if err != nil || u == nil {
		return nil, err
	}
	if err := sink.SendUpdate(ctx, u); err != nil {
		return nil, newError(s.name, "send", KindTransport, err)
	}
	s.commitLocked(u, doc)
	return u, nil
}

// diffLocked mutates the value and computes the next update without
// committing it. It returns a nil update when nothing changed.
func (s *Signal[T]) diffLocked(fn func(*T)) (*Update, []byte, error) {
	fn(&s.value)

	doc, err := json.Marshal(s.value)
	if err != nil {
		s.restoreLocked()
		return nil, nil, newError(s.name, "marshal", KindSerialization, err)
	}
	patch, err := Diff(s.doc, doc, s.opts.diff...)
	if err != nil {
		return nil, nil, newError(s.name, "diff", KindPatch, err)
	}
	if IsEmptyPatch(patch) {
		return nil, nil, nil
	}

	u := &Update{
		Name:  s.name,
		Seq:   s.seq + 1,
		Patch: patch,
	}
	if s.opts.checksum {
		if u.Checksum, err = Checksum(doc); err != nil {
			return nil, nil, newError(s.name, "checksum", KindSerialization, err)
		}
	}
	return u, doc, nil
}

// restoreLocked resets the value to the last committed document after a
// mutation left it unmarshalable.
func (s *Signal[T]) restoreLocked() {
	var v T
	if err := json.Unmarshal(s.doc, &v); err == nil {
		s.value = v
	}
}

func (s *Signal[T]) commitLocked(u *Update, doc []byte) {
	s.doc = doc
	s.seq = u.Seq
	s.sum = u.Checksum
	for _, o := range s.observers {
		o.fn(u)
	}
}

var _ Source = (*Signal[struct{}])(nil)
