package signal

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Replica mirrors a Signal on the receiving side of a connection.
// It is safe for concurrent use.
type Replica[T any] struct {
	name string
	zero []byte

	mu        sync.RWMutex
	value     T
	doc       []byte
	seq       uint64
	sum       uint64
	listeners []listener[T]
	nextID    uint64
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// ReplicaOption configures a Replica.
type ReplicaOption func(*replicaOptions)

type replicaOptions struct {
	zero []byte
}

// WithInitialDoc sets the document the replica starts from and returns to on
// Clear. By default that is the JSON form of the zero value of T.
func WithInitialDoc(doc []byte) ReplicaOption {
	return func(o *replicaOptions) {
		o.zero = append([]byte(nil), doc...)
	}
}

// NewReplica creates a replica holding the zero value of T, the same state
// a Signal created with New starts from.
func NewReplica[T any](name string, opts ...ReplicaOption) (*Replica[T], error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	var o replicaOptions
	for _, opt := range opts {
		opt(&o)
	}
	r := &Replica[T]{name: name, zero: o.zero}
	if err := r.Clear(); err != nil {
		return nil, err
	}
	return r, nil
}

// Name returns the name of the mirrored signal.
func (r *Replica[T]) Name() string {
	return r.name
}

// Value returns the current decoded value.
func (r *Replica[T]) Value() T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value
}

// Seq returns the sequence number of the last applied update.
func (r *Replica[T]) Seq() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seq
}

// Doc returns a copy of the current JSON document.
func (r *Replica[T]) Doc() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]byte(nil), r.doc...)
}

// Checksum returns the checksum of the current document.
func (r *Replica[T]) Checksum() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sum
}

// Apply applies u to the replica. On any error the replica is unchanged.
func (r *Replica[T]) Apply(u *Update) error {
	if u == nil {
		return ErrNilUpdate
	}
	if u.Name != r.name {
		return ErrNameMismatch
	}

	r.mu.Lock()
	if u.Seq != 0 {
		switch {
		case u.Seq <= r.seq:
			r.mu.Unlock()
			return fmt.Errorf("%w: seq %d, have %d", ErrStaleUpdate, u.Seq, r.seq)
		case u.Seq > r.seq+1:
			r.mu.Unlock()
			return fmt.Errorf("%w: seq %d, have %d", ErrSequenceGap, u.Seq, r.seq)
		}
	}

	doc, err := ApplyPatch(r.doc, u.Patch)
	if err != nil {
		r.mu.Unlock()
		return newError(r.name, "apply", KindPatch, err)
	}
	sum, err := Checksum(doc)
	if err != nil {
		r.mu.Unlock()
		return newError(r.name, "apply", KindPatch, err)
	}
	if u.Checksum != 0 && u.Checksum != sum {
		r.mu.Unlock()
		return fmt.Errorf("%w: seq %d", ErrChecksumMismatch, u.Seq)
	}
	var v T
	if err := json.Unmarshal(doc, &v); err != nil {
		r.mu.Unlock()
		return newError(r.name, "decode", KindSerialization, err)
	}

	r.value = v
	r.doc = doc
	r.sum = sum
	if u.Seq != 0 {
		r.seq = u.Seq
	}
	r.notifyAndUnlock()
	return nil
}

// Reset replaces the replica state with a full snapshot.
func (r *Replica[T]) Reset(snap Snapshot) error {
	if snap.Name != r.name {
		return ErrNameMismatch
	}
	sum, err := Checksum(snap.Doc)
	if err != nil {
		return newError(r.name, "reset", KindSerialization, err)
	}
	if snap.Checksum != 0 && snap.Checksum != sum {
		return fmt.Errorf("%w: snapshot seq %d", ErrChecksumMismatch, snap.Seq)
	}
	var v T
	if err := json.Unmarshal(snap.Doc, &v); err != nil {
		return newError(r.name, "decode", KindSerialization, err)
	}

	r.mu.Lock()
	r.value = v
	r.doc = append([]byte(nil), snap.Doc...)
	r.seq = snap.Seq
	r.sum = sum
	r.notifyAndUnlock()
	return nil
}

// Clear resets the replica to its initial document at sequence 0.
func (r *Replica[T]) Clear() error {
	var zero T
	doc := r.zero
	if doc == nil {
		var err error
		if doc, err = json.Marshal(zero); err != nil {
			return newError(r.name, "marshal", KindSerialization, err)
		}
	} else if err := json.Unmarshal(doc, &zero); err != nil {
		return newError(r.name, "decode", KindSerialization, err)
	}
	sum, err := Checksum(doc)
	if err != nil {
		return newError(r.name, "marshal", KindSerialization, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.value = zero
	r.doc = append([]byte(nil), doc...)
	r.seq = 0
	r.sum = sum
	return nil
}

// OnChange registers fn to be called with the new value after every applied
// update or reset. Listeners run outside the replica lock.
func (r *Replica[T]) OnChange(fn func(T)) (cancel func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners = append(r.listeners, listener[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, l := range r.listeners {
				if l.id == id {
					r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (r *Replica[T]) notifyAndUnlock() {
	v := r.value
	ls := make([]listener[T], len(r.listeners))
	copy(ls, r.listeners)
	r.mu.Unlock()

	for _, l := range ls {
		l.fn(v)
	}
}
