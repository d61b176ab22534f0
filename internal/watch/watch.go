// Package watch provides a single-value observable store.
//
// A Watch holds one value of type T behind a mutex together with a
// version counter. Writers mutate the value inside a critical section
// and broadcast a change notification; readers subscribe and receive a
// per-reader view of "how far they have seen". Many writes between two
// reads coalesce into a single wakeup.
package watch

import (
	"context"
	"sync"
)

// Watch is a shared value of type T with change notification.
//
// The value never escapes the store: readers and writers receive a
// pointer that is only valid for the duration of the callback. Holding
// it past the callback (or across a blocking operation) is a bug.
type Watch[T any] struct {
	mu      sync.Mutex
	value   T
	version uint64
	notify  chan struct{}
}

// New creates a Watch seeded with the given value at version zero.
func New[T any](initial T) *Watch[T] {
	return &Watch[T]{
		value:  initial,
		notify: make(chan struct{}),
	}
}

// Peek runs fn with read access to the current value. The pointer must
// not be retained and the value must not be mutated through it.
func (w *Watch[T]) Peek(fn func(*T)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(&w.value)
}

// SendModify runs fn with exclusive write access to the value, then
// wakes every reader blocked in Changed.
func (w *Watch[T]) SendModify(fn func(*T)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(&w.value)
	w.bumpLocked()
}

// SendNoModify runs fn with exclusive write access but suppresses the
// change notification. Used to build up a batch of mutations that a
// single MarkChanged publishes at once.
func (w *Watch[T]) SendNoModify(fn func(*T)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(&w.value)
}

// MarkChanged wakes readers without touching the value.
func (w *Watch[T]) MarkChanged() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bumpLocked()
}

// bumpLocked advances the version and replaces the notification
// channel, waking everyone blocked on the old one. Callers hold w.mu.
func (w *Watch[T]) bumpLocked() {
	w.version++
	close(w.notify)
	w.notify = make(chan struct{})
}

// Subscribe creates a reader whose seen version starts at the current
// version, so only future changes wake it.
func (w *Watch[T]) Subscribe() *Reader[T] {
	w.mu.Lock()
	defer w.mu.Unlock()
	return &Reader[T]{w: w, seen: w.version}
}

// Reader is one subscriber's handle on a Watch. Each Reader tracks its
// own seen version; Readers are not safe for concurrent use by
// multiple goroutines.
type Reader[T any] struct {
	w    *Watch[T]
	seen uint64
}

// Peek runs fn with read access without marking the current version as
// seen: a pending Changed wakeup is left intact.
func (r *Reader[T]) Peek(fn func(*T)) {
	r.w.Peek(fn)
}

// PeekAndMarkSeen runs fn with read access and advances this reader's
// seen version to the store's current version.
func (r *Reader[T]) PeekAndMarkSeen(fn func(*T)) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	r.seen = r.w.version
	fn(&r.w.value)
}

// Changed blocks until the store's version advances past this reader's
// seen version, then marks the new version seen. Returns immediately
// when changes already happened since the last PeekAndMarkSeen or
// Changed. A burst of writes in between is observed as one change.
func (r *Reader[T]) Changed(ctx context.Context) error {
	for {
		r.w.mu.Lock()
		if r.w.version > r.seen {
			r.seen = r.w.version
			r.w.mu.Unlock()
			return nil
		}
		ch := r.w.notify
		r.w.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// WaitFor repeatedly samples the value until pred returns true,
// sleeping on Changed between samples.
func (r *Reader[T]) WaitFor(ctx context.Context, pred func(*T) bool) error {
	for {
		var done bool
		r.PeekAndMarkSeen(func(v *T) { done = pred(v) })
		if done {
			return nil
		}
		if err := r.Changed(ctx); err != nil {
			return err
		}
	}
}
