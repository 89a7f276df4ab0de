// Package broadcast implements the bounded fan-out channels behind
// lobby events and spectator streams. Senders never block: each
// subscriber owns a buffered channel, and a subscriber that falls a
// full buffer behind is dropped with ErrLagged rather than slowing
// everyone else down.
package broadcast

import (
	"errors"
	"sync"
)

var (
	// ErrLagged reports that the subscriber was dropped because its
	// buffer overflowed.
	ErrLagged = errors.New("subscriber lagged behind broadcast")
	// ErrClosed reports that the sender shut down.
	ErrClosed = errors.New("broadcast closed")
)

// Sender is the write end of a broadcast channel.
type Sender[T any] struct {
	mu       sync.Mutex
	capacity int
	subs     map[*Receiver[T]]struct{}
	closed   bool
}

// Receiver is one subscription. Consume events from C; once C is
// closed, Err reports whether the subscription lagged or the sender
// shut down.
type Receiver[T any] struct {
	C <-chan T

	s   *Sender[T]
	ch  chan T
	err error
}

// New creates a broadcast sender whose subscribers buffer up to
// capacity events each.
func New[T any](capacity int) *Sender[T] {
	return &Sender[T]{
		capacity: capacity,
		subs:     make(map[*Receiver[T]]struct{}),
	}
}

// Subscribe registers a new receiver. Subscribing to a closed sender
// yields a receiver whose channel is already closed.
func (s *Sender[T]) Subscribe() *Receiver[T] {
	r := &Receiver[T]{s: s, ch: make(chan T, s.capacity)}
	r.C = r.ch
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		r.err = ErrClosed
		close(r.ch)
		return r
	}
	s.subs[r] = struct{}{}
	return r
}

// Send delivers v to every live subscriber and returns how many
// received it. Subscribers with full buffers are dropped with
// ErrLagged.
func (s *Sender[T]) Send(v T) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delivered := 0
	for r := range s.subs {
		select {
		case r.ch <- v:
			delivered++
		default:
			r.err = ErrLagged
			close(r.ch)
			delete(s.subs, r)
		}
	}
	return delivered
}

// ReceiverCount returns the number of live subscribers.
func (s *Sender[T]) ReceiverCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close drops every subscriber with ErrClosed. Buffered events remain
// readable until each channel drains.
func (s *Sender[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for r := range s.subs {
		r.err = ErrClosed
		close(r.ch)
		delete(s.subs, r)
	}
}

// Err explains why C was closed: ErrLagged, ErrClosed, or nil after a
// voluntary Unsubscribe.
func (r *Receiver[T]) Err() error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.err
}

// Unsubscribe detaches the receiver and closes its channel.
func (r *Receiver[T]) Unsubscribe() {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.subs[r]; !ok {
		return
	}
	delete(r.s.subs, r)
	close(r.ch)
}
