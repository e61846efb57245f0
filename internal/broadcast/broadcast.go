// Package broadcast implements a live fan-out hub. Each published value is
// delivered to every subscription attached at publish time. There is no
// replay. Every subscriber has its own bounded queue; when it is full the
// oldest queued value is discarded for that subscriber only.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// DefaultCapacity is the per-subscriber queue bound used when New gets a
// non-positive capacity.
const DefaultCapacity = 1024

// ErrClosed is returned by Recv once a subscription has reached end-of-stream.
var ErrClosed = errors.New("broadcast: closed")

// Broadcaster fans values of type T out to subscribers.
type Broadcaster[T any] struct {
	mu       sync.Mutex
	subs     map[*Subscription[T]]struct{}
	capacity int
	closed   bool
}

// New creates a broadcaster whose subscribers buffer up to capacity values.
func New[T any](capacity int) *Broadcaster[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Broadcaster[T]{
		subs:     make(map[*Subscription[T]]struct{}),
		capacity: capacity,
	}
}

// Publish delivers v to every current subscriber. It never blocks.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for s := range b.subs {
		s.push(v)
	}
}

// Subscribe attaches a new subscription. Values published before this call
// are not delivered to it.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{
		ch:     make(chan T, b.capacity),
		parent: b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Subscribers returns the number of attached subscriptions.
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Further publishes are dropped.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.closed = true
		close(s.ch)
	}
	clear(b.subs)
}

func (b *Broadcaster[T]) remove(s *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	delete(b.subs, s)
	close(s.ch)
}

// Subscription is one receiver of a Broadcaster.
type Subscription[T any] struct {
	ch      chan T
	parent  *Broadcaster[T]
	dropped atomic.Uint64
	closed  bool // guarded by parent.mu
}

// push is called with parent.mu held, so it is the only sender on ch.
func (s *Subscription[T]) push(v T) {
	select {
	case s.ch <- v:
		return
	default:
	}
	// Queue full: discard the oldest value to make room.
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- v:
	default:
		s.dropped.Add(1)
	}
}

// C returns the receive channel. It is closed at end-of-stream.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Recv waits for the next value. It returns ErrClosed at end-of-stream and
// the context error if ctx ends first.
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	select {
	case v, ok := <-s.ch:
		if !ok {
			return zero, ErrClosed
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Dropped returns how many values were discarded because this subscriber
// fell behind.
func (s *Subscription[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.parent.remove(s)
}
