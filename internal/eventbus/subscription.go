package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Next after the subscription has been closed.
var ErrClosed = errors.New("subscription closed")

// Subscription is a live, bounded event stream owned by the Bus.
//
// The stream is infinite until Close; a closed subscription cannot be reopened.
type Subscription struct {
	bus      *Bus
	id       uint64
	names    map[string]struct{}
	wildcard bool
	origins  map[string]struct{}

	ch      chan Event
	dropped atomic.Uint64

	// mu serializes deliveries against Close so we never send on a closed channel.
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// Events returns the delivery channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped reports how many deliveries were dropped because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Next blocks until an event arrives, ctx ends, or the subscription is closed.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case e, ok := <-s.ch:
		if !ok {
			return Event{}, ErrClosed
		}
		return e, nil
	}
}

// Close removes the subscription from the bus. Safe to call multiple times;
// removal happens exactly once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s.id)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

func (s *Subscription) matches(e Event) bool {
	if s.origins != nil {
		if _, ok := s.origins[e.Origin]; !ok {
			return false
		}
	}
	if s.wildcard {
		return true
	}
	_, ok := s.names[e.Name]
	return ok
}

// deliver performs a non-blocking send. A subscription closed after the
// publish snapshot neither accepts nor drops.
func (s *Subscription) deliver(e Event) (accepted, dropped bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, false
	}
	select {
	case s.ch <- e:
		return true, false
	default:
		s.dropped.Add(1)
		return false, true
	}
}
