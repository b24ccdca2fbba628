// Package broadcast fans events out to multiple subscribers with bounded
// per-subscriber buffering and a class-aware drop policy.
//
// Two broadcaster instances run per process: one for the audio pipeline
// (transcripts, levels, status) and one for the chat relay. Both share the
// same mechanics; only the events differ.
package broadcast

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/anchorlens/anchorlens/internal/event"
)

// ringCapacity is the per-subscriber buffer bound.
const ringCapacity = 256

// defaultMaxSubscribers bounds concurrent subscribers when New is given no
// explicit limit.
const defaultMaxSubscribers = 32

// ErrTooManySubscribers is returned by Subscribe at the subscriber cap.
var ErrTooManySubscribers = errors.New("broadcast: subscriber limit reached")

// ErrClosed is returned by Subscribe after the broadcaster shut down.
var ErrClosed = errors.New("broadcast: closed")

// Subscription is one listener's handle on the event stream.
type Subscription struct {
	// C delivers events in publish order. It is closed when the subscriber
	// is cancelled, deemed too slow, or the session changes.
	C <-chan event.Event

	// SessionID is the session that was active when Subscribe was called.
	SessionID string

	// Cancel detaches the subscriber. Idempotent.
	Cancel func()

	sub *subscriber
}

// Dropped returns how many events this subscriber lost to backpressure.
func (s *Subscription) Dropped() int64 { return s.sub.dropped.Load() }

// subscriber holds one listener's ring and pump state.
type subscriber struct {
	mu       sync.Mutex
	ring     []event.Event
	closing  bool // deliver what is buffered, then close
	canceled bool
	wake     chan struct{}
	out      chan event.Event
	done     chan struct{} // closed on Cancel; aborts an in-flight send
	dropped  atomic.Int64
}

// Broadcaster fans published events out to every subscriber.
//
// Each subscriber owns a bounded ring drained by a dedicated pump goroutine.
// When a ring overflows, the oldest lossy event is dropped first, then the
// oldest delta; critical events are never dropped. A ring full of critical
// events marks the subscriber as too slow: it receives a terminal
// "subscriber_slow" error frame and is detached.
type Broadcaster struct {
	limit int

	mu        sync.Mutex
	subs      map[*subscriber]struct{}
	sessionID string
	closed    bool
}

// New creates a broadcaster with no active session. limit caps concurrent
// subscribers; zero or negative selects the default of 32.
func New(limit int) *Broadcaster {
	if limit <= 0 {
		limit = defaultMaxSubscribers
	}
	return &Broadcaster{
		limit: limit,
		subs:  make(map[*subscriber]struct{}),
	}
}

// SetSession records the session subscribers are attached to. It does not
// notify existing subscribers; use SessionChanged for that.
func (b *Broadcaster) SetSession(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionID = id
}

// Subscribe attaches a new listener and returns its subscription handle.
func (b *Broadcaster) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if len(b.subs) >= b.limit {
		return nil, ErrTooManySubscribers
	}

	sub := &subscriber{
		wake: make(chan struct{}, 1),
		out:  make(chan event.Event, 1),
		done: make(chan struct{}),
	}
	b.subs[sub] = struct{}{}
	go b.pump(sub)

	return &Subscription{
		C:         sub.out,
		SessionID: b.sessionID,
		Cancel:    func() { b.detach(sub) },
		sub:       sub,
	}, nil
}

// Subscribers returns the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers e to every subscriber, applying the drop policy on full
// rings. It never blocks on a slow subscriber.
func (b *Broadcaster) Publish(e event.Event) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		b.offer(s, e)
	}
}

// SessionChanged notifies every subscriber that the session they attached to
// is gone, then detaches them after their buffered events drain. The new
// session id becomes the one reported to future subscribers.
func (b *Broadcaster) SessionChanged(newID string) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	old := b.sessionID
	b.sessionID = newID
	b.mu.Unlock()

	notice := event.Status{Stage: "session_changed", SessionID: old}
	for _, s := range subs {
		s.mu.Lock()
		s.ring = append(s.ring, notice)
		s.closing = true
		s.mu.Unlock()
		signal(s.wake)
	}
}

// Close terminates the broadcaster: existing subscribers drain and close,
// and future Subscribe calls fail.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		signal(s.wake)
	}
}

// offer enqueues e on one subscriber's ring, shedding by class on overflow.
func (b *Broadcaster) offer(s *subscriber, e event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}

	if len(s.ring) >= ringCapacity {
		if !shed(s) {
			// Every buffered event is critical: the subscriber cannot keep
			// up without losing data it must not lose.
			s.dropped.Add(1)
			s.ring = append(s.ring, event.Error{Reason: "subscriber_slow"})
			s.closing = true
			slog.Warn("broadcast: detaching slow subscriber",
				"dropped", s.dropped.Load())
			signal(s.wake)
			return
		}
		s.dropped.Add(1)
	}
	s.ring = append(s.ring, e)
	signal(s.wake)
}

// shed removes the most droppable buffered event: the oldest lossy event if
// any, else the oldest delta. Returns false when only critical events remain.
// Caller holds s.mu.
func shed(s *subscriber) bool {
	for _, class := range []event.Class{event.ClassLossy, event.ClassDelta} {
		for i, e := range s.ring {
			if e.Class() == class {
				s.ring = append(s.ring[:i], s.ring[i+1:]...)
				return true
			}
		}
	}
	return false
}

// pump drains the subscriber's ring into its delivery channel, preserving
// order, and closes the channel once the subscriber is detached and empty.
func (b *Broadcaster) pump(s *subscriber) {
	for {
		s.mu.Lock()
		if len(s.ring) == 0 {
			if s.closing {
				s.mu.Unlock()
				b.remove(s)
				close(s.out)
				return
			}
			s.mu.Unlock()
			<-s.wake
			continue
		}
		e := s.ring[0]
		s.ring = s.ring[1:]
		s.mu.Unlock()

		// A cancelled subscriber may have stopped reading; done aborts the
		// send so the pump never leaks.
		select {
		case s.out <- e:
		case <-s.done:
			b.remove(s)
			close(s.out)
			return
		}
	}
}

// detach marks the subscriber for shutdown without waiting for its buffer.
func (b *Broadcaster) detach(s *subscriber) {
	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		return
	}
	s.canceled = true
	s.ring = nil
	s.closing = true
	close(s.done)
	s.mu.Unlock()
	signal(s.wake)
}

func (b *Broadcaster) remove(s *subscriber) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// signal performs a non-blocking wake on a 1-buffered channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
