package lib

import "sync"

// Source is a single-slot wake-up notification, the channel-based
// replacement for the reference implementation's non-blocking pipe
// wake-ups (spec.md §9 "pipes used as wake-ups"). Fire is non-blocking and
// idempotent: a pending-but-undrained wake never blocks a second Fire, the
// same "EAGAIN means a wake is already pending" tolerance the pipe design
// relied on. A receive on C() completes once a Fire has happened since
// the last receive, or once the Source is closed.
type Source struct {
	mu     sync.Mutex
	ch     chan struct{}
	closed bool
}

// NewSource creates an armed, open event source.
func NewSource() *Source {
	return &Source{ch: make(chan struct{}, 1)}
}

// Fire wakes one pending or future receive on C(). Safe to call from any
// goroutine, any number of times; extra fires before a receive drains the
// channel are coalesced into one wake-up.
func (s *Source) Fire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C returns the wake-up channel, for callers to receive on directly or to
// fold into their own select statement alongside a
// context.Done() or other channels.
func (s *Source) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Close marks the source closed and wakes any receiver blocked on C(). After Close,
// Fire is a no-op and C's channel is closed so a select on it never
// blocks again — the explicit "none" sentinel the spec's design notes
// call for in place of the reference implementation's `waiting_pipe[1]=1`
// defect.
func (s *Source) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
