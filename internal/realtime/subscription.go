package realtime

import "sync"

// Subscription is a handle on a registered callback. Unsubscribe is
// idempotent, and once it returns no callback for this subscription is
// running or will run again.
//
// Callbacks run while the subscription lock is held, so a callback must not
// unsubscribe its own subscription synchronously.
type Subscription struct {
	mu      sync.Mutex
	closed  bool
	release func()
}

func newSubscription(release func()) *Subscription {
	return &Subscription{release: release}
}

func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	release := s.release
	s.release = nil
	s.mu.Unlock()

	if release != nil {
		release()
	}
}

// Closed reports whether Unsubscribe has been called.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// run invokes fn unless the subscription is closed.
func (s *Subscription) run(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	fn()
	return true
}
