package document

import (
	"sync"
	"time"
)

// IdleScheduler is a per-key debounce timer wheel. Scheduling a key cancels
// any pending timer for the same key and starts a fresh one, so the callback
// only runs after a full quiet period.
type IdleScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewIdleScheduler constructs an empty scheduler.
func NewIdleScheduler() *IdleScheduler {
	return &IdleScheduler{timers: make(map[string]*time.Timer)}
}

// Schedule arms (or re-arms) the timer for key.
func (s *IdleScheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pending, ok := s.timers[key]; ok {
		pending.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		// A reschedule may have replaced this timer after it fired but
		// before this callback ran; only the current timer may proceed.
		current := s.timers[key] == timer
		if current {
			delete(s.timers, key)
		}
		s.mu.Unlock()
		if current {
			fn()
		}
	})
	s.timers[key] = timer
}

// Cancel drops any pending timer for key.
func (s *IdleScheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pending, ok := s.timers[key]; ok {
		pending.Stop()
		delete(s.timers, key)
	}
}

// Stop cancels every pending timer.
func (s *IdleScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, pending := range s.timers {
		pending.Stop()
		delete(s.timers, key)
	}
}
