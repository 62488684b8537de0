// Package coalesce collapses bursts of calls into one deferred call per key.
package coalesce

import (
	"log/slog"
	"sync"
	"time"
)

type pending struct {
	timer *time.Timer
	gen   uint64
	fn    func()
}

// Scheduler runs the last function scheduled for a key once the key has
// been quiet for the scheduled delay.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pending
	gen     uint64
	stopped bool
	ran     int64
	dropped int64
}

// New creates a Scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:  logger,
		pending: make(map[string]*pending),
	}
}

// Schedule runs fn after delay unless key is scheduled again first, in
// which case the earlier fn is dropped. Returns false after Stop.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}

	if p, ok := s.pending[key]; ok {
		p.timer.Stop()
		s.dropped++
	}

	s.gen++
	gen := s.gen
	p := &pending{gen: gen, fn: fn}
	p.timer = time.AfterFunc(delay, func() { s.fire(key, gen) })
	s.pending[key] = p
	return true
}

func (s *Scheduler) fire(key string, gen uint64) {
	s.mu.Lock()
	p, ok := s.pending[key]
	// A timer that lost the race with Stop/Cancel/Schedule is a no-op.
	if !ok || p.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	s.ran++
	s.mu.Unlock()

	p.fn()
}

// Cancel drops the pending call for key. Returns false if none was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[key]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(s.pending, key)
	return true
}

// Flush runs the pending call for key now. Returns false if none was
// pending.
func (s *Scheduler) Flush(key string) bool {
	s.mu.Lock()
	p, ok := s.pending[key]
	if ok {
		p.timer.Stop()
		delete(s.pending, key)
		s.ran++
	}
	s.mu.Unlock()

	if ok {
		p.fn()
	}
	return ok
}

// Pending returns the number of keys with a scheduled call.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stats returns how many calls ran and how many were superseded.
func (s *Scheduler) Stats() (ran, dropped int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ran, s.dropped
}

// Stop cancels every pending call and rejects later ones.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	for key, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, key)
	}
	s.logger.Debug("scheduler stopped", "ran", s.ran, "dropped", s.dropped)
}
