// Package retry computes reconnection delays and arms the timers that
// trigger automatic connection attempts.
package retry

import (
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff is a capped exponential backoff with subtractive jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	// Jitter is the largest fraction of a delay that may be shaved off at
	// random. Zero disables jitter.
	Jitter float64
	// MaxAttempts bounds automatic retries. Zero means unlimited.
	MaxAttempts uint32
}

// DefaultBackoff returns 1s doubling up to one minute with 20% jitter.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: time.Minute, Factor: 2, Jitter: 0.2}
}

// Validate checks that the backoff can produce sane delays.
func (b Backoff) Validate() error {
	switch {
	case b.Base <= 0:
		return errors.New("retry base delay must be positive")
	case b.Max < b.Base:
		return errors.New("retry max delay must not be below base delay")
	case b.Factor < 1:
		return errors.New("retry factor must be at least 1")
	case b.Jitter < 0 || b.Jitter >= 1:
		return errors.New("retry jitter must be in [0, 1)")
	}
	return nil
}

// Nominal returns min(Max, Base*Factor^attempt) without jitter.
func (b Backoff) Nominal(attempt uint32) time.Duration {
	d := float64(b.Base) * math.Pow(b.Factor, float64(attempt))
	if d >= float64(b.Max) || math.IsInf(d, 0) {
		return b.Max
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt is beyond MaxAttempts.
func (b Backoff) Exhausted(attempt uint32) bool {
	return b.MaxAttempts > 0 && attempt >= b.MaxAttempts
}

// Scheduler hands out delays for successive attempts and owns at most one
// pending retry timer. Delays never decrease between two calls to Reset.
type Scheduler struct {
	backoff Backoff
	random  func() float64
	// afterFunc arms a timer and returns its stop function.
	afterFunc func(time.Duration, func()) func() bool

	mu      sync.Mutex
	last    time.Duration
	seq     uint64
	pending func() bool
}

// NewScheduler creates a scheduler for b.
func NewScheduler(b Backoff) *Scheduler {
	return &Scheduler{
		backoff: b,
		random:  rand.Float64,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
}

// Backoff returns the configured policy.
func (s *Scheduler) Backoff() Backoff {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoff
}

// SetBackoff replaces the policy for subsequent delays.
func (s *Scheduler) SetBackoff(b Backoff) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backoff = b
}

// Delay returns the jittered delay before the given attempt.
func (s *Scheduler) Delay(attempt uint32) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delayLocked(attempt)
}

func (s *Scheduler) delayLocked(attempt uint32) time.Duration {
	d := s.backoff.Nominal(attempt)
	if s.backoff.Jitter > 0 {
		d -= time.Duration(float64(d) * s.backoff.Jitter * s.random())
	}
	if d < s.last {
		d = s.last
	}
	s.last = d
	return d
}

// Schedule cancels any pending timer and arms a new one for attempt. When
// it expires fire is called with the returned token, unless the timer was
// cancelled in the meantime.
func (s *Scheduler) Schedule(attempt uint32, fire func(token uint64)) (time.Duration, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked()
	d := s.delayLocked(attempt)
	s.seq++
	token := s.seq
	s.pending = s.afterFunc(d, func() {
		s.mu.Lock()
		live := s.seq == token && s.pending != nil
		if live {
			s.pending = nil
		}
		s.mu.Unlock()
		if live {
			fire(token)
		}
	})
	return d, token
}

// Cancel stops the pending timer. It reports whether one was pending.
func (s *Scheduler) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked()
}

func (s *Scheduler) cancelLocked() bool {
	if s.pending == nil {
		return false
	}
	s.pending()
	s.pending = nil
	s.seq++
	return true
}

// Pending reports whether a retry timer is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Reset cancels any pending timer and restarts delays from the base.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.last = 0
}
