// Package ratelimit provides keyed token bucket limiters. The daemon uses
// them to throttle failed authentication attempts per client address.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// Config holds rate limiter configuration. A zero RequestsPerSecond
// disables limiting.
type Config struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// Enabled reports whether cfg limits anything.
func (c Config) Enabled() bool { return c.RequestsPerSecond > 0 }

func (c Config) Validate() error {
	if c.RequestsPerSecond < 0 {
		return errors.New("requests_per_second must not be negative")
	}
	if c.Enabled() && c.BurstSize < 1 {
		return errors.New("burst_size must be at least 1")
	}
	return nil
}

// idleTimeout is how long an untouched bucket is kept. It must exceed the
// time a bucket needs to refill completely, otherwise pruning resets it.
const idleTimeout = 10 * time.Minute

// KeyedLimiter provides per-key rate limiting.
type KeyedLimiter struct {
	config   Config
	limiters map[string]*TokenBucket
	mu       sync.RWMutex
	cleanup  *time.Ticker
	done     chan struct{}
	once     sync.Once
}

// NewKeyedLimiter creates a keyed limiter and starts pruning idle keys.
func NewKeyedLimiter(cfg Config) *KeyedLimiter {
	kl := &KeyedLimiter{
		config:   cfg,
		limiters: make(map[string]*TokenBucket),
		cleanup:  time.NewTicker(time.Minute),
		done:     make(chan struct{}),
	}
	go kl.cleanupLoop()
	return kl
}

func (kl *KeyedLimiter) bucket(key string) *TokenBucket {
	kl.mu.RLock()
	b, ok := kl.limiters[key]
	kl.mu.RUnlock()
	if ok {
		return b
	}

	kl.mu.Lock()
	defer kl.mu.Unlock()
	if b, ok = kl.limiters[key]; ok {
		return b
	}
	b = NewTokenBucket(kl.config.RequestsPerSecond, kl.config.BurstSize)
	kl.limiters[key] = b
	return b
}

// Allow consumes a token for key. It always succeeds when limiting is
// disabled.
func (kl *KeyedLimiter) Allow(key string) bool {
	if !kl.config.Enabled() {
		return true
	}
	return kl.bucket(key).Allow()
}

// Limited reports whether key has no token left, without consuming one.
func (kl *KeyedLimiter) Limited(key string) bool {
	if !kl.config.Enabled() {
		return false
	}
	kl.mu.RLock()
	b, ok := kl.limiters[key]
	kl.mu.RUnlock()
	return ok && b.Empty()
}

func (kl *KeyedLimiter) cleanupLoop() {
	for {
		select {
		case now := <-kl.cleanup.C:
			kl.prune(now)
		case <-kl.done:
			return
		}
	}
}

func (kl *KeyedLimiter) prune(now time.Time) {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	for key, b := range kl.limiters {
		if b.idleSince(now) > idleTimeout {
			delete(kl.limiters, key)
		}
	}
}

// Close stops pruning. It is safe to call more than once.
func (kl *KeyedLimiter) Close() {
	kl.once.Do(func() {
		close(kl.done)
		kl.cleanup.Stop()
	})
}

// Stats returns statistics about the keyed limiter.
func (kl *KeyedLimiter) Stats() KeyedLimiterStats {
	kl.mu.RLock()
	defer kl.mu.RUnlock()

	return KeyedLimiterStats{
		ActiveLimiters: len(kl.limiters),
		Config:         kl.config,
	}
}

// KeyedLimiterStats holds statistics about a keyed limiter.
type KeyedLimiterStats struct {
	ActiveLimiters int    `json:"active_limiters"`
	Config         Config `json:"config"`
}
