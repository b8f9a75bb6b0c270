// Package ratelimit enforces per-session frame budgets with token buckets.
//
// Every broadcast-producing frame draws one token from the sender's bucket;
// buckets refill at the sustained rate and allow a bounded burst. Checks are
// constant-time and sessions never contend on each other's buckets.
package ratelimit

import (
	"log"
	"sync"

	"golang.org/x/time/rate"
)

// Config defines the per-session limits.
type Config struct {
	PerSecond float64 // sustained refill rate, tokens per second
	Burst     int     // bucket capacity
}

// Registry holds one token bucket per session key.
type Registry struct {
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
	cfg     Config
	logger  *log.Logger
}

// NewRegistry creates a registry with the given limits. Zero values fall
// back to 1 frame per second with a burst of 10.
func NewRegistry(cfg Config) *Registry {
	if cfg.PerSecond == 0 {
		cfg.PerSecond = 1
	}
	if cfg.Burst == 0 {
		cfg.Burst = 10
	}
	return &Registry{
		buckets: make(map[string]*rate.Limiter),
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[RateLimit] ", log.LstdFlags),
	}
}

// Allow draws one token from key's bucket, creating the bucket on first use.
func (r *Registry) Allow(key string) bool {
	r.mu.RLock()
	b, ok := r.buckets[key]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		b, ok = r.buckets[key]
		if !ok {
			b = rate.NewLimiter(rate.Limit(r.cfg.PerSecond), r.cfg.Burst)
			r.buckets[key] = b
		}
		r.mu.Unlock()
	}

	allowed := b.Allow()
	if !allowed {
		r.logger.Printf("rate limit exceeded: key=%s", key)
	}
	return allowed
}

// NewBucket returns a standalone limiter at the registry's sustained rate
// with the given burst; a non-positive burst falls back to the registry's.
// Used for the pre-auth budget, which lives on the connection rather than in
// the registry.
func (r *Registry) NewBucket(burst int) *rate.Limiter {
	if burst <= 0 {
		burst = r.cfg.Burst
	}
	return rate.NewLimiter(rate.Limit(r.cfg.PerSecond), burst)
}

// Remove drops a session's bucket on disconnect.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	delete(r.buckets, key)
	r.mu.Unlock()
}

// Size returns the number of live buckets.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buckets)
}
