package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Store is the bucket backend. MemoryStore serves single-instance deployments.
type Store interface {
	// Reserve consumes one token for key and returns the wait before a retry
	// could succeed when the request is denied.
	Reserve(ctx context.Context, key string, limit rate.Limit, burst int) (allowed bool, retryAfter time.Duration, err error)
	Reset(ctx context.Context, key string) error
	Close() error
}

// Config is one rate limit.
type Config struct {
	Store             Store
	RequestsPerSecond float64
	Burst             int
}

// Enabled reports whether the config limits anything.
func (c Config) Enabled() bool { return c.RequestsPerSecond > 0 && c.Burst > 0 }

// Limiter applies a single limit to arbitrary string keys.
type Limiter struct {
	store Store
	limit rate.Limit
	burst int
}

// NewLimiter returns nil when cfg is disabled; a nil Limiter allows everything.
func NewLimiter(cfg Config) *Limiter {
	if !cfg.Enabled() {
		return nil
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{store: store, limit: rate.Limit(cfg.RequestsPerSecond), burst: cfg.Burst}
}

// Allow consumes a token for key.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	if l == nil || key == "" {
		return true, 0
	}
	allowed, retry, err := l.store.Reserve(ctx, key, l.limit, l.burst)
	if err != nil {
		// fail open
		return true, 0
	}
	return allowed, retry
}

// Burst is the configured bucket capacity.
func (l *Limiter) Burst() int {
	if l == nil {
		return 0
	}
	return l.burst
}

// Reset clears the bucket for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if l == nil {
		return nil
	}
	return l.store.Reset(ctx, key)
}

func (l *Limiter) Close() error {
	if l == nil {
		return nil
	}
	return l.store.Close()
}
