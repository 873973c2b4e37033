package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryStore keeps one token bucket per key in process memory.
// Buckets idle longer than the TTL are evicted by a background sweep.
type MemoryStore struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	ttl      time.Duration
	now      func() time.Time

	stop chan struct{}
	once sync.Once
}

// NewMemoryStore creates a store that sweeps every minute and evicts keys
// idle for three minutes.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanup(time.Minute, 3*time.Minute)
}

// NewMemoryStoreWithCleanup allows custom sweep intervals and idle TTL.
func NewMemoryStoreWithCleanup(interval, ttl time.Duration) *MemoryStore {
	s := &MemoryStore{
		visitors: make(map[string]*visitor),
		ttl:      ttl,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	if interval > 0 {
		go s.cleanupLoop(interval)
	}
	return s
}

// Reserve takes one token for key. When denied it reports how long until a
// token would be available.
func (s *MemoryStore) Reserve(_ context.Context, key string, limit rate.Limit, burst int) (bool, time.Duration, error) {
	lim := s.limiter(key, limit, burst)
	now := s.now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return false, 0, nil
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

// Reset drops the bucket for key.
func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.visitors, key)
	s.mu.Unlock()
	return nil
}

// Len reports how many keys are tracked.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.visitors)
}

// Close stops the sweep goroutine.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) limiter(key string, limit rate.Limit, burst int) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.visitors[key]
	if !ok || v.limiter.Limit() != limit || v.limiter.Burst() != burst {
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		s.visitors[key] = v
	}
	v.lastSeen = s.now()
	return v.limiter
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictIdle()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) evictIdle() {
	cutoff := s.now().Add(-s.ttl)
	s.mu.Lock()
	for key, v := range s.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(s.visitors, key)
		}
	}
	s.mu.Unlock()
}
