package ratelimit

import (
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// KeyFunc picks the bucket for a request. An empty key skips limiting.
type KeyFunc func(r *http.Request) string

// HitRecorder is told about every rejected request.
type HitRecorder interface {
	RecordRateLimitHit(limiter string)
}

// Middleware wraps handlers with a Limiter.
type Middleware struct {
	limiter *Limiter
	name    string
	keyFn   KeyFunc
	logger  *log.Logger
	hits    HitRecorder
}

// NewMiddleware builds a middleware. name tags log lines and buckets so several
// middlewares may share one Store.
func NewMiddleware(limiter *Limiter, name string, keyFn KeyFunc, logger *log.Logger) *Middleware {
	if keyFn == nil {
		keyFn = ClientIP(false)
	}
	return &Middleware{limiter: limiter, name: name, keyFn: keyFn, logger: logger}
}

// Observe reports rejections to h and returns m.
func (m *Middleware) Observe(h HitRecorder) *Middleware {
	m.hits = h
	return m
}

// Wrap applies the limit. A nil limiter passes requests through untouched.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil || m.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := m.keyFn(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		allowed, retry := m.limiter.Allow(r.Context(), m.name+":"+key)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limiter.Burst()))
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(retry)))
			if m.logger != nil {
				m.logger.Printf("rate limit exceeded: limiter=%s path=%s", m.name, r.URL.Path)
			}
			if m.hits != nil {
				m.hits.RecordRateLimitHit(m.name)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"Rate limit exceeded. Please try again later."}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retrySeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// ClientIP keys by remote address. With trustForwarded the first
// X-Forwarded-For hop (or X-Real-IP) wins.
func ClientIP(trustForwarded bool) KeyFunc {
	return func(r *http.Request) string {
		if trustForwarded {
			if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
				first, _, _ := strings.Cut(fwd, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
			if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
				return ip
			}
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
}
