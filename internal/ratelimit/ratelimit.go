// Package ratelimit implements per-user token bucket rate limiting for the
// HTTP API.
package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/silvachamo/agrosync/internal/metrics"
	"github.com/silvachamo/agrosync/pkg/protocol"
)

// Limiter holds one token bucket per user.
type Limiter struct {
	rpm int // 0 = unlimited
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// New creates a limiter allowing rpm requests per minute per user, with
// bursts up to rpm. rpm=0 means unlimited.
func New(rpm int) *Limiter {
	return &Limiter{
		rpm:     rpm,
		now:     time.Now,
		buckets: make(map[string]*tokenBucket),
	}
}

func (l *Limiter) refillRate() float64 {
	return float64(l.rpm) / 60.0
}

// Allow reports whether a request from user may proceed and takes a token
// if so.
func (l *Limiter) Allow(user string) bool {
	if l.rpm <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	bucket, ok := l.buckets[user]
	if !ok {
		bucket = &tokenBucket{tokens: float64(l.rpm), lastRefill: now}
		l.buckets[user] = bucket
	}

	bucket.tokens += now.Sub(bucket.lastRefill).Seconds() * l.refillRate()
	if bucket.tokens > float64(l.rpm) {
		bucket.tokens = float64(l.rpm)
	}
	bucket.lastRefill = now

	if bucket.tokens < 1 {
		return false
	}
	bucket.tokens--
	return true
}

// RetryAfter returns the number of seconds until user has a token again.
func (l *Limiter) RetryAfter(user string) int {
	if l.rpm <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[user]
	if !ok || bucket.tokens >= 1 {
		return 0
	}
	needed := 1.0 - bucket.tokens
	return int(needed/l.refillRate()) + 1
}

// Cleanup removes buckets for users that haven't been seen recently.
func (l *Limiter) Cleanup(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxAge)
	for user, bucket := range l.buckets {
		if bucket.lastRefill.Before(cutoff) {
			delete(l.buckets, user)
		}
	}
}

// Run calls Cleanup every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup(maxAge)
		}
	}
}

// UserFromContext extracts the caller's id; ok is false for anonymous
// requests, which are not limited.
type UserFromContext func(ctx context.Context) (user string, ok bool)

// Middleware enforces the limit per user.
func Middleware(l *Limiter, userOf UserFromContext) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := userOf(r.Context())
			if !ok || l.Allow(user) {
				next.ServeHTTP(w, r)
				return
			}

			metrics.RecordRateLimitHit()
			w.Header().Set("Retry-After", strconv.Itoa(l.RetryAfter(user)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(protocol.ErrorResponse{
				Error: "rate limit exceeded",
				Code:  http.StatusTooManyRequests,
			})
		})
	}
}
