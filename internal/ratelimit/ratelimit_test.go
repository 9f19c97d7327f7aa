package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

type userKey struct{}

func (c *fakeClock) now() time.Time { return c.t }

func newTestLimiter(rpm int) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	l := New(rpm)
	l.now = clock.now
	return l, clock
}

func TestAllow(t *testing.T) {
	l, _ := newTestLimiter(10)

	for i := 0; i < 10; i++ {
		if !l.Allow("user-1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow("user-1") {
		t.Error("11th request should be denied")
	}
	if !l.Allow("user-2") {
		t.Error("other users have their own bucket")
	}
}

func TestUnlimited(t *testing.T) {
	l := New(0)
	for i := 0; i < 1000; i++ {
		if !l.Allow("user-1") {
			t.Fatalf("request %d should be allowed (unlimited)", i+1)
		}
	}
}

func TestRefillAndRetryAfter(t *testing.T) {
	l, clock := newTestLimiter(60) // 1 token per second

	for i := 0; i < 60; i++ {
		l.Allow("user-1")
	}
	if l.Allow("user-1") {
		t.Fatal("should be rate limited after exhausting tokens")
	}
	if ra := l.RetryAfter("user-1"); ra < 1 || ra > 2 {
		t.Errorf("RetryAfter = %d, want 1 or 2", ra)
	}

	clock.t = clock.t.Add(1100 * time.Millisecond)
	if !l.Allow("user-1") {
		t.Error("should be allowed after refill")
	}
}

func TestCleanup(t *testing.T) {
	l, clock := newTestLimiter(10)
	l.Allow("user-1")

	clock.t = clock.t.Add(2 * time.Hour)
	l.Allow("user-2")
	l.Cleanup(time.Hour)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.buckets["user-1"]; ok {
		t.Error("stale bucket should be removed")
	}
	if _, ok := l.buckets["user-2"]; !ok {
		t.Error("recent bucket should be kept")
	}
}

func TestMiddleware(t *testing.T) {
	l, _ := newTestLimiter(1)
	userOf := func(ctx context.Context) (string, bool) {
		u, ok := ctx.Value(userKey{}).(string)
		return u, ok
	}
	h := Middleware(l, userOf)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := func() *http.Request {
		r := httptest.NewRequest("GET", "/api/v1/queue", nil)
		return r.WithContext(context.WithValue(r.Context(), userKey{}, "user-1"))
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req())
	if w.Code != http.StatusNoContent {
		t.Fatalf("first request: expected 204, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, req())
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// Anonymous requests pass through.
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("anonymous request: expected 204, got %d", w.Code)
	}
}
