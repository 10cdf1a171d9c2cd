package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fieldshop/storefront/internal/platform/requestctx"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestLimiterAllowsBurstThenRejects(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(60, 2, WithClock(clock.Now))

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow("203.0.113.1"); !ok {
			t.Fatalf("request %d should pass", i)
		}
	}
	ok, wait := l.Allow("203.0.113.1")
	if ok {
		t.Fatalf("third request should be limited")
	}
	if wait <= 0 || wait > time.Second {
		t.Fatalf("unexpected wait %s", wait)
	}
	if ok, _ := l.Allow("203.0.113.2"); !ok {
		t.Fatalf("other clients keep their own budget")
	}

	clock.now = clock.now.Add(time.Second)
	if ok, _ := l.Allow("203.0.113.1"); !ok {
		t.Fatalf("token should refill after a second")
	}
}

func TestLimiterPrunesIdleBuckets(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(60, 1, WithClock(clock.Now), WithIdleTTL(time.Minute))
	l.Allow("a")
	clock.now = clock.now.Add(30 * time.Second)
	l.Allow("b")
	clock.now = clock.now.Add(45 * time.Second)

	if removed := l.Prune(); removed != 1 {
		t.Fatalf("expected one idle bucket removed, got %d", removed)
	}
}

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *Limiter
	if ok, _ := l.Allow("x"); !ok {
		t.Fatalf("nil limiter must allow")
	}
	if New(0, 5) != nil {
		t.Fatalf("expected disabled limiter")
	}
}

func TestMiddlewareWritesRetryAfter(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	handler := Middleware(New(6, 1, WithClock(clock.Now)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	serve := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/shop/order", nil)
		req = req.WithContext(requestctx.WithClientIP(req.Context(), "198.51.100.9"))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	if rr := serve(); rr.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rr.Code)
	}
	rr := serve()
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "10" {
		t.Fatalf("expected Retry-After 10, got %q", got)
	}
}
