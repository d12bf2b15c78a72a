package sse

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mcpmux/mcpmux/internal/adapter/outbound/memory"
	"github.com/mcpmux/mcpmux/internal/domain/ratelimit"
)

func TestRateLimitMiddlewareRejectsOverBurst(t *testing.T) {
	limiter := memory.NewRateLimiter()
	t.Cleanup(limiter.Stop)
	config := ratelimit.RateLimitConfig{Rate: 1, Burst: 1, Period: time.Minute}

	handler := rateLimitMiddleware(limiter, config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/projects/proj-1/unified/sse", nil)
	req.RemoteAddr = "203.0.113.5:1234"

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec1.Code)
	}

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", rec2.Code)
	}
	if rec2.Header().Get("Retry-After") == "" {
		t.Error("expected a Retry-After header on a rate-limited response")
	}
}

func TestRateLimitMiddlewareExemptsHealthAndMetrics(t *testing.T) {
	limiter := memory.NewRateLimiter()
	t.Cleanup(limiter.Stop)
	config := ratelimit.RateLimitConfig{Rate: 1, Burst: 1, Period: time.Minute}

	handler := rateLimitMiddleware(limiter, config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "203.0.113.6:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("iteration %d: /health status = %d, want 200", i, rec.Code)
		}
	}
}

func TestRateLimitMiddlewareTracksDistinctIPsIndependently(t *testing.T) {
	limiter := memory.NewRateLimiter()
	t.Cleanup(limiter.Stop)
	config := ratelimit.RateLimitConfig{Rate: 1, Burst: 1, Period: time.Minute}

	handler := rateLimitMiddleware(limiter, config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req1 := httptest.NewRequest(http.MethodGet, "/projects/proj-1/unified/sse", nil)
	req1.RemoteAddr = "203.0.113.7:1234"
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)

	req2 := httptest.NewRequest(http.MethodGet, "/projects/proj-1/unified/sse", nil)
	req2.RemoteAddr = "203.0.113.8:1234"
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	if rec1.Code != http.StatusOK || rec2.Code != http.StatusOK {
		t.Errorf("first request from each distinct IP should succeed, got %d and %d", rec1.Code, rec2.Code)
	}
}
