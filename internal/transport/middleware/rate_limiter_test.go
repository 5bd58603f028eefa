// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestInMemoryRateLimiterRefills(t *testing.T) {
	limiter := newInMemoryRateLimiter()
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 2; i++ {
		if d := limiter.Allow("10.0.0.1", 2, now); !d.Allowed {
			t.Fatalf("expected request %d to be allowed", i)
		}
	}

	denied := limiter.Allow("10.0.0.1", 2, now)
	if denied.Allowed {
		t.Fatal("expected third request to be denied")
	}
	if denied.RetryAfterSeconds < 30 || denied.RetryAfterSeconds > 31 {
		t.Fatalf("expected retry after ~30s got %d", denied.RetryAfterSeconds)
	}

	if d := limiter.Allow("10.0.0.2", 2, now); !d.Allowed {
		t.Fatal("expected other client to have its own bucket")
	}

	if d := limiter.Allow("10.0.0.1", 2, now.Add(31*time.Second)); !d.Allowed {
		t.Fatal("expected refill after 31s")
	}
}

func TestInMemoryRateLimiterSweepsIdleBuckets(t *testing.T) {
	limiter := newInMemoryRateLimiter()
	now := time.Unix(1_700_000_000, 0)

	limiter.Allow("10.0.0.1", 5, now)
	limiter.Allow("10.0.0.2", 5, now.Add(idleBucketTTL+time.Second))

	if _, ok := limiter.buckets["10.0.0.1"]; ok {
		t.Fatal("expected idle bucket to be swept")
	}
	if _, ok := limiter.buckets["10.0.0.2"]; !ok {
		t.Fatal("expected active bucket to remain")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := time.Unix(1_700_000_000, 0)
	h := rateLimitWithLimiter(1, newInMemoryRateLimiter(), func() time.Time { return now }, logger)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/replay/index", nil)
	req.RemoteAddr = "192.0.2.10:5555"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d got %d", http.StatusOK, rec.Code)
	}
	if got := rec.Header().Get(headerRateLimitLimit); got != "1" {
		t.Fatalf("expected limit header 1 got %q", got)
	}

	// Same host, different port shares the bucket.
	req.RemoteAddr = "192.0.2.10:6666"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status %d got %d", http.StatusTooManyRequests, rec.Code)
	}
	if got := rec.Header().Get(headerRetryAfter); got != "60" && got != "61" {
		t.Fatalf("expected Retry-After ~60 got %q", got)
	}
}
