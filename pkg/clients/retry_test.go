package clients

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDoWithRetry_SucceedsWithoutRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))
	defer server.Close()

	req, _ := http.NewRequest("GET", server.URL, nil)
	resp, err := DoWithRetry(context.Background(), server.Client(), req, DefaultRetryConfig())
	if err != nil || resp.StatusCode != 200 {
		t.Fatalf("expected 200 without error; got %v %d", err, resp.StatusCode)
	}
}

func TestDoWithRetry_RetriesOn500(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(500)
			return
		}
		w.WriteHeader(200)
	}))
	defer server.Close()

	cfg := DefaultRetryConfig()
	cfg.BaseDelay = 1 * time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond

	req, _ := http.NewRequest("GET", server.URL, nil)
	resp, err := DoWithRetry(context.Background(), server.Client(), req, cfg)
	if err != nil || resp.StatusCode != 200 {
		t.Fatalf("expected eventual 200; got %v %d", err, resp.StatusCode)
	}
}

func TestDoWithRetry_RespectsContextCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { time.Sleep(50 * time.Millisecond); w.WriteHeader(200) }))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	req, _ := http.NewRequest("GET", server.URL, nil)
	cfg := DefaultRetryConfig()
	_, err := DoWithRetry(ctx, server.Client(), req, cfg)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline exceeded, got %v", err)
	}
}

func TestRetryRateLimitedOnly(t *testing.T) {
	if RetryRateLimitedOnly(&http.Response{StatusCode: 500}, nil) {
		t.Fatalf("expected no retry on 500")
	}
	if RetryRateLimitedOnly(&http.Response{StatusCode: 404}, nil) {
		t.Fatalf("expected no retry on 404")
	}
	if !RetryRateLimitedOnly(&http.Response{StatusCode: 429}, nil) {
		t.Fatalf("expected retry on 429")
	}
	if RetryRateLimitedOnly(nil, errors.New("dial error")) {
		t.Fatalf("expected no retry on transport error")
	}
}

func TestDoWithRetry_BackoffIsMonotonic(t *testing.T) {
	var stamps []time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stamps = append(stamps, time.Now())
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	cfg := DefaultRetryConfig()
	cfg.MaxRetries = 3
	cfg.BaseDelay = 10 * time.Millisecond
	cfg.MaxDelay = time.Second
	cfg.Jitter = false

	req, _ := http.NewRequest("GET", server.URL, nil)
	resp, _ := DoWithRetry(context.Background(), server.Client(), req, cfg)
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected final 429 after exhaustion")
	}
	if len(stamps) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(stamps))
	}

	// Successive gaps must not shrink: 10ms, 20ms, 40ms
	prev := time.Duration(0)
	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		if gap < prev {
			t.Fatalf("expected non-decreasing backoff, gap %d was %v after %v", i, gap, prev)
		}
		prev = gap
	}
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MinRequests:  2,
		FailureRatio: 0.5,
		Timeout:      time.Minute,
	})

	boom := errors.New("boom")
	for i := 0; i < 4; i++ {
		_ = cb.Call(func() error { return boom })
	}

	if !cb.IsOpen() {
		t.Fatalf("expected breaker to open after consecutive failures, state %s", cb.State())
	}
	if err := cb.Call(func() error { return nil }); err == nil {
		t.Fatalf("expected open breaker to reject calls")
	}
}
