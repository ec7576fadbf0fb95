package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		AttemptTimeout:  time.Second,
	}
}

// TestDoRetriesServerErrors verifies that 5xx responses are retried until a
// 2xx answer arrives.
func TestDoRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	body, err := Do(context.Background(), server.Client(), Request{Method: http.MethodPost, URL: server.URL}, fastPolicy(5), nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("unexpected body %q", body)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

// TestDoRetriesTooManyRequests verifies that 429 is treated as transient.
func TestDoRetriesTooManyRequests(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	if _, err := Do(context.Background(), server.Client(), Request{Method: http.MethodGet, URL: server.URL}, fastPolicy(3), nil); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got := attempts.Load(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

// TestDoDoesNotRetryClientErrors verifies that 4xx responses other than 429
// fail after a single attempt.
func TestDoDoesNotRetryClientErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := Do(context.Background(), server.Client(), Request{Method: http.MethodGet, URL: server.URL}, fastPolicy(5), nil)
	if err == nil {
		t.Fatal("expected error for 401")
	}
	if !IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("expected StatusError 401, got %v", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", got)
	}
}

// TestDoTreatsAttemptTimeoutAsFailure verifies that a hung upstream is cut off
// by the per-attempt timeout and retried rather than treated as success.
func TestDoTreatsAttemptTimeoutAsFailure(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		_, _ = w.Write([]byte("done"))
	}))
	defer server.Close()

	policy := fastPolicy(3)
	policy.AttemptTimeout = 50 * time.Millisecond
	body, err := Do(context.Background(), server.Client(), Request{Method: http.MethodGet, URL: server.URL}, policy, nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(body) != "done" {
		t.Fatalf("unexpected body %q", body)
	}
	if got := attempts.Load(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

// TestDoGivesUpAfterMaxAttempts verifies the retry loop is bounded.
func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := Do(context.Background(), server.Client(), Request{Method: http.MethodGet, URL: server.URL}, fastPolicy(3), nil)
	if !IsStatus(err, http.StatusBadGateway) {
		t.Fatalf("expected final 502, got %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

// TestDoStopsWhenContextCancelled verifies that caller cancellation ends the
// retry loop with the context error.
func TestDoStopsWhenContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, server.Client(), Request{Method: http.MethodGet, URL: server.URL}, fastPolicy(5), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// TestDoAppliesHeadersAndAuthorizer verifies headers and per-attempt
// authorisation are attached to the outgoing request.
func TestDoAppliesHeadersAndAuthorizer(t *testing.T) {
	var (
		mu     sync.Mutex
		tokens []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if got := r.Header.Get("Idempotency-Key"); got != "key-1" {
			t.Errorf("expected idempotency key, got %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("expected content type, got %q", got)
		}
		tokens = append(tokens, r.Header.Get("Authorization"))
		if len(tokens) == 1 {
			http.Error(w, "retry", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	minted := 0
	req := Request{
		Method:      http.MethodPost,
		URL:         server.URL,
		Body:        []byte(`{}`),
		ContentType: "application/json",
		Header:      http.Header{"Idempotency-Key": []string{"key-1"}},
		Authorize: func(r *http.Request) error {
			minted++
			r.Header.Set("Authorization", "Bearer token-"+string(rune('0'+minted)))
			return nil
		},
	}
	if _, err := Do(context.Background(), server.Client(), req, fastPolicy(3), nil); err != nil {
		t.Fatalf("Do: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(tokens) != 2 || tokens[0] != "Bearer token-1" || tokens[1] != "Bearer token-2" {
		t.Fatalf("expected fresh token per attempt, got %v", tokens)
	}
}
