// Package upstream performs HTTP calls against external providers with
// bounded exponential backoff.
//
// Transport failures, per-attempt timeouts, HTTP 5xx, and HTTP 429 are
// transient and retried. Every other non-2xx response is permanent and is
// returned after a single attempt.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const maxResponseBytes = 4 << 20

// Policy bounds the retry loop for a single logical call.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	AttemptTimeout  time.Duration
}

// DefaultPolicy is used for zero-valued fields.
var DefaultPolicy = Policy{
	MaxAttempts:     4,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	AttemptTimeout:  10 * time.Second,
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultPolicy.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = DefaultPolicy.AttemptTimeout
	}
	return p
}

// Request describes one HTTP call. Header values are copied onto every
// attempt.
type Request struct {
	Method      string
	URL         string
	Body        []byte
	ContentType string
	Header      http.Header
	// Authorize is invoked per attempt so short-lived tokens stay fresh.
	Authorize func(*http.Request) error
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return e.Status
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Body)
}

// Transient reports whether the status is worth retrying.
func (e *StatusError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsStatus reports whether err carries the given HTTP status.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}

// Do executes the request, retrying transient failures, and returns the
// response body of the first 2xx answer.
func Do(ctx context.Context, client *http.Client, req Request, policy Policy, logger *slog.Logger) ([]byte, error) {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	policy = policy.normalized()

	attempt := 0
	operation := func() ([]byte, error) {
		attempt++
		body, err := doOnce(ctx, client, req, policy.AttemptTimeout)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Transient() {
			return nil, backoff.Permanent(err)
		}
		var buildErr *requestBuildError
		if errors.As(err, &buildErr) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = policy.InitialInterval
	schedule.MaxInterval = policy.MaxInterval

	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(schedule),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("upstream request failed, retrying",
				"method", req.Method,
				"url", req.URL,
				"attempt", attempt,
				"retry_in", next,
				"error", err)
		}),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		return nil, err
	}
	return body, nil
}

type requestBuildError struct{ err error }

func (e *requestBuildError) Error() string { return "build request: " + e.err.Error() }
func (e *requestBuildError) Unwrap() error { return e.err }

func doOnce(ctx context.Context, client *http.Client, req Request, timeout time.Duration) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, &requestBuildError{err: err}
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if req.Authorize != nil {
		if err := req.Authorize(httpReq); err != nil {
			return nil, &requestBuildError{err: err}
		}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(data)),
		}
	}
	return data, nil
}
