package maestro

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// retryProvider wraps a Provider and retries transient failures (provider
// errors marked retryable, typically HTTP 429 and 503) with exponential
// backoff and jitter.
type retryProvider struct {
	inner       Provider
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// RetryOption configures a retryProvider.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.baseDelay = d }
}

// RetryLogger sets the structured logger for retry events.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with automatic retry on retryable provider errors.
// Compose with any Provider:
//
//	llm := maestro.WithRetry(openaicompat.New(baseURL, apiKey, model))
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{
		inner:       p,
		maxAttempts: 3,
		baseDelay:   time.Second,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *retryProvider) Name() string      { return r.inner.Name() }
func (r *retryProvider) Available() bool   { return r.inner.Available() }
func (r *retryProvider) Model() string     { return r.inner.Model() }
func (r *retryProvider) SetModel(m string) { r.inner.SetModel(m) }

// Chat implements Provider with retry.
func (r *retryProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	var last error
	for i := 0; i < r.maxAttempts; i++ {
		resp, err := r.inner.Chat(ctx, req)
		if err == nil || !IsRetryable(err) {
			return resp, err
		}
		last = err
		r.logger.Warn("retrying transient provider error",
			"provider", r.inner.Name(),
			"attempt", i+1,
			"max_attempts", r.maxAttempts,
			"error", err)
		if i < r.maxAttempts-1 {
			timer := time.NewTimer(retryBackoff(r.baseDelay, i))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ChatResponse{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	r.logger.Error("all retry attempts exhausted",
		"provider", r.inner.Name(),
		"attempts", r.maxAttempts,
		"error", last)
	return ChatResponse{}, last
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}
