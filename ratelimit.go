package maestro

import (
	"context"
	"sync"
	"time"
)

// minuteWindow tracks weighted entries over a sliding one-minute span.
// Entries are appended in time order, so pruning trims from the front.
type minuteWindow struct {
	entries []windowEntry
}

type windowEntry struct {
	at     time.Time
	weight int
}

func (w *minuteWindow) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(w.entries) && w.entries[i].at.Before(cutoff) {
		i++
	}
	w.entries = w.entries[i:]
}

func (w *minuteWindow) sum() int {
	total := 0
	for _, e := range w.entries {
		total += e.weight
	}
	return total
}

// untilOldestExpires returns how long from now the window's oldest entry
// leaves the minute span. Zero when the window is empty.
func (w *minuteWindow) untilOldestExpires(now time.Time) time.Duration {
	if len(w.entries) == 0 {
		return 0
	}
	return w.entries[0].at.Add(time.Minute).Sub(now)
}

func (w *minuteWindow) add(now time.Time, weight int) {
	w.entries = append(w.entries, windowEntry{at: now, weight: weight})
}

// rateLimitProvider wraps a Provider with proactive client-side rate
// limiting. Calls block until both windows have room.
type rateLimitProvider struct {
	inner Provider

	mu       sync.Mutex
	rpm      int
	tpm      int
	requests minuteWindow // one entry per request, charged before the call
	tokens   minuteWindow // usage-weighted entries, charged after success
}

// RateLimitOption configures a rateLimitProvider.
type RateLimitOption func(*rateLimitProvider)

// RPM sets the maximum requests per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.rpm = n }
}

// TPM sets the maximum tokens per minute (input + output combined).
// Token counts are recorded from ChatResponse.Usage after each request.
// This is a soft limit: the request that exceeds the budget completes,
// but subsequent requests block until the window slides.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.tpm = n }
}

// WithRateLimit wraps p with proactive rate limiting. Compose with other
// wrappers:
//
//	llm = maestro.WithRateLimit(provider, maestro.RPM(60))
//	llm = maestro.WithRateLimit(maestro.WithRetry(provider), maestro.RPM(60), maestro.TPM(100000))
func WithRateLimit(p Provider, opts ...RateLimitOption) Provider {
	r := &rateLimitProvider{inner: p}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitProvider) Name() string          { return r.inner.Name() }
func (r *rateLimitProvider) Available() bool       { return r.inner.Available() }
func (r *rateLimitProvider) Model() string         { return r.inner.Model() }
func (r *rateLimitProvider) SetModel(model string) { r.inner.SetModel(model) }

func (r *rateLimitProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := r.acquire(ctx); err != nil {
		return ChatResponse{}, err
	}
	resp, err := r.inner.Chat(ctx, req)
	if err == nil {
		r.chargeTokens(resp.Usage)
	}
	return resp, err
}

// acquire blocks until both windows have room, then charges the request
// window. Returns ctx.Err() if the context ends while waiting.
func (r *rateLimitProvider) acquire(ctx context.Context) error {
	for {
		wait, ok := r.tryAcquire(time.Now())
		if ok {
			return nil
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire charges the request window when both limits have room. When a
// limit is saturated it reports how long until the earliest entry in a
// blocking window slides out.
func (r *rateLimitProvider) tryAcquire(now time.Time) (wait time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests.prune(now)
	r.tokens.prune(now)

	requestsOK := r.rpm <= 0 || r.requests.sum() < r.rpm
	tokensOK := r.tpm <= 0 || r.tokens.sum() < r.tpm

	if requestsOK && tokensOK {
		if r.rpm > 0 {
			r.requests.add(now, 1)
		}
		return 0, true
	}

	if !requestsOK {
		wait = r.requests.untilOldestExpires(now)
	}
	if !tokensOK {
		if w := r.tokens.untilOldestExpires(now); wait == 0 || (w > 0 && w < wait) {
			wait = w
		}
	}
	return wait, false
}

// chargeTokens records a successful call's usage in the token window.
// Failed calls never reach here, so they do not consume token budget.
func (r *rateLimitProvider) chargeTokens(u Usage) {
	if r.tpm <= 0 {
		return
	}
	total := u.InputTokens + u.OutputTokens
	if total <= 0 {
		return
	}
	r.mu.Lock()
	r.tokens.add(time.Now(), total)
	r.mu.Unlock()
}

// compile-time check
var _ Provider = (*rateLimitProvider)(nil)
