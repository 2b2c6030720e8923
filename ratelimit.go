package alfred

import (
	"context"
	"errors"
	"sync"
	"time"
)

// rateLimitProvider wraps a Provider with proactive rate limiting.
// Requests are blocked until the rate budget allows them to proceed.
//
// A 429 from the provider is never retried here; the failed call surfaces
// to the caller. But when it carries a Retry-After, the budget freezes
// until that instant so the operator's next instruction does not slam
// into the same quota window.
type rateLimitProvider struct {
	inner Provider
	mu    sync.Mutex

	// RPM state: sliding window of request timestamps.
	rpm       int
	rpmWindow []time.Time

	// TPM state: sliding window of (timestamp, tokenCount) pairs.
	tpm       int
	tpmWindow []tpmEntry

	pauseUntil time.Time
}

type tpmEntry struct {
	at     time.Time
	tokens int
}

// RateLimitOption configures a rateLimitProvider.
type RateLimitOption func(*rateLimitProvider)

// RPM sets the maximum requests per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.rpm = n }
}

// TPM sets the maximum tokens per minute (input + output combined).
// Token counts are recorded from ChatResponse.Usage after each request.
// This is a soft limit — the request that exceeds the budget completes,
// but subsequent requests block until the window slides.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.tpm = n }
}

// WithRateLimit wraps p with proactive rate limiting:
//
//	chatLLM = alfred.WithRateLimit(provider, alfred.RPM(60))
//	chatLLM = alfred.WithRateLimit(provider, alfred.RPM(60), alfred.TPM(100000))
func WithRateLimit(p Provider, opts ...RateLimitOption) Provider {
	r := &rateLimitProvider{inner: p}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitProvider) Name() string { return r.inner.Name() }

func (r *rateLimitProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := r.waitForBudget(ctx); err != nil {
		return ChatResponse{}, err
	}
	resp, err := r.inner.Chat(ctx, req)
	if err == nil {
		r.recordUsage(resp.Usage)
	} else {
		r.noteQuotaError(err)
	}
	return resp, err
}

func (r *rateLimitProvider) ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error) {
	if err := r.waitForBudget(ctx); err != nil {
		return ChatResponse{}, err
	}
	resp, err := r.inner.ChatWithTools(ctx, req, tools)
	if err == nil {
		r.recordUsage(resp.Usage)
	} else {
		r.noteQuotaError(err)
	}
	return resp, err
}

// noteQuotaError freezes the budget for the provider's Retry-After span
// after a 429. The error itself still surfaces; only later calls wait.
func (r *rateLimitProvider) noteQuotaError(err error) {
	var e *ErrHTTP
	if !errors.As(err, &e) || e.Status != 429 || e.RetryAfter <= 0 {
		return
	}
	until := time.Now().Add(e.RetryAfter)
	r.mu.Lock()
	if until.After(r.pauseUntil) {
		r.pauseUntil = until
	}
	r.mu.Unlock()
}

// waitForBudget blocks until the quota pause has passed and both RPM and
// TPM budgets allow a request. Returns ctx.Err() if the context is
// cancelled while waiting.
func (r *rateLimitProvider) waitForBudget(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)

		r.rpmWindow = pruneTime(r.rpmWindow, cutoff)
		r.tpmWindow = pruneTpm(r.tpmWindow, cutoff)

		paused := now.Before(r.pauseUntil)
		rpmOK := r.rpm <= 0 || len(r.rpmWindow) < r.rpm

		tpmOK := true
		if r.tpm > 0 {
			var total int
			for _, e := range r.tpmWindow {
				total += e.tokens
			}
			tpmOK = total < r.tpm
		}

		if !paused && rpmOK && tpmOK {
			if r.rpm > 0 {
				r.rpmWindow = append(r.rpmWindow, now)
			}
			r.mu.Unlock()
			return nil
		}

		// Sleep until every blocking budget has had a chance to clear,
		// then re-check; sliding windows may still be over after one
		// entry ages out.
		var wait time.Duration
		if paused {
			wait = r.pauseUntil.Sub(now)
		}
		if !rpmOK && len(r.rpmWindow) > 0 {
			w := r.rpmWindow[0].Add(time.Minute).Sub(now)
			if w > wait {
				wait = w
			}
		}
		if !tpmOK && len(r.tpmWindow) > 0 {
			w := r.tpmWindow[0].at.Add(time.Minute).Sub(now)
			if w > wait {
				wait = w
			}
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// recordUsage adds token counts to the TPM sliding window.
func (r *rateLimitProvider) recordUsage(u Usage) {
	if r.tpm <= 0 {
		return
	}
	total := u.InputTokens + u.OutputTokens
	if total <= 0 {
		return
	}
	r.mu.Lock()
	r.tpmWindow = append(r.tpmWindow, tpmEntry{at: time.Now(), tokens: total})
	r.mu.Unlock()
}

// SlidingWindow is a standalone minute-style limiter for non-provider
// callers (the Telegram sender budgets outbound API calls with it).
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	per    time.Duration
	window []time.Time
}

// NewSlidingWindow allows limit events per rolling duration.
func NewSlidingWindow(limit int, per time.Duration) *SlidingWindow {
	return &SlidingWindow{limit: limit, per: per}
}

// Wait blocks until the window has room, then records the event.
func (w *SlidingWindow) Wait(ctx context.Context) error {
	for {
		w.mu.Lock()
		now := time.Now()
		w.window = pruneTime(w.window, now.Add(-w.per))
		if w.limit <= 0 || len(w.window) < w.limit {
			w.window = append(w.window, now)
			w.mu.Unlock()
			return nil
		}
		wait := w.window[0].Add(w.per).Sub(now)
		w.mu.Unlock()
		if wait <= 0 {
			wait = time.Millisecond
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

// pruneTime removes entries older than cutoff from a sorted time slice.
func pruneTime(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}

// pruneTpm removes entries older than cutoff from a sorted tpmEntry slice.
func pruneTpm(s []tpmEntry, cutoff time.Time) []tpmEntry {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}

// compile-time check
var _ Provider = (*rateLimitProvider)(nil)
