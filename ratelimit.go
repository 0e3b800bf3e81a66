package numina

import (
	"context"
	"sync"
	"time"
)

// rateLimitProvider wraps a Provider with proactive rate limiting:
// requests block until the sliding RPM/TPM budgets allow them.
type rateLimitProvider struct {
	inner Provider
	mu    sync.Mutex

	// RPM: sliding window of request timestamps.
	rpm       int
	rpmWindow []time.Time

	// TPM: sliding window of (timestamp, tokens) samples, recorded from
	// response usage. Soft limit: the request that crosses the budget
	// completes; later ones wait for the window to slide.
	tpm       int
	tpmWindow []tpmEntry
}

type tpmEntry struct {
	at     time.Time
	tokens int
}

// RateLimitOption configures a rate-limit wrapper.
type RateLimitOption func(*rateLimitProvider)

// RPM sets the maximum requests per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.rpm = n }
}

// TPM sets the maximum tokens per minute (input + output).
func TPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.tpm = n }
}

// WithRateLimit wraps p with proactive throttling. Compose freely:
//
//	provider = numina.WithRateLimit(p, numina.RPM(60))
//	provider = numina.WithRateLimit(numina.WithRetry(p), numina.RPM(60), numina.TPM(100000))
func WithRateLimit(p Provider, opts ...RateLimitOption) Provider {
	r := &rateLimitProvider{inner: p}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitProvider) Name() string { return r.inner.Name() }

func (r *rateLimitProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return r.inner.ListModels(ctx)
}

func (r *rateLimitProvider) Complete(ctx context.Context, opts ResponseOptions, req Request) (Response, error) {
	if err := r.waitForBudget(ctx); err != nil {
		return Response{}, err
	}
	resp, err := r.inner.Complete(ctx, opts, req)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

func (r *rateLimitProvider) CompleteStream(ctx context.Context, opts ResponseOptions, req Request) (<-chan ProviderEvent, error) {
	if err := r.waitForBudget(ctx); err != nil {
		return nil, err
	}
	inner, err := r.inner.CompleteStream(ctx, opts, req)
	if err != nil {
		return nil, err
	}

	out := make(chan ProviderEvent, 64)
	go func() {
		defer close(out)
		for ev := range inner {
			if ev.Type == ProviderDone && ev.Response != nil {
				r.recordUsage(ev.Response.Usage)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// waitForBudget blocks until both windows allow a request, or ctx ends.
func (r *rateLimitProvider) waitForBudget(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)

		r.rpmWindow = pruneTimes(r.rpmWindow, cutoff)
		r.tpmWindow = pruneTokens(r.tpmWindow, cutoff)

		rpmOK := r.rpm <= 0 || len(r.rpmWindow) < r.rpm

		tpmOK := true
		if r.tpm > 0 {
			total := 0
			for _, e := range r.tpmWindow {
				total += e.tokens
			}
			tpmOK = total < r.tpm
		}

		if rpmOK && tpmOK {
			if r.rpm > 0 {
				r.rpmWindow = append(r.rpmWindow, now)
			}
			r.mu.Unlock()
			return nil
		}

		// Wait until the oldest blocking entry slides out.
		var wait time.Duration
		if !rpmOK && len(r.rpmWindow) > 0 {
			wait = r.rpmWindow[0].Add(time.Minute).Sub(now)
		}
		if !tpmOK && len(r.tpmWindow) > 0 {
			w := r.tpmWindow[0].at.Add(time.Minute).Sub(now)
			if wait == 0 || w < wait {
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

func pruneTimes(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}

func pruneTokens(s []tpmEntry, cutoff time.Time) []tpmEntry {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}

var _ Provider = (*rateLimitProvider)(nil)
