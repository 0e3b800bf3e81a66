package numina

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

// retryProvider wraps a Provider and retries transient failures (HTTP
// 429/503 and providers reporting Transient) with exponential backoff.
type retryProvider struct {
	inner       Provider
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // across all attempts; 0 = unbounded
	logger      *slog.Logger
}

// RetryOption configures a retry wrapper.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets the attempt bound (default 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) { r.maxAttempts = n }
}

// RetryBaseDelay sets the first backoff delay (default 1s); each
// subsequent delay doubles, plus jitter.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.baseDelay = d }
}

// RetryTimeout bounds the whole retry sequence. Zero disables the bound.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.timeout = d }
}

// RetryLogger sets the structured logger for retry decisions.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with automatic retry on transient errors. When an
// ErrHTTP carries a Retry-After duration, the delay is at least that long.
// Compose with any Provider:
//
//	provider = numina.WithRetry(openaicompat.New(key, baseURL))
//	provider = numina.WithRetry(p, numina.RetryMaxAttempts(5))
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

func (r *retryProvider) Name() string { return r.inner.Name() }

func (r *retryProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return retryCall(ctx, r, func() ([]ModelInfo, error) {
		return r.inner.ListModels(ctx)
	})
}

func (r *retryProvider) Complete(ctx context.Context, opts ResponseOptions, req Request) (Response, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return retryCall(ctx, r, func() (Response, error) {
		return r.inner.Complete(ctx, opts, req)
	})
}

// CompleteStream retries only while no event has been forwarded yet; once
// streaming has started, errors pass through so consumers never see
// duplicate content.
func (r *retryProvider) CompleteStream(ctx context.Context, opts ResponseOptions, req Request) (<-chan ProviderEvent, error) {
	out := make(chan ProviderEvent, 64)
	streamCtx, cancel := r.withTimeout(ctx)

	go func() {
		defer cancel()
		defer close(out)
		var lastErr error
		for attempt := 0; attempt < r.maxAttempts; attempt++ {
			inner, err := r.inner.CompleteStream(streamCtx, opts, req)
			if err == nil {
				forwarded := false
				var streamErr error
				for ev := range inner {
					if ev.Type == ProviderError {
						streamErr = ev.Err
						break
					}
					forwarded = true
					select {
					case out <- ev:
					case <-streamCtx.Done():
						return
					}
				}
				if streamErr == nil {
					return
				}
				if forwarded || !IsTransient(streamErr) {
					out <- ProviderEvent{Type: ProviderError, Err: streamErr}
					return
				}
				err = streamErr
			} else if !IsTransient(err) {
				out <- ProviderEvent{Type: ProviderError, Err: err}
				return
			}

			lastErr = err
			r.logger.Warn("transient provider error, retrying",
				"provider", r.inner.Name(), "attempt", attempt+1, "max", r.maxAttempts, "error", err)
			if attempt < r.maxAttempts-1 {
				timer := time.NewTimer(retryDelay(r.baseDelay, attempt, err))
				select {
				case <-streamCtx.Done():
					timer.Stop()
					out <- ProviderEvent{Type: ProviderError, Err: streamCtx.Err()}
					return
				case <-timer.C:
				}
			}
		}
		out <- ProviderEvent{Type: ProviderError, Err: lastErr}
	}()
	return out, nil
}

func (r *retryProvider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	deadline := time.Now().Add(r.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, deadline)
}

// retryAfterOf extracts the server's Retry-After duration, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// retryDelay computes the delay before attempt i: exponential backoff
// with jitter as a floor, the server's Retry-After as a minimum.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	exp := base * (1 << i)
	backoff := exp + time.Duration(rand.Int64N(int64(exp)/2+1))
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryCall runs fn up to the attempt bound, sleeping between transient
// failures.
func retryCall[T any](ctx context.Context, r *retryProvider, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < r.maxAttempts; i++ {
		result, err := fn()
		if err == nil || !IsTransient(err) {
			return result, err
		}
		last = err
		r.logger.Warn("transient provider error, retrying",
			"provider", r.inner.Name(), "attempt", i+1, "max", r.maxAttempts, "error", err)
		if i < r.maxAttempts-1 {
			timer := time.NewTimer(retryDelay(r.baseDelay, i, err))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return zero, last
}

var _ Provider = (*retryProvider)(nil)
