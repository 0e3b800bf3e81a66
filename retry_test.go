package numina

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// countingProvider fails with a canned error until failures runs out.
type countingProvider struct {
	calls    atomic.Int64
	failures int64
	err      error
	response Response
}

func (p *countingProvider) Name() string { return "counting" }
func (p *countingProvider) ListModels(context.Context) ([]ModelInfo, error) {
	return nil, nil
}
func (p *countingProvider) Complete(context.Context, ResponseOptions, Request) (Response, error) {
	if p.calls.Add(1) <= p.failures {
		return Response{}, p.err
	}
	return p.response, nil
}
func (p *countingProvider) CompleteStream(ctx context.Context, opts ResponseOptions, req Request) (<-chan ProviderEvent, error) {
	ch := make(chan ProviderEvent, 2)
	go func() {
		defer close(ch)
		resp, err := p.Complete(ctx, opts, req)
		if err != nil {
			ch <- ProviderEvent{Type: ProviderError, Err: err}
			return
		}
		ch <- ProviderEvent{Type: ProviderDone, Response: &resp}
	}()
	return ch, nil
}

func TestWithRetryRecoversFromTransient(t *testing.T) {
	inner := &countingProvider{
		failures: 2,
		err:      &ErrHTTP{Status: 429, Body: "slow down"},
		response: Response{Content: "ok"},
	}
	p := WithRetry(inner, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))

	resp, err := p.Complete(context.Background(), ResponseOptions{}, Request{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "ok" || inner.calls.Load() != 3 {
		t.Errorf("content = %q after %d calls", resp.Content, inner.calls.Load())
	}
}

func TestWithRetryGivesUpOnFatal(t *testing.T) {
	inner := &countingProvider{
		failures: 10,
		err:      &ErrHTTP{Status: 401, Body: "bad key"},
	}
	p := WithRetry(inner, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))

	if _, err := p.Complete(context.Background(), ResponseOptions{}, Request{}); err == nil {
		t.Fatal("fatal error retried into success?")
	}
	if inner.calls.Load() != 1 {
		t.Errorf("fatal error retried %d times", inner.calls.Load())
	}
}

func TestWithRetryStreamRetriesBeforeFirstEvent(t *testing.T) {
	inner := &countingProvider{
		failures: 1,
		err:      &ErrHTTP{Status: 503, Body: "busy"},
		response: Response{Content: "streamed"},
	}
	p := WithRetry(inner, RetryMaxAttempts(2), RetryBaseDelay(time.Millisecond))

	stream, err := p.CompleteStream(context.Background(), ResponseOptions{}, Request{})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}
	var done *Response
	for ev := range stream {
		switch ev.Type {
		case ProviderDone:
			done = ev.Response
		case ProviderError:
			t.Fatalf("stream error after retry budget: %v", ev.Err)
		}
	}
	if done == nil || done.Content != "streamed" {
		t.Errorf("done = %+v", done)
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	err := &ErrHTTP{Status: 429, RetryAfter: 250 * time.Millisecond}
	if d := retryDelay(time.Millisecond, 0, err); d < 250*time.Millisecond {
		t.Errorf("delay %v shorter than Retry-After", d)
	}
}

func TestWithRateLimitRPM(t *testing.T) {
	inner := &countingProvider{response: Response{Content: "ok"}}
	p := WithRateLimit(inner, RPM(2))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	for i := 0; i < 2; i++ {
		if _, err := p.Complete(ctx, ResponseOptions{}, Request{}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	// Third call exceeds the window and must block until ctx expires.
	if _, err := p.Complete(ctx, ResponseOptions{}, Request{}); err == nil {
		t.Fatal("third call within the window succeeded")
	}
}
