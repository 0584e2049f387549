package chatbranch

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"time"
)

// retryProvider wraps a Provider and automatically retries transient
// upstream errors (HTTP 429 Too Many Requests and 503 Service Unavailable)
// with exponential backoff.
type retryProvider struct {
	inner       Provider
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // overall timeout across all attempts; 0 = no limit
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

// RetryTimeout sets the overall timeout for the entire retry sequence.
// The zero value (default) disables the timeout.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.timeout = d }
}

// WithRetry wraps p with automatic retry on transient upstream errors.
// Retries use exponential backoff with jitter. When the error includes a
// Retry-After duration, the retry delay is at least that long.
//
//	llm = chatbranch.WithRetry(openaicompat.NewProvider(apiKey, baseURL))
//	llm = chatbranch.WithRetry(openaicompat.NewProvider(apiKey, baseURL), chatbranch.RetryMaxAttempts(5))
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{
		inner:       p,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *retryProvider) Name() string { return r.inner.Name() }

// Stream implements Provider with retry. A retry is only attempted if no
// events have been forwarded to the caller yet — once streaming has
// started, an error passes through immediately to avoid emitting duplicate
// content. The returned channel is closed once the last attempt ends.
func (r *retryProvider) Stream(ctx context.Context, req GenerateRequest) (<-chan Event, error) {
	ctx, cancel := r.withTimeout(ctx)
	out := make(chan Event, 64)

	go func() {
		defer cancel()
		defer close(out)

		var lastErr error
		for i := 0; i < r.maxAttempts; i++ {
			inner, err := r.inner.Stream(ctx, req)
			if err != nil {
				if !isTransient(err) || i == r.maxAttempts-1 {
					out <- Event{Type: EventError, Err: err}
					return
				}
				lastErr = err
			} else {
				var eventsSent bool
				var streamErr error
				for ev := range inner {
					if ev.Type == EventError {
						streamErr = ev.Err
						if eventsSent || !isTransient(streamErr) {
							out <- ev
							return
						}
						continue
					}
					eventsSent = true
					out <- ev
				}
				if streamErr == nil {
					return
				}
				lastErr = streamErr
			}

			log.Printf("[retry] %s: transient error (attempt %d/%d), retrying", r.inner.Name(), i+1, r.maxAttempts)
			if i < r.maxAttempts-1 {
				delay := retryDelay(r.baseDelay, i, lastErr)
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					out <- Event{Type: EventError, Err: ctx.Err()}
					return
				case <-timer.C:
				}
			}
		}
		out <- Event{Type: EventError, Err: lastErr}
	}()

	return out, nil
}

// withTimeout returns a child context with a deadline if r.timeout is set.
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

// isTransient reports whether err is a retryable upstream error (429 or 503).
func isTransient(err error) bool {
	var e *ErrUpstream
	return errors.As(err, &e) && (e.Status == 429 || e.Status == 503)
}

func retryAfterOf(err error) time.Duration {
	var e *ErrUpstream
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// retryDelay computes the delay before retry attempt i: the larger of
// exponential backoff and the upstream's reported Retry-After.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryBackoff returns the delay for retry i (0-indexed): base * 2^i, plus
// up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

var _ Provider = (*retryProvider)(nil)
