package client

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RetryPolicy retries calls that failed before the master acted on them.
// Acquires never go through it: a grant lost in transit must not be
// replayed with the same sequence number.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	RetryOn        []codes.Code
}

// DefaultRetryPolicy retries transport failures and rate limiting.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2,
		RetryOn:        []codes.Code{codes.Unavailable, codes.ResourceExhausted},
	}
}

func (p *RetryPolicy) retryable(err error) bool {
	st, ok := status.FromError(err)
	return ok && slices.Contains(p.RetryOn, st.Code())
}

// backoff returns the wait after the given failed attempt, counted from 1,
// with full jitter.
func (p *RetryPolicy) backoff(attempt int) time.Duration {
	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxBackoff) {
			d = float64(p.MaxBackoff)
			break
		}
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d)) + 1)
}

// withRetry runs fn under p. A nil policy runs fn once.
func withRetry[T any](ctx context.Context, p *RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	if p == nil || p.MaxAttempts <= 1 {
		return fn(ctx)
	}
	var zero T
	for attempt := 1; ; attempt++ {
		out, err := fn(ctx)
		switch {
		case err == nil:
			return out, nil
		case !p.retryable(err):
			return zero, err
		case attempt == p.MaxAttempts:
			return zero, fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		t := time.NewTimer(p.backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
	}
}

// IsNotMaster reports whether the remote node refused because it is not
// master.
func IsNotMaster(err error) bool {
	return status.Code(err) == codes.FailedPrecondition
}

// IsUnavailable reports whether the master could not be reached.
func IsUnavailable(err error) bool {
	return status.Code(err) == codes.Unavailable
}
