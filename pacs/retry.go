package pacs

import (
	"context"
	"math"
	"time"
)

// RetryPolicy bounds retries of transient transport failures with
// exponential backoff.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// TimeoutPadding is added to an operation deadline on every retry.
	TimeoutPadding time.Duration
}

// DefaultRetryPolicy returns 3 attempts starting at 500ms, doubling up to 10s,
// with 20s of timeout padding per retry.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2,
		TimeoutPadding: 20 * time.Second,
	}
}

// Backoff returns the wait before retry n (1 for the first retry).
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 || p.InitialBackoff <= 0 {
		return 0
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(multiplier, float64(n-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// Timeout returns the deadline for the given attempt (0 for the first):
// base extended by TimeoutPadding per previous attempt.
func (p RetryPolicy) Timeout(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	return base + time.Duration(attempt)*p.TimeoutPadding
}

// Do calls fn until it succeeds, returns an error retryable rejects, or the
// attempts are exhausted. The last error is returned. Waiting between
// attempts stops early when ctx is done.
func (p RetryPolicy) Do(ctx context.Context, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	attempts := max(p.Attempts, 1)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.Backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
		}
		err = fn(ctx, attempt)
		if err == nil || !retryable(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}
