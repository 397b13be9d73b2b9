// Package retry runs collaborator calls under a bounded exponential backoff
// policy. Ledger and storage clients share one Policy value; failures marked
// Permanent surface immediately without further attempts.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds retry behavior for a class of collaborator calls.
// The zero value performs a single attempt with no backoff.
type Policy struct {
	MaxAttempts int           // total attempts including the first; <= 0 means 1
	BaseDelay   time.Duration // initial backoff interval
	MaxDelay    time.Duration // cap on the interval between attempts
	Jitter      float64       // randomization factor, 0 to 1
}

// Default returns the policy used when configuration does not override it:
// three attempts, starting at 250ms with full default jitter.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.5,
	}
}

// Permanent marks err as not retryable. Do returns it after the current
// attempt without backing off.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, exhausts the
// attempt budget, or ctx is cancelled.
func (p Policy) Do(ctx context.Context, op func() error) error {
	return p.DoNotify(ctx, op, nil)
}

// DoNotify is Do with a callback invoked after each failed attempt that will
// be retried, receiving the attempt's error and the upcoming delay.
func (p Policy) DoNotify(ctx context.Context, op func() error, notify func(error, time.Duration)) error {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0 // attempts are bounded by count, not wall clock
	if p.BaseDelay > 0 {
		b.InitialInterval = p.BaseDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}

	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	bounded := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
	if notify == nil {
		return backoff.Retry(op, bounded)
	}
	return backoff.RetryNotify(op, bounded, backoff.Notify(notify))
}
