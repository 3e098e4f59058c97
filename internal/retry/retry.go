// Package retry runs an operation again after transient failures.
//
// The ledger writer retries a nonce collision once with a freshly fetched
// nonce; every other send error is final. Policies make that choice
// explicit through Retryable instead of wrapping each error.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that no policy retries it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Policy describes how often and how far apart attempts are made.
type Policy struct {
	// Attempts is the total number of calls, including the first. Values
	// below 1 mean a single call.
	Attempts int
	// BaseDelay is the wait before the second attempt. It doubles on each
	// further attempt, with +-25% jitter.
	BaseDelay time.Duration
	// MaxDelay caps the wait between attempts. Zero means no cap.
	MaxDelay time.Duration
	// Retryable reports whether err is worth another attempt. Nil retries
	// every error that is not Permanent.
	Retryable func(err error) bool
}

// Do calls fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx ends. fn receives the zero-based attempt number.
// The last error is returned unwrapped from any PermanentError.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := max(p.Attempts, 1)
	delay := p.BaseDelay

	var err error
	for attempt := range attempts {
		if err = fn(attempt); err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(delay)):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}

// Do is Policy{Attempts: maxAttempts, BaseDelay: baseDelay}.Do without the
// attempt number.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return Policy{Attempts: maxAttempts, BaseDelay: baseDelay}.Do(ctx, func(int) error { return fn() })
}

// jitter spreads d by +-25%.
func jitter(d time.Duration) time.Duration {
	spread := int64(d / 4)
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread+1)) // #nosec G404 -- backoff jitter
}
