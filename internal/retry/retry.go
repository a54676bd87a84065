// Package retry runs storage operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts int           // total tries including the first; <1 means 1
	Base     time.Duration // delay before the second try, doubled each time
	Max      time.Duration // cap on a single delay; 0 means no cap
}

// DefaultPolicy is three tries starting at 50ms.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Base: 50 * time.Millisecond, Max: time.Second}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Delay returns the backoff before try number attempt (1-based, attempt >= 2).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 2 || p.Base <= 0 {
		return 0
	}
	d := p.Base << (attempt - 2)
	if d <= 0 || (p.Max > 0 && d > p.Max) {
		d = p.Max
	}
	return d
}

// Do calls fn until it succeeds, returns a Permanent error, the policy is
// exhausted, or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, logger *zap.Logger, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := p.Delay(attempt)
			logger.Warn("retrying storage operation",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(delay):
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
	}
	return err
}
