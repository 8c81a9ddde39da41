package chain

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy is a fixed attempt count with a fixed delay between attempts.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error)
}

// DefaultRetry is 3 attempts, 2s apart.
var DefaultRetry = RetryPolicy{Attempts: 3, Delay: 2 * time.Second}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry runs fn until it succeeds, returns a Permanent error, or the attempts
// run out. The last error is returned; waits observe ctx.
func Retry(ctx context.Context, p RetryPolicy, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay):
		}
	}
	return lastErr
}
