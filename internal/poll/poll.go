// Package poll implements bounded polling loops for slow cloud APIs on top
// of cenkalti/backoff.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrTimeout is returned when a condition is not met before the deadline.
var ErrTimeout = errors.New("poll: timed out")

// ErrExhausted is returned when Retry runs out of attempts.
var ErrExhausted = errors.New("poll: attempts exhausted")

// errPending marks an attempt where the condition was simply not met yet.
var errPending = errors.New("condition not met")

// ConditionFunc reports whether polling is done. A non-nil error is
// treated as transient: it is passed to the observer and polling continues.
type ConditionFunc func(ctx context.Context) (bool, error)

// Observer is called after each unsuccessful attempt that will be retried.
// err is nil when the condition was merely not met.
type Observer func(attempt int, err error)

// Until calls cond every interval until it returns true, the timeout
// elapses or ctx is cancelled. The first call happens immediately.
func Until(ctx context.Context, timeout, interval time.Duration, cond ConditionFunc, observe Observer) error {
	parent := ctx
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = interval
	b.Multiplier = 1
	b.RandomizationFactor = 0
	b.MaxElapsedTime = timeout

	err := run(ctx, backoff.WithContext(b, ctx), cond, observe)
	if err == nil {
		return nil
	}
	if perr := parent.Err(); perr != nil {
		return perr
	}
	return stopped(ErrTimeout, err)
}

// Retry calls cond up to attempts times with delay between calls.
// It never sleeps after the final attempt.
func Retry(ctx context.Context, attempts int, delay time.Duration, cond ConditionFunc, observe Observer) error {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1))

	err := run(ctx, backoff.WithContext(b, ctx), cond, observe)
	if err == nil {
		return nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return stopped(ErrExhausted, err)
}

func run(ctx context.Context, b backoff.BackOff, cond ConditionFunc, observe Observer) error {
	attempt := 0
	op := func() error {
		attempt++
		done, err := cond(ctx)
		switch {
		case done:
			return nil
		case err != nil:
			return err
		default:
			return errPending
		}
	}
	notify := func(err error, _ time.Duration) {
		if observe == nil {
			return
		}
		if errors.Is(err, errPending) {
			err = nil
		}
		observe(attempt, err)
	}
	return backoff.RetryNotify(op, b, notify)
}

// stopped wraps the last transient error, if any, under sentinel.
func stopped(sentinel, last error) error {
	if errors.Is(last, errPending) || errors.Is(last, context.DeadlineExceeded) {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, last)
}
