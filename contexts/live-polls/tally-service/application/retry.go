package application

import (
	"context"
	"errors"
	"time"

	domainerrors "pollcast/contexts/live-polls/tally-service/domain/errors"
)

// RetryPolicy bounds retries of transient storage failures on read paths.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

func (p RetryPolicy) attempts() int {
	if p.Attempts <= 0 {
		return 3
	}
	return p.Attempts
}

func (p RetryPolicy) backoff() time.Duration {
	if p.Backoff <= 0 {
		return 25 * time.Millisecond
	}
	return p.Backoff
}

// ReadWithRetry runs fn until it succeeds, fails with a non-transient error,
// or the attempts are exhausted. Only ErrStorageUnavailable is retried; the
// wait doubles after every failed attempt.
func ReadWithRetry[T any](ctx context.Context, policy RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	var (
		value T
		err   error
	)
	wait := policy.backoff()
	for attempt := 1; attempt <= policy.attempts(); attempt++ {
		value, err = fn(ctx)
		if err == nil || !errors.Is(err, domainerrors.ErrStorageUnavailable) {
			return value, err
		}
		if attempt == policy.attempts() {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return value, err
		case <-timer.C:
		}
		wait *= 2
	}
	return value, err
}
