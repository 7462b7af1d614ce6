package backoff

import (
	"context"
	"errors"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts have been exhausted.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// PermanentError stops Retry immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the wrapped error.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as not worth retrying. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Retry calls fn until it succeeds, returns a Permanent error, the policy
// budget runs out, or ctx is done.
// sleep may be nil, in which case Sleep is used. The last error from
// fn is joined with ErrMaxAttemptsExhausted on exhaustion.
func Retry[T any](ctx context.Context, policy Policy, sleep SleepFunc, fn func(attempt int) (T, error)) (T, error) {
	if sleep == nil {
		sleep = Sleep
	}
	var zero T
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		value, err := fn(attempt)
		if err == nil {
			return value, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		var permanent *PermanentError
		if errors.As(err, &permanent) {
			return zero, permanent.Err
		}
		if policy.Exhausted(attempt) {
			return zero, errors.Join(ErrMaxAttemptsExhausted, err)
		}
		if err := sleep(ctx, policy.Delay(attempt)); err != nil {
			return zero, err
		}
	}
}
