package backoff

import (
	"context"
	"time"
)

// SleepFunc waits for d or until ctx is done. Components accept one so tests
// can record delays instead of waiting.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc. A non-positive d only reports ctx.Err().
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
