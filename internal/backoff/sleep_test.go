package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSleep(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name    string
		ctx     context.Context
		d       time.Duration
		wantErr error
		minWait time.Duration
	}{
		{name: "completes", ctx: context.Background(), d: 20 * time.Millisecond, minWait: 15 * time.Millisecond},
		{name: "zero duration", ctx: context.Background(), d: 0},
		{name: "negative duration", ctx: context.Background(), d: -time.Second},
		{name: "already cancelled", ctx: cancelled, d: time.Hour, wantErr: context.Canceled},
		{name: "cancelled zero duration", ctx: cancelled, d: 0, wantErr: context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			err := Sleep(tt.ctx, tt.d)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Sleep() = %v, want %v", err, tt.wantErr)
			}
			if elapsed := time.Since(start); elapsed < tt.minWait {
				t.Errorf("Sleep() returned after %v, want at least %v", elapsed, tt.minWait)
			}
		})
	}
}

func TestSleepReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := Sleep(ctx, 5*time.Second); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Sleep() = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Sleep() did not return promptly: %v", elapsed)
	}
}
