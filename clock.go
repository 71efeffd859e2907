package pay402

import (
	"context"
	"time"
)

// Clock supplies the current time. Injected so window and expiry logic
// is testable without real wall-clock delay.
type Clock interface {
	Now() time.Time
}

// Sleeper blocks for a duration, honoring context cancellation.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

type systemSleeper struct{}

func (systemSleeper) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SystemSleeper returns a Sleeper backed by a real timer.
func SystemSleeper() Sleeper { return systemSleeper{} }
