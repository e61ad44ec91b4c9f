package retry

import (
	"context"
	"time"
)

// sleepFunc waits for d or until ctx is done. Tests replace it to record the delays.
var sleepFunc = func(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// LinearDelay is the wait after the given zero based attempt: (multiplier*attempt + 1) units.
func LinearDelay(attempt int, multiplier int, unit time.Duration) time.Duration {
	return time.Duration(multiplier*attempt+1) * unit
}

// BackoffAndSleep sleeps for LinearDelay(attempt, multiplier, unit), returning early with the context
// error when ctx is done.
func BackoffAndSleep(ctx context.Context, attempt int, multiplier int, unit time.Duration) error {
	return sleepFunc(ctx, LinearDelay(attempt, multiplier, unit))
}

// CappedExponentialBackoff returns current scaled by factor, never more than maxBackoff.
func CappedExponentialBackoff(current time.Duration, factor float64, maxBackoff time.Duration) time.Duration {
	return min(time.Duration(float64(current)*factor), maxBackoff)
}
