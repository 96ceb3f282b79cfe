package health

import (
	"context"
	"runtime"
	"time"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck fails when more than threshold goroutines are running.
// A fetch or send that never returns shows up here first.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}

// FreshnessCheck fails when last reports a time older than maxAge. Before the
// first event it allows maxAge measured from the check's creation, so a slow
// first cycle does not fail readiness.
func FreshnessCheck(last func() time.Time, maxAge time.Duration, now func() time.Time) CheckFunc {
	if now == nil {
		now = time.Now
	}
	created := now()
	return func(_ context.Context) error {
		t := now()
		at := last()
		if at.IsZero() {
			if waited := t.Sub(created); waited > maxAge {
				return errors.Errorf("no poll cycle completed in %s", waited.Truncate(time.Second))
			}
			return nil
		}
		if age := t.Sub(at); age > maxAge {
			return errors.Errorf("last poll cycle finished %s ago, limit %s", age.Truncate(time.Second), maxAge)
		}
		return nil
	}
}
