// Package window implements a keyed sliding-window rate limiter.
package window

import (
	"context"
	"sync"
	"time"
)

// Config configures the sliding window limiter.
type Config struct {
	// Max is the maximum number of events allowed per window.
	Max int
	// Window is the duration of each sliding window.
	Window time.Duration
}

// entry tracks event counts across two adjacent windows.
type entry struct {
	prevCount float64
	prevStart time.Time
	currCount float64
	currStart time.Time
}

// Limiter is safe for concurrent use. The zero value is not usable; call New.
type Limiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a Limiter. A non-positive Max disables limiting.
func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Allow reports whether an event for key is within the limit at now and, if
// so, counts it. It also returns the remaining budget and when the current
// window resets.
func (l *Limiter) Allow(key string, now time.Time) (remaining int, resetAt time.Time, allowed bool) {
	if l.cfg.Max <= 0 {
		return 0, now, true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{currStart: now}
		l.entries[key] = e
	}

	if now.Sub(e.currStart) >= l.cfg.Window {
		e.prevCount = e.currCount
		e.prevStart = e.currStart
		e.currCount = 0
		e.currStart = now.Truncate(l.cfg.Window)
		if now.Sub(e.prevStart) >= 2*l.cfg.Window {
			e.prevCount = 0
		}
	}

	// Weight the previous window by how much of it the sliding window still
	// covers.
	elapsed := now.Sub(e.currStart)
	overlap := max(1.0-elapsed.Seconds()/l.cfg.Window.Seconds(), 0)
	effective := e.prevCount*overlap + e.currCount
	resetAt = e.currStart.Add(l.cfg.Window)

	if effective >= float64(l.cfg.Max) {
		return 0, resetAt, false
	}

	e.currCount++
	effective++
	return max(int(float64(l.cfg.Max)-effective), 0), resetAt, true
}

// Wait blocks until an event for key is allowed or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	step := l.cfg.Window / time.Duration(max(l.cfg.Max, 1))
	for {
		now := l.now()
		_, resetAt, ok := l.Allow(key, now)
		if ok {
			return nil
		}
		d := min(step, resetAt.Sub(now))
		if d <= 0 {
			d = time.Millisecond
		}

		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Cleanup removes entries whose windows have fully expired.
func (l *Limiter) Cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, e := range l.entries {
		if now.Sub(e.currStart) >= 2*l.cfg.Window {
			delete(l.entries, key)
		}
	}
}

// StartCleanup evicts expired entries every 2x the window until ctx is
// cancelled.
func (l *Limiter) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(2 * l.cfg.Window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				l.Cleanup(now)
			}
		}
	}()
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
