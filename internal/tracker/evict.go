package tracker

import "time"

// EvictionPolicy decides whether a tracked state should be dropped.
type EvictionPolicy interface {
	Evict(st State, now time.Time) bool
}

// EvictFunc adapts a function to EvictionPolicy.
type EvictFunc func(st State, now time.Time) bool

func (f EvictFunc) Evict(st State, now time.Time) bool { return f(st, now) }

// NeverEvict keeps every state for the lifetime of the store.
var NeverEvict EvictionPolicy = EvictFunc(func(State, time.Time) bool { return false })

// MaxAge evicts states not seen for longer than d. A non-positive d never
// evicts.
func MaxAge(d time.Duration) EvictionPolicy {
	if d <= 0 {
		return NeverEvict
	}
	return EvictFunc(func(st State, now time.Time) bool {
		return now.Sub(st.LastSeenAt) > d
	})
}
