package monitor

import (
	"sync/atomic"
	"time"

	"github.com/xenking/stockwatch/internal/tracker"
)

// Stats counts what the monitor did. It is shared with the dispatcher as an
// alert.Recorder; all updates are atomic.
type Stats struct {
	loc *time.Location

	alertsSent    atomic.Int64
	lastAlert     atomic.Int64
	cycles        atomic.Int64
	lastCheck     atomic.Int64
	day           atomic.Int64
	newToday      atomic.Int64
	restocksToday atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	AlertsSent    int64
	LastAlert     time.Time
	Cycles        int64
	LastCheck     time.Time
	NewToday      int64
	RestocksToday int64
}

// NewStats returns zeroed stats whose daily counters roll over at midnight
// in loc.
func NewStats(loc *time.Location) *Stats {
	if loc == nil {
		loc = time.UTC
	}
	return &Stats{loc: loc}
}

// RecordAlert counts one delivered alert.
func (s *Stats) RecordAlert(at time.Time) {
	s.alertsSent.Add(1)
	s.lastAlert.Store(at.UnixNano())
}

// RecordChange counts a New or Restocked delta.
func (s *Stats) RecordChange(kind tracker.ChangeKind, at time.Time) {
	s.roll(at)
	switch kind {
	case tracker.New:
		s.newToday.Add(1)
	case tracker.Restocked:
		s.restocksToday.Add(1)
	}
}

// RecordCycle marks a completed poll cycle.
func (s *Stats) RecordCycle(at time.Time) {
	s.roll(at)
	s.cycles.Add(1)
	s.lastCheck.Store(at.UnixNano())
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		AlertsSent:    s.alertsSent.Load(),
		LastAlert:     fromNano(s.lastAlert.Load()),
		Cycles:        s.cycles.Load(),
		LastCheck:     fromNano(s.lastCheck.Load()),
		NewToday:      s.newToday.Load(),
		RestocksToday: s.restocksToday.Load(),
	}
}

func (s *Stats) roll(at time.Time) {
	y, m, d := at.In(s.loc).Date()
	today := int64(y)*10000 + int64(m)*100 + int64(d)
	if prev := s.day.Load(); prev != today && s.day.CompareAndSwap(prev, today) {
		s.newToday.Store(0)
		s.restocksToday.Store(0)
	}
}

func fromNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
