// Package tracker remembers every product seen and classifies each new
// observation as New, Restocked or Unchanged.
package tracker

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xenking/stockwatch/internal/domain/product"
)

// ChangeKind is the outcome of observing a record.
type ChangeKind int

const (
	Unchanged ChangeKind = iota
	New
	Restocked
)

func (k ChangeKind) String() string {
	switch k {
	case New:
		return "new"
	case Restocked:
		return "restocked"
	default:
		return "unchanged"
	}
}

// State is what the store keeps per product id.
type State struct {
	Record        product.Record
	FirstSeenAt   time.Time
	LastSeenAt    time.Time
	WasOutOfStock bool
	// Version orders writes to the Persister; higher wins.
	Version int64
}

// Persister stores tracked states outside the process.
type Persister interface {
	Load(ctx context.Context) ([]State, error)
	Save(ctx context.Context, st State) error
	Delete(ctx context.Context, ids []string) error
}

// Option configures a Store.
type Option func(*Store)

// WithPersister mirrors every state change to p.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persist = p }
}

// WithEviction sets the policy applied by Sweep.
func WithEviction(p EvictionPolicy) Option {
	return func(s *Store) { s.evict = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	states  map[string]*State
	version int64

	persist Persister
	evict   EvictionPolicy
	now     func() time.Time
	lg      *zap.Logger
}

// NewStore returns an empty in-memory store.
func NewStore(lg *zap.Logger, opts ...Option) *Store {
	s := &Store{
		states: make(map[string]*State),
		evict:  NeverEvict,
		now:    time.Now,
		lg:     lg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Observe records rec and reports how it changed since the last observation
// of the same id. The decision and the mutation are atomic per id; the
// persister write happens afterwards and never affects the result.
func (s *Store) Observe(ctx context.Context, rec product.Record) ChangeKind {
	now := s.now()
	outOfStock := rec.OutOfStock()

	s.mu.Lock()
	kind := Unchanged
	st, ok := s.states[rec.ID]
	switch {
	case !ok:
		kind = New
		st = &State{FirstSeenAt: now, WasOutOfStock: outOfStock}
		s.states[rec.ID] = st
	case st.WasOutOfStock && !outOfStock:
		kind = Restocked
		st.WasOutOfStock = false
	case !st.WasOutOfStock && outOfStock:
		st.WasOutOfStock = true
	}
	st.Record = rec
	st.LastSeenAt = now
	s.version++
	st.Version = s.version
	snapshot := *st
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.Save(ctx, snapshot); err != nil {
			s.lg.Warn("Failed to persist tracked state",
				zap.String("id", rec.ID),
				zap.Int64("version", snapshot.Version),
				zap.Error(err),
			)
		}
	}
	return kind
}

// Load warm-starts the store from its persister. States already present in
// memory with a higher version are kept.
func (s *Store) Load(ctx context.Context) (int, error) {
	if s.persist == nil {
		return 0, nil
	}
	states, err := s.persist.Load(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	loaded := 0
	for _, st := range states {
		if cur, ok := s.states[st.Record.ID]; ok && cur.Version >= st.Version {
			continue
		}
		s.states[st.Record.ID] = &st
		s.version = max(s.version, st.Version)
		loaded++
	}
	return loaded, nil
}

// Sweep removes states the eviction policy rejects and returns how many were
// removed.
func (s *Store) Sweep(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var ids []string
	for id, st := range s.states {
		if s.evict.Evict(*st, now) {
			ids = append(ids, id)
			delete(s.states, id)
		}
	}
	s.mu.Unlock()

	if len(ids) > 0 && s.persist != nil {
		if err := s.persist.Delete(ctx, ids); err != nil {
			s.lg.Warn("Failed to delete evicted states", zap.Int("count", len(ids)), zap.Error(err))
		}
	}
	return len(ids)
}

// Len returns the number of tracked ids.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// Get returns the state tracked for id.
func (s *Store) Get(id string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Snapshot returns a copy of every tracked state ordered by id.
func (s *Store) Snapshot() []State {
	s.mu.Lock()
	out := make([]State, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, *st)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b State) int {
		return strings.Compare(a.Record.ID, b.Record.ID)
	})
	return out
}
