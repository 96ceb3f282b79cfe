// Package monitor drives the poll loop: fetch every target, extract and
// classify records, reconcile them with the tracker and dispatch alerts for
// what changed.
package monitor

import (
	"context"
	"fmt"
	"iter"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/stockwatch/internal/alert"
	"github.com/xenking/stockwatch/internal/domain/product"
	"github.com/xenking/stockwatch/internal/extract"
	"github.com/xenking/stockwatch/internal/fetch"
	"github.com/xenking/stockwatch/internal/tracker"
)

// State is the scheduler's position in the poll cycle.
type State int32

const (
	Idle State = iota
	Fetching
	Extracting
	Reconciling
	Dispatching
	Sleeping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Extracting:
		return "extracting"
	case Reconciling:
		return "reconciling"
	case Dispatching:
		return "dispatching"
	case Sleeping:
		return "sleeping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Fetcher retrieves a payload for a target. *fetch.Engine satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, t fetch.Target) (*fetch.Payload, error)
}

// Extractor turns a payload into records. *extract.Engine satisfies it.
type Extractor interface {
	Extract(p *fetch.Payload) iter.Seq[product.Record]
}

// Classifier assigns categories to records that lack one.
type Classifier interface {
	Apply(rec *product.Record)
}

// Store reconciles observations. *tracker.Store satisfies it.
type Store interface {
	Observe(ctx context.Context, rec product.Record) tracker.ChangeKind
	Sweep(ctx context.Context) int
	Len() int
}

// Dispatcher delivers one alert. *alert.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, rec product.Record, kind tracker.ChangeKind) alert.Result
}

// Summarizer posts the periodic status report.
type Summarizer interface {
	SendSummary(ctx context.Context, s alert.Summary) error
}

// Archiver keeps fetched payloads.
type Archiver interface {
	Archive(ctx context.Context, p *fetch.Payload) (string, error)
}

// Source pairs a target with the engine that fetches it.
type Source struct {
	Target  fetch.Target
	Fetcher Fetcher
}

// Config controls the loop.
type Config struct {
	Interval time.Duration
	// Jitter perturbs every sleep by a uniform amount in [-Jitter, +Jitter].
	Jitter time.Duration
	// SummaryEvery triggers a summary after this many cycles. Zero disables it.
	SummaryEvery int
	// Monitored lists the categories that produce alerts. Records of other
	// categories are still tracked.
	Monitored []product.Category
	// BaselineFirstCycle records the first cycle without dispatching.
	BaselineFirstCycle bool
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Jitter > c.Interval {
		c.Jitter = c.Interval
	}
}

// Change is one record that produced an alert-worthy delta.
type Change struct {
	Record product.Record
	Kind   tracker.ChangeKind
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	ID             string
	Fetched        int
	FetchFailed    int
	Records        int
	Delta          []Change
	Dispatched     int
	DispatchFailed int
	Baseline       bool
	Err            error
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClassifier classifies records the extractor left without a category.
func WithClassifier(c Classifier) Option {
	return func(s *Scheduler) { s.classify = c }
}

// WithSummarizer enables periodic summaries.
func WithSummarizer(sum Summarizer) Option {
	return func(s *Scheduler) { s.summarizer = sum }
}

// WithDetails enriches delta records with size availability read from their
// product pages through f.
func WithDetails(f Fetcher) Option {
	return func(s *Scheduler) { s.details = f }
}

// WithArchiver stores every fetched payload.
func WithArchiver(a Archiver) Option {
	return func(s *Scheduler) { s.archive = a }
}

// WithStats shares stats with other components, typically the dispatcher.
func WithStats(st *Stats) Option {
	return func(s *Scheduler) { s.stats = st }
}

// WithRand injects the jitter source.
func WithRand(rng *rand.Rand) Option {
	return func(s *Scheduler) { s.rng = rng }
}

// WithSleep replaces the context-aware sleep between cycles.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = sleep }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithTracer records a span per cycle.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// Scheduler runs poll cycles until its context is cancelled.
type Scheduler struct {
	cfg       Config
	sources   []Source
	extract   Extractor
	store     Store
	dispatch  Dispatcher
	monitored map[product.Category]struct{}
	lg        *zap.Logger

	classify   Classifier
	summarizer Summarizer
	details    Fetcher
	archive    Archiver
	stats      *Stats
	tracer     trace.Tracer
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	state     atomic.Int32
	cycles    atomic.Int64
	lastCycle atomic.Int64
}

// New creates a Scheduler.
func New(cfg Config, sources []Source, ex Extractor, store Store, dispatch Dispatcher, lg *zap.Logger, opts ...Option) (*Scheduler, error) {
	cfg.setDefaults()
	if len(sources) == 0 {
		return nil, errors.New("monitor: no sources")
	}
	for _, src := range sources {
		if src.Fetcher == nil {
			return nil, errors.Errorf("monitor: source %q has no fetcher", src.Target.Name)
		}
	}
	if len(cfg.Monitored) == 0 {
		return nil, errors.New("monitor: no monitored categories")
	}

	s := &Scheduler{
		cfg:       cfg,
		sources:   sources,
		extract:   ex,
		store:     store,
		dispatch:  dispatch,
		monitored: make(map[product.Category]struct{}, len(cfg.Monitored)),
		lg:        lg,
		tracer:    tracenoop.NewTracerProvider().Tracer(""),
		sleep:     sleep,
		now:       time.Now,
		rng:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0xc1c1e)),
	}
	for _, c := range cfg.Monitored {
		s.monitored[c] = struct{}{}
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.stats == nil {
		s.stats = NewStats(time.UTC)
	}
	return s, nil
}

// State returns the current loop state.
func (s *Scheduler) State() State { return State(s.state.Load()) }

// Stats returns the scheduler's counters.
func (s *Scheduler) Stats() *Stats { return s.stats }

// LastCycle returns when the last cycle finished, or the zero time.
func (s *Scheduler) LastCycle() time.Time { return fromNano(s.lastCycle.Load()) }

func (s *Scheduler) setState(st State) { s.state.Store(int32(st)) }

// Run loops until ctx is cancelled. A failing cycle never stops the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.lg.Info("Monitor started",
		zap.Int("sources", len(s.sources)),
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("jitter", s.cfg.Jitter),
	)
	defer s.setState(Idle)

	for {
		rep := s.RunCycle(ctx)
		if ctx.Err() != nil {
			s.lg.Info("Monitor stopped", zap.Int64("cycles", s.cycles.Load()))
			return nil
		}

		n := s.cycles.Load()
		if s.summarizer != nil && s.cfg.SummaryEvery > 0 && n%int64(s.cfg.SummaryEvery) == 0 {
			s.sendSummary(ctx)
		}

		d := s.nextInterval()
		s.setState(Sleeping)
		s.lg.Debug("Sleeping",
			zap.String("cycle_id", rep.ID),
			zap.Duration("interval", d),
		)
		if err := s.sleep(ctx, d); err != nil {
			s.lg.Info("Monitor stopped", zap.Int64("cycles", s.cycles.Load()))
			return nil
		}
	}
}

// RunCycle performs one fetch, extract, reconcile and dispatch pass. Panics
// are recovered and reported in the result.
func (s *Scheduler) RunCycle(ctx context.Context) (rep CycleReport) {
	rep.ID = uuid.New().String()
	n := s.cycles.Add(1)
	rep.Baseline = s.cfg.BaselineFirstCycle && n == 1

	ctx, span := s.tracer.Start(ctx, "monitor.Cycle", trace.WithAttributes(
		attribute.String("cycle_id", rep.ID),
		attribute.Int64("cycle", n),
	))
	lg := s.lg.With(zap.String("cycle_id", rep.ID))

	defer func() {
		if r := recover(); r != nil {
			rep.Err = errors.Errorf("cycle panic: %v", r)
			lg.Error("Cycle panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
		if rep.Err != nil {
			span.RecordError(rep.Err)
			span.SetStatus(codes.Error, rep.Err.Error())
		}
		span.SetAttributes(
			attribute.Int("records", rep.Records),
			attribute.Int("delta", len(rep.Delta)),
			attribute.Int("dispatched", rep.Dispatched),
		)
		span.End()

		now := s.now()
		s.lastCycle.Store(now.UnixNano())
		s.stats.RecordCycle(now)
	}()

	s.setState(Fetching)
	payloads := s.fetchAll(ctx, lg, &rep)

	for _, p := range payloads {
		s.reconcile(ctx, lg, p, &rep)
	}

	if rep.Baseline {
		lg.Info("Baseline cycle, alerts suppressed",
			zap.Int("records", rep.Records),
			zap.Int("delta", len(rep.Delta)),
		)
	} else if len(rep.Delta) > 0 {
		s.enrich(ctx, lg, rep.Delta)
		s.setState(Dispatching)
		for _, ch := range rep.Delta {
			if ctx.Err() != nil {
				break
			}
			res := s.dispatch.Dispatch(ctx, ch.Record, ch.Kind)
			if res.Delivered {
				rep.Dispatched++
				continue
			}
			rep.DispatchFailed++
			lg.Warn("Dispatch failed",
				zap.String("id", ch.Record.ID),
				zap.Stringer("kind", ch.Kind),
				zap.Int("attempts", res.Attempts),
				zap.Error(res.Err),
			)
		}
	}

	if evicted := s.store.Sweep(ctx); evicted > 0 {
		lg.Info("Evicted tracked products", zap.Int("count", evicted))
	}

	lg.Info("Cycle finished",
		zap.Int("fetched", rep.Fetched),
		zap.Int("fetch_failed", rep.FetchFailed),
		zap.Int("records", rep.Records),
		zap.Int("delta", len(rep.Delta)),
		zap.Int("dispatched", rep.Dispatched),
		zap.Int("dispatch_failed", rep.DispatchFailed),
		zap.Int("tracked", s.store.Len()),
	)
	return rep
}

// fetchAll fetches every source concurrently and returns the payloads in
// source order.
func (s *Scheduler) fetchAll(ctx context.Context, lg *zap.Logger, rep *CycleReport) []*fetch.Payload {
	payloads := make([]*fetch.Payload, len(s.sources))
	var g errgroup.Group
	for i, src := range s.sources {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					lg.Error("Fetch panicked", zap.String("target", src.Target.Name), zap.Any("panic", r))
				}
			}()
			p, err := src.Fetcher.Fetch(ctx, src.Target)
			if err != nil {
				fields := []zap.Field{zap.String("target", src.Target.Name), zap.Error(err)}
				var failure *fetch.Failure
				if errors.As(err, &failure) {
					fields = append(fields, zap.Int("soft_blocks", failure.SoftBlocks()))
				}
				lg.Warn("Fetch failed, no data this cycle", fields...)
				return nil
			}
			payloads[i] = p
			return nil
		})
	}
	_ = g.Wait()

	out := payloads[:0]
	for _, p := range payloads {
		if p != nil {
			out = append(out, p)
		}
	}
	rep.Fetched = len(out)
	rep.FetchFailed = len(s.sources) - len(out)

	if s.archive != nil {
		for _, p := range out {
			if path, err := s.archive.Archive(ctx, p); err != nil {
				lg.Warn("Failed to archive payload", zap.String("target", p.Target), zap.Error(err))
			} else {
				lg.Debug("Archived payload", zap.String("path", path))
			}
		}
	}
	return out
}

// reconcile extracts p, observes every record and appends monitored changes
// to the report's delta.
func (s *Scheduler) reconcile(ctx context.Context, lg *zap.Logger, p *fetch.Payload, rep *CycleReport) {
	for rec := range s.extract.Extract(p) {
		s.setState(Extracting)
		rep.Records++
		if s.classify != nil {
			s.classify.Apply(&rec)
		}

		s.setState(Reconciling)
		kind := s.store.Observe(ctx, rec)
		if kind == tracker.Unchanged {
			continue
		}
		if _, ok := s.monitored[rec.Category]; !ok {
			continue
		}
		if slices.ContainsFunc(rep.Delta, func(c Change) bool { return c.Record.ID == rec.ID }) {
			continue
		}
		rep.Delta = append(rep.Delta, Change{Record: rec, Kind: kind})
		s.stats.RecordChange(kind, rec.ObservedAt)
		lg.Info("Change detected",
			zap.String("target", p.Target),
			zap.String("id", rec.ID),
			zap.Stringer("kind", kind),
			zap.String("name", rec.Name),
		)
	}
	s.setState(Extracting)
}

// enrich reads size availability for delta records from their product
// pages. Failures leave the record unchanged.
func (s *Scheduler) enrich(ctx context.Context, lg *zap.Logger, delta []Change) {
	if s.details == nil {
		return
	}
	for i := range delta {
		rec := &delta[i].Record
		p, err := s.details.Fetch(ctx, fetch.Target{Name: "detail:" + rec.ID, URLs: []string{rec.URL}})
		if err != nil {
			lg.Debug("Detail fetch failed", zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		if sizes := extract.ParseSizes(p.Body); len(sizes) > 0 {
			rec.Sizes = sizes
		}
	}
}

func (s *Scheduler) sendSummary(ctx context.Context) {
	snap := s.stats.Snapshot()
	sum := alert.Summary{
		TotalTracked:  s.store.Len(),
		NewToday:      snap.NewToday,
		RestocksToday: snap.RestocksToday,
		AlertsSent:    snap.AlertsSent,
		LastCheck:     snap.LastCheck,
	}
	if err := s.summarizer.SendSummary(ctx, sum); err != nil {
		s.lg.Warn("Failed to send summary", zap.Error(err))
		return
	}
	s.lg.Info("Summary sent", zap.Int("tracked", sum.TotalTracked))
}

// nextInterval returns Interval perturbed by uniform jitter.
func (s *Scheduler) nextInterval() time.Duration {
	if s.cfg.Jitter <= 0 {
		return s.cfg.Interval
	}
	s.rngMu.Lock()
	offset := time.Duration(s.rng.Int64N(int64(2*s.cfg.Jitter)+1)) - s.cfg.Jitter
	s.rngMu.Unlock()
	return s.cfg.Interval + offset
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
