// Package health serves liveness, readiness and status checks for the
// watcher process.
//
// Every registered checker runs on its own ticker. A checker flips to unhealthy
// only after FailureThreshold consecutive failures and back after
// SuccessThreshold consecutive passes, so a single slow catalog response or
// Telegram hiccup does not flap the readiness state.
package health

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
)

// CheckFunc returns nil when the checked component is healthy.
type CheckFunc func(ctx context.Context) error

// Kind tells whether a checker gates liveness or readiness.
type Kind int

const (
	Liveness Kind = iota
	Readiness
)

func (k Kind) String() string {
	if k == Readiness {
		return "readiness"
	}
	return "liveness"
}

// checker is one registered check with its threshold state. The counters are
// touched only by the goroutine calling run; healthy and lastErr are read by
// handlers.
type checker struct {
	name    string
	kind    Kind
	timeout time.Duration
	check   CheckFunc

	failureThreshold int
	successThreshold int

	healthy   atomic.Bool
	lastErr   atomic.Pointer[error]
	lastRunAt atomic.Int64

	fails int
	oks   int
}

func (p *checker) err() error {
	if e := p.lastErr.Load(); e != nil {
		return *e
	}
	return nil
}

func (p *checker) run(ctx context.Context, now time.Time) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.check(ctx)
	p.lastErr.Store(&err)
	p.lastRunAt.Store(now.UnixNano())

	if err != nil {
		p.oks = 0
		p.fails++
		if p.fails >= p.failureThreshold {
			p.healthy.Store(false)
		}
		return
	}
	p.fails = 0
	p.oks++
	if p.oks >= p.successThreshold {
		p.healthy.Store(true)
	}
}

// Option configures Health.
type Option func(*Health)

// WithThresholds sets the consecutive failure and success counts needed to
// change a checker's state. Values below 1 are ignored.
func WithThresholds(failure, success int) Option {
	return func(h *Health) {
		if failure > 0 {
			h.failureThreshold = failure
		}
		if success > 0 {
			h.successThreshold = success
		}
	}
}

// WithStatus adds fields to the /health document. fn writes object fields
// into e and must not open or close the enclosing object.
func WithStatus(fn func(e *jx.Encoder)) Option {
	return func(h *Health) { h.status = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Health) { h.now = now }
}

// Health owns the checks of one process.
type Health struct {
	ready atomic.Bool

	failureThreshold int
	successThreshold int
	status           func(e *jx.Encoder)
	now              func() time.Time
	started          time.Time

	mu     sync.RWMutex
	checks []*checker
	cancel context.CancelFunc
}

// New returns Health in the not-ready state.
func New(opts ...Option) *Health {
	h := &Health{
		failureThreshold: 3,
		successThreshold: 1,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.started = h.now()
	return h
}

// AddLivenessCheck registers a checker that decides whether the process should
// be restarted.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, check CheckFunc) {
	h.add(name, Liveness, timeout, check)
}

// AddReadinessCheck registers a checker that decides whether the watcher is
// doing useful work.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, check CheckFunc) {
	h.add(name, Readiness, timeout, check)
}

func (h *Health) add(name string, kind Kind, timeout time.Duration, check CheckFunc) {
	p := &checker{
		name:             name,
		kind:             kind,
		timeout:          timeout,
		check:            check,
		failureThreshold: h.failureThreshold,
		successThreshold: h.successThreshold,
	}
	// Healthy until proven otherwise.
	p.healthy.Store(true)

	h.mu.Lock()
	h.checks = append(h.checks, p)
	h.mu.Unlock()
}

// Start runs every registered checker at interval until Stop or ctx is done.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	h.cancel = cancel
	checks := slices.Clone(h.checks)
	h.mu.Unlock()

	for _, p := range checks {
		go h.loop(ctx, p, interval)
	}
}

func (h *Health) loop(ctx context.Context, p *checker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.run(ctx, h.now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.run(ctx, h.now())
		}
	}
}

// Stop cancels the checker goroutines. It is idempotent.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady toggles the manual readiness gate. It is set once startup
// finishes and cleared at the start of shutdown.
func (h *Health) SetReady(ready bool) { h.ready.Store(ready) }

// IsReady reports whether the gate is open and every readiness checker passes.
func (h *Health) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	return len(failures(h.snapshot(), Readiness)) == 0
}

func (h *Health) snapshot() []*checker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.checks)
}

type failure struct {
	name string
	msg  string
}

func failures(checks []*checker, kind Kind) []failure {
	var out []failure
	for _, p := range checks {
		if p.kind != kind || p.healthy.Load() {
			continue
		}
		msg := "check is unhealthy"
		if err := p.err(); err != nil {
			msg = err.Error()
		}
		out = append(out, failure{name: p.name, msg: msg})
	}
	return out
}

// LiveEndpoint serves /livez.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, failures(h.snapshot(), Liveness))
}

// ReadyEndpoint serves /readyz.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	fs := failures(h.snapshot(), Readiness)
	if !h.ready.Load() {
		fs = append(fs, failure{name: "_readiness", msg: "service is not ready"})
	}
	writeStatus(w, fs)
}

func writeStatus(w http.ResponseWriter, fs []failure) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("status")
	status := http.StatusOK
	if len(fs) == 0 {
		e.Str("ok")
	} else {
		status = http.StatusServiceUnavailable
		e.Str("unhealthy")
		e.FieldStart("checks")
		e.ObjStart()
		for _, f := range fs {
			e.FieldStart(f.name)
			e.Str(f.msg)
		}
		e.ObjEnd()
	}
	e.ObjEnd()
	write(w, status, e.Bytes())
}

// StatusEndpoint serves /health: every checker with its last result plus the
// fields contributed by WithStatus. The status code follows readiness.
func (h *Health) StatusEndpoint(w http.ResponseWriter, _ *http.Request) {
	checks := h.snapshot()
	ready := h.IsReady()
	now := h.now()

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("status")
	if ready {
		e.Str("ok")
	} else {
		e.Str("degraded")
	}
	e.FieldStart("ready")
	e.Bool(ready)
	e.FieldStart("uptime_seconds")
	e.Int64(int64(now.Sub(h.started).Seconds()))

	e.FieldStart("checks")
	e.ArrStart()
	for _, p := range checks {
		e.ObjStart()
		e.FieldStart("name")
		e.Str(p.name)
		e.FieldStart("kind")
		e.Str(p.kind.String())
		e.FieldStart("healthy")
		e.Bool(p.healthy.Load())
		if err := p.err(); err != nil {
			e.FieldStart("error")
			e.Str(err.Error())
		}
		if at := p.lastRunAt.Load(); at != 0 {
			e.FieldStart("last_run")
			e.Str(time.Unix(0, at).UTC().Format(time.RFC3339))
		}
		e.ObjEnd()
	}
	e.ArrEnd()

	if h.status != nil {
		h.status(&e)
	}
	e.ObjEnd()

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	write(w, status, e.Bytes())
}

func write(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status line is already out; a failed write means the client left.
	_, _ = w.Write(body)
}
