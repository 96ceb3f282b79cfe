package fetch

import (
	"bytes"
	"context"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Doer sends an HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config controls traffic shaping, identity rotation and retry bounds.
type Config struct {
	Strategies       []Strategy
	UserAgents       []string
	MobileUserAgents []string
	// Cookies is a browser-style cookie string seeded into every session.
	Cookies string
	Proxies []string

	// MinSpacing is the minimum gap between two requests of one engine.
	MinSpacing time.Duration
	// DelayMin and DelayMax bound the extra random delay before a request.
	DelayMin time.Duration
	DelayMax time.Duration

	CooldownMin time.Duration
	CooldownMax time.Duration
	CooldownCap time.Duration
	// MaxAttempts bounds soft-blocked attempts per strategy.
	MaxAttempts int

	// TransportRetries bounds retries of one strategy after transport errors.
	TransportRetries int
	BackoffBase      time.Duration

	RequestTimeout time.Duration
	MaxBodySize    int64

	// ExpectedMarkers must appear (any of, case-insensitive) in a markup body
	// for it to count as the catalog site. Empty accepts any markup.
	ExpectedMarkers []string
	// BlockMarkers flag interstitial or captcha pages served with status 200.
	BlockMarkers []string
}

// DefaultBlockMarkers are substrings typical of anti-bot interstitials.
var DefaultBlockMarkers = []string{
	"captcha",
	"access denied",
	"are you a robot",
	"unusual traffic",
	"challenge-platform",
	"request unsuccessful",
}

func (c *Config) setDefaults() {
	if len(c.Strategies) == 0 {
		c.Strategies = []Strategy{Direct(), Rendered(), Mobile()}
	}
	if len(c.UserAgents) == 0 {
		c.UserAgents = DefaultUserAgents
	}
	if len(c.MobileUserAgents) == 0 {
		c.MobileUserAgents = DefaultMobileUserAgents
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.TransportRetries < 0 {
		c.TransportRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 12 * time.Second
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = 8 << 20
	}
	if c.BlockMarkers == nil {
		c.BlockMarkers = DefaultBlockMarkers
	}
	if c.CooldownMax < c.CooldownMin {
		c.CooldownMax = c.CooldownMin
	}
	if c.CooldownCap < c.CooldownMax {
		c.CooldownCap = c.CooldownMax
	}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRand injects the random source used for delays and identity choice.
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) { e.rng = rng }
}

// WithSleep replaces the context-aware sleep, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMeter records request counters on m.
func WithMeter(m metric.Meter) Option {
	return func(e *Engine) { e.meter = m }
}

// Engine fetches payloads for a single logical target. It is safe for
// concurrent use; shared state is only touched under a short-lived mutex.
type Engine struct {
	cfg     Config
	client  Doer
	lg      *zap.Logger
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
	meter   metric.Meter

	seed    []*http.Cookie
	proxies []*url.URL

	mu        sync.Mutex
	rng       *rand.Rand
	state     AttemptState
	desktop   *session
	mobile    *session
	lastAgent string

	requests        metric.Int64Counter
	softBlocks      metric.Int64Counter
	transportErrors metric.Int64Counter
}

// NewEngine creates an Engine sending requests through client.
func NewEngine(cfg Config, client Doer, lg *zap.Logger, opts ...Option) (*Engine, error) {
	cfg.setDefaults()

	e := &Engine{
		cfg:     cfg,
		client:  client,
		lg:      lg,
		limiter: rate.NewLimiter(rate.Every(cfg.MinSpacing), 1),
		sleep:   Sleep,
		now:     time.Now,
		meter:   noop.NewMeterProvider().Meter(""),
		seed:    ParseCookies(cfg.Cookies),
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, raw := range cfg.Proxies {
		p, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || p.Host == "" {
			return nil, errors.Errorf("invalid proxy url %q", raw)
		}
		e.proxies = append(e.proxies, p)
	}

	var err error
	if e.requests, err = e.meter.Int64Counter("stockwatch.fetch.requests",
		metric.WithDescription("Catalog requests sent")); err != nil {
		return nil, errors.Wrap(err, "create requests counter")
	}
	if e.softBlocks, err = e.meter.Int64Counter("stockwatch.fetch.soft_blocks",
		metric.WithDescription("Responses classified as soft blocks")); err != nil {
		return nil, errors.Wrap(err, "create soft blocks counter")
	}
	if e.transportErrors, err = e.meter.Int64Counter("stockwatch.fetch.transport_errors",
		metric.WithDescription("Requests that failed below HTTP")); err != nil {
		return nil, errors.Wrap(err, "create transport errors counter")
	}
	return e, nil
}

// State returns a copy of the engine's counters.
func (e *Engine) State() AttemptState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Fetch tries every target URL with every strategy until one yields a
// well-formed payload. On total failure it returns a *Failure; it never
// panics past this boundary.
func (e *Engine) Fetch(ctx context.Context, t Target) (p *Payload, err error) {
	failure := &Failure{Target: t.Name}
	defer func() {
		if rec := recover(); rec != nil {
			failure.add(errors.Errorf("panic: %v", rec))
			p, err = nil, failure
		}
	}()

	if len(t.URLs) == 0 {
		failure.add(ErrNoTargetURLs)
		return nil, failure
	}

	for _, raw := range t.URLs {
		for _, s := range e.cfg.Strategies {
			e.mu.Lock()
			e.state.BackoffLevel = 0
			e.mu.Unlock()

			if p := e.tryStrategy(ctx, t, raw, s, failure); p != nil {
				return p, nil
			}
			if ctx.Err() != nil {
				failure.add(ctx.Err())
				return nil, failure
			}
		}
	}
	return nil, failure
}

// tryStrategy runs one strategy against one URL until it succeeds, exhausts
// its soft-block attempts or its transport retries.
func (e *Engine) tryStrategy(ctx context.Context, t Target, raw string, s Strategy, failure *Failure) *Payload {
	lg := e.lg.With(
		zap.String("target", t.Name),
		zap.String("strategy", s.Name),
		zap.String("url", raw),
	)

	var soft, transport int
	for attempt := 1; ; attempt++ {
		if err := e.pace(ctx); err != nil {
			return nil
		}

		id := e.identity(s)
		res, err := e.do(ctx, raw, s, id)
		attr := metric.WithAttributes(attribute.String("target", t.Name), attribute.String("strategy", s.Name))
		e.requests.Add(ctx, 1, attr)

		switch {
		case err != nil && ctx.Err() != nil:
			return nil

		case err != nil || res.status >= http.StatusInternalServerError:
			if err == nil {
				err = ErrServerStatus
			}
			e.transportErrors.Add(ctx, 1, attr)
			e.mu.Lock()
			e.state.TransportErrors++
			e.mu.Unlock()
			failure.add(&AttemptError{Strategy: s.Name, URL: raw, Attempt: attempt, Status: res.status, Err: err})

			transport++
			if transport > e.cfg.TransportRetries {
				lg.Warn("Transport retries exhausted", zap.Int("attempt", attempt), zap.Error(err))
				return nil
			}
			backoff := e.cfg.BackoffBase << (transport - 1)
			lg.Info("Transport error, backing off",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			if e.sleep(ctx, backoff) != nil {
				return nil
			}
			continue

		case res.status == http.StatusForbidden || res.status == http.StatusTooManyRequests:
			// Handled below as a soft block.

		case res.status != http.StatusOK:
			failure.add(&AttemptError{Strategy: s.Name, URL: raw, Attempt: attempt, Status: res.status, Err: ErrUnexpectedStatus})
			lg.Info("Unexpected status, next strategy", zap.Int("status", res.status))
			return nil

		default:
			if kind, ok := e.sniff(res.body); ok {
				now := e.now()
				e.mu.Lock()
				e.state.LastSuccess = now
				e.state.BackoffLevel = 0
				e.mu.Unlock()
				lg.Debug("Fetched payload",
					zap.Int("attempt", attempt),
					zap.Int("bytes", len(res.body)),
					zap.Stringer("kind", kind),
				)
				return &Payload{
					Target:    t.Name,
					Strategy:  s.Name,
					URL:       res.url,
					Kind:      kind,
					Body:      res.body,
					FetchedAt: now,
				}
			}
		}

		// Soft block: forget the session, cool down, come back as someone else.
		soft++
		e.softBlocks.Add(ctx, 1, attr)
		e.mu.Lock()
		e.state.SoftBlocks++
		e.state.BackoffLevel++
		level := e.state.BackoffLevel
		if s.Mobile {
			e.mobile = nil
		} else {
			e.desktop = nil
		}
		e.mu.Unlock()
		failure.add(&AttemptError{Strategy: s.Name, URL: raw, Attempt: attempt, Status: res.status, Err: ErrSoftBlock})

		if soft >= e.cfg.MaxAttempts {
			lg.Warn("Soft blocked, next strategy", zap.Int("attempt", attempt), zap.Int("status", res.status))
			return nil
		}
		cooldown := e.cooldown(level)
		lg.Warn("Soft blocked, cooling down",
			zap.Int("attempt", attempt),
			zap.Int("status", res.status),
			zap.Duration("cooldown", cooldown),
		)
		if e.sleep(ctx, cooldown) != nil {
			return nil
		}
	}
}

type response struct {
	status int
	url    *url.URL
	body   []byte
}

func (e *Engine) do(ctx context.Context, raw string, s Strategy, id *identity) (response, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	req, err := s.newRequest(withProxy(ctx, id.proxy), raw, id, e.now())
	if err != nil {
		return response{}, err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return response{}, errors.Wrap(err, "send request")
	}
	defer func() { _ = resp.Body.Close() }()

	if cookies := resp.Cookies(); len(cookies) > 0 {
		id.jar.SetCookies(req.URL, cookies)
	}

	res := response{status: resp.StatusCode, url: req.URL}
	if resp.Request != nil && resp.Request.URL != nil {
		res.url = resp.Request.URL
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return res, nil
	}

	body, err := readBody(resp, e.cfg.MaxBodySize)
	if err != nil {
		return res, err
	}
	res.body = body
	return res, nil
}

func readBody(resp *http.Response, limit int64) ([]byte, error) {
	var r io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := pgzip.NewReader(resp.Body)
		if err != nil {
			return nil, errors.Wrap(err, "open gzip body")
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}
	body, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	return body, nil
}

// sniff decides whether body looks like the catalog rather than an
// interstitial, and which extraction family it belongs to.
func (e *Engine) sniff(body []byte) (PayloadKind, bool) {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf")))
	if len(trimmed) == 0 {
		return KindUnknown, false
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		return KindStructured, true
	}

	lower := bytes.ToLower(trimmed)
	for _, m := range e.cfg.BlockMarkers {
		if m != "" && bytes.Contains(lower, []byte(strings.ToLower(m))) {
			return KindUnknown, false
		}
	}
	if len(e.cfg.ExpectedMarkers) == 0 {
		return KindMarkup, true
	}
	for _, m := range e.cfg.ExpectedMarkers {
		if m != "" && bytes.Contains(lower, []byte(strings.ToLower(m))) {
			return KindMarkup, true
		}
	}
	return KindUnknown, false
}

// pace waits for the spacing limiter, then for a random extra delay.
func (e *Engine) pace(ctx context.Context) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	delay := between(e.rng, e.cfg.DelayMin, e.cfg.DelayMax)
	e.state.Requests++
	e.mu.Unlock()
	return e.sleep(ctx, delay)
}

// identity draws a new persona for every attempt. The cookie session of the
// strategy's pool is reused until a soft block drops it.
func (e *Engine) identity(s Strategy) *identity {
	e.mu.Lock()
	defer e.mu.Unlock()

	agents, sess := e.cfg.UserAgents, &e.desktop
	if s.Mobile {
		agents, sess = e.cfg.MobileUserAgents, &e.mobile
	}
	if *sess == nil {
		*sess = newSession(e.seed)
	}
	id := newIdentity(e.rng, agents, e.proxies, *sess, e.lastAgent)
	e.lastAgent = id.userAgent
	return id
}

// cooldown returns a random wait in [CooldownMin, CooldownMax] doubled per
// escalation level and capped at CooldownCap.
func (e *Engine) cooldown(level int) time.Duration {
	e.mu.Lock()
	d := between(e.rng, e.cfg.CooldownMin, e.cfg.CooldownMax)
	e.mu.Unlock()
	for i := 1; i < level && d < e.cfg.CooldownCap; i++ {
		d *= 2
	}
	return min(d, e.cfg.CooldownCap)
}

func between(rng *rand.Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rng.Int64N(int64(hi-lo)+1))
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
