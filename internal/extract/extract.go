// Package extract turns raw catalog payloads into canonical product records.
//
// Four methods are tried in order of reliability: structured listing JSON,
// repeating markup containers, listing arrays embedded in inline scripts,
// and finally a regex scan over the raw body. The first method that yields
// anything wins. Failures are contained per element; a payload nothing can
// be recovered from produces an empty sequence rather than an error.
package extract

import (
	"bytes"
	"iter"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xenking/stockwatch/internal/domain/product"
	"github.com/xenking/stockwatch/internal/fetch"
)

// Method names, reported in logs.
const (
	MethodStructured = "structured"
	MethodMarkup     = "markup"
	MethodScript     = "script"
	MethodPattern    = "pattern"
)

// Categorizer assigns a category to records that have none.
type Categorizer interface {
	Apply(rec *product.Record)
}

// Config bounds extraction output.
type Config struct {
	// MaxRecords caps the output of every structural method.
	MaxRecords int
	// MaxPatternRecords caps the regex fallback.
	MaxPatternRecords int
	// Currency prefixes formatted prices.
	Currency string
	// CanonicalHost, when set, replaces the host of every product link.
	CanonicalHost string
}

// Engine extracts records from payloads.
type Engine struct {
	cfg        Config
	categorize Categorizer
	lg         *zap.Logger
	now        func() time.Time
}

// New creates an Engine. categorize may be nil.
func New(cfg Config, categorize Categorizer, lg *zap.Logger) *Engine {
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 50
	}
	if cfg.MaxPatternRecords <= 0 {
		cfg.MaxPatternRecords = 30
	}
	return &Engine{
		cfg:        cfg,
		categorize: categorize,
		lg:         lg,
		now:        time.Now,
	}
}

// source is the per-invocation view of a payload shared by all methods.
type source struct {
	body []byte
	base *url.URL
	doc  *goquery.Document
	// parsed records whether doc parsing was attempted.
	parsed bool
}

func (s *source) document() *goquery.Document {
	if !s.parsed {
		s.parsed = true
		root, err := html.Parse(bytes.NewReader(s.body))
		if err == nil {
			s.doc = goquery.NewDocumentFromNode(root)
		}
	}
	return s.doc
}

// emitFunc receives raw candidates; returning false stops the method.
type emitFunc func(b product.Builder) bool

type method struct {
	name  string
	limit int
	run   func(src *source, emit emitFunc)
}

func (e *Engine) methods() []method {
	return []method{
		{name: MethodStructured, limit: e.cfg.MaxRecords, run: e.structured},
		{name: MethodMarkup, limit: e.cfg.MaxRecords, run: e.markup},
		{name: MethodScript, limit: e.cfg.MaxRecords, run: e.script},
		{name: MethodPattern, limit: e.cfg.MaxPatternRecords, run: e.pattern},
	}
}

// Extract returns a lazy, finite sequence of records recovered from p.
// Iterating it again re-runs the extraction.
func (e *Engine) Extract(p *fetch.Payload) iter.Seq[product.Record] {
	return func(yield func(product.Record) bool) {
		if p == nil || len(bytes.TrimSpace(p.Body)) == 0 {
			return
		}
		src := &source{body: p.Body, base: p.URL}
		observedAt := e.now()

		for _, m := range e.methods() {
			n, stopped := e.runMethod(m, src, observedAt, yield)
			if stopped {
				return
			}
			if n > 0 {
				e.lg.Debug("Extracted records",
					zap.String("target", p.Target),
					zap.String("method", m.name),
					zap.Int("count", n),
				)
				return
			}
		}
		e.lg.Info("No records extracted",
			zap.String("target", p.Target),
			zap.String("strategy", p.Strategy),
			zap.Int("bytes", len(p.Body)),
		)
	}
}

// runMethod drives one method, normalizing, de-duplicating and capping its
// candidates. It reports how many records were yielded and whether the
// consumer stopped early.
func (e *Engine) runMethod(m method, src *source, observedAt time.Time, yield func(product.Record) bool) (n int, stopped bool) {
	seen := make(map[string]struct{})
	skipped := 0

	emit := func(b product.Builder) bool {
		b.Base = src.base
		b.Currency = e.cfg.Currency
		b.Host = e.cfg.CanonicalHost

		rec, err := b.Build(observedAt)
		if err != nil {
			skipped++
			return true
		}
		if _, dup := seen[rec.ID]; dup {
			return true
		}
		seen[rec.ID] = struct{}{}
		if e.categorize != nil {
			e.categorize.Apply(&rec)
		}

		n++
		if !yield(rec) {
			stopped = true
			return false
		}
		return n < m.limit
	}

	m.run(src, emit)

	if skipped > 0 {
		e.lg.Debug("Skipped elements", zap.String("method", m.name), zap.Int("count", skipped))
	}
	return n, stopped
}

// guard runs fn and converts a panic into a skipped element.
func guard(fn func()) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	fn()
	return true
}
