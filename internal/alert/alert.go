// Package alert renders product changes as chat notifications and delivers
// them, degrading from photo to text when the photo cannot be sent.
package alert

import (
	"context"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/xenking/stockwatch/internal/domain/product"
	"github.com/xenking/stockwatch/internal/telegram"
	"github.com/xenking/stockwatch/internal/tracker"
)

// ErrNoChange is returned for records observed as Unchanged.
var ErrNoChange = errors.New("record unchanged")

// Messenger delivers messages to a chat. *telegram.Client satisfies it.
type Messenger interface {
	SendText(ctx context.Context, chatID, text string) error
	SendPhoto(ctx context.Context, chatID, photoURL, caption string) error
}

// Recorder is notified of every delivered product alert.
type Recorder interface {
	RecordAlert(at time.Time)
}

// Config configures a Dispatcher.
type Config struct {
	ChatID string
	// Name heads service messages.
	Name string
	// Retries bounds text delivery attempts.
	Retries      int
	RetryBackoff time.Duration
	// MaxRetryWait caps server-requested back-off.
	MaxRetryWait time.Duration
	// DeepLink is prefixed to native ids to build the app link. Empty
	// disables app links.
	DeepLink string
	// Location renders timestamps; defaults to UTC.
	Location *time.Location
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "STOCKWATCH"
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.MaxRetryWait <= 0 {
		c.MaxRetryWait = time.Minute
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
}

// Result describes the outcome of one Dispatch.
type Result struct {
	Delivered bool
	// Photo is true when the alert went out as a photo with caption.
	Photo bool
	// Attempts counts text delivery attempts.
	Attempts int
	Err      error
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithSleep replaces the context-aware sleep between retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = sleep }
}

// WithMeter records delivery counters on m.
func WithMeter(m metric.Meter) Option {
	return func(d *Dispatcher) { d.meter = m }
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	cfg      Config
	msg      Messenger
	recorder Recorder
	tmpl     *templates
	lg       *zap.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	meter    metric.Meter

	delivered metric.Int64Counter
	failed    metric.Int64Counter
}

// New creates a Dispatcher. recorder may be nil.
func New(cfg Config, msg Messenger, recorder Recorder, lg *zap.Logger, opts ...Option) (*Dispatcher, error) {
	cfg.setDefaults()
	if cfg.ChatID == "" {
		return nil, errors.New("alert: empty chat id")
	}
	tmpl, err := parseTemplates(cfg.Location)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		cfg:      cfg,
		msg:      msg,
		recorder: recorder,
		tmpl:     tmpl,
		lg:       lg,
		now:      time.Now,
		sleep:    sleep,
		meter:    noop.NewMeterProvider().Meter(""),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.delivered, err = d.meter.Int64Counter("stockwatch.alerts.delivered",
		metric.WithDescription("Product alerts delivered")); err != nil {
		return nil, errors.Wrap(err, "create delivered counter")
	}
	if d.failed, err = d.meter.Int64Counter("stockwatch.alerts.failed",
		metric.WithDescription("Product alerts that could not be delivered")); err != nil {
		return nil, errors.Wrap(err, "create failed counter")
	}
	return d, nil
}

type productView struct {
	Emoji    string
	Label    string
	Name     string
	Price    string
	Category string
	Sizes    []sizeLine
	Total    int
	SoldOut  bool
	URL      string
	AppLink  string
	Time     time.Time
}

// Render returns the alert text for rec.
func (d *Dispatcher) Render(rec product.Record, kind tracker.ChangeKind) (string, error) {
	v := productView{
		Emoji:    "🔥",
		Label:    "🆕 NEW PRODUCT",
		Name:     rec.Name,
		Price:    rec.Price,
		Category: string(rec.Category),
		Sizes:    availableSizes(rec.Sizes),
		Total:    rec.Available(),
		SoldOut:  rec.OutOfStock(),
		URL:      rec.URL,
		Time:     d.now(),
	}
	if kind == tracker.Restocked {
		v.Emoji, v.Label = "⚡", "🔄 RESTOCK"
	}
	if d.cfg.DeepLink != "" && rec.NativeID != "" {
		v.AppLink = d.cfg.DeepLink + rec.NativeID
	}
	return render(d.tmpl.product, v)
}

// Dispatch renders and delivers one alert. A photo is attempted first when
// the record has an image and the caption fits; any photo failure falls back
// to text, which is retried. Failures are reported in the Result, never
// panicked or returned separately.
func (d *Dispatcher) Dispatch(ctx context.Context, rec product.Record, kind tracker.ChangeKind) Result {
	if kind == tracker.Unchanged {
		return Result{Err: ErrNoChange}
	}
	lg := d.lg.With(
		zap.String("id", rec.ID),
		zap.Stringer("kind", kind),
	)
	attr := metric.WithAttributes(attribute.String("kind", kind.String()))

	body, err := d.Render(rec, kind)
	if err != nil {
		d.failed.Add(ctx, 1, attr)
		return Result{Err: err}
	}

	if rec.ImageURL != "" && utf8.RuneCountInString(body) <= telegram.CaptionLimit {
		err := d.msg.SendPhoto(ctx, d.cfg.ChatID, rec.ImageURL, body)
		if err == nil {
			d.success(ctx, attr)
			lg.Info("Alert delivered", zap.String("channel", "photo"))
			return Result{Delivered: true, Photo: true}
		}
		lg.Info("Photo alert failed, falling back to text", zap.Error(err))
	}

	attempts, err := d.sendText(ctx, body)
	if err != nil {
		d.failed.Add(ctx, 1, attr)
		lg.Error("Alert not delivered", zap.Int("attempts", attempts), zap.Error(err))
		return Result{Attempts: attempts, Err: err}
	}
	d.success(ctx, attr)
	lg.Info("Alert delivered", zap.String("channel", "text"), zap.Int("attempts", attempts))
	return Result{Delivered: true, Attempts: attempts}
}

func (d *Dispatcher) success(ctx context.Context, attr metric.MeasurementOption) {
	d.delivered.Add(ctx, 1, attr)
	if d.recorder != nil {
		d.recorder.RecordAlert(d.now())
	}
}

// sendText delivers body with bounded retries and returns the number of
// attempts made.
func (d *Dispatcher) sendText(ctx context.Context, body string) (int, error) {
	var err error
	for attempt := 1; attempt <= d.cfg.Retries; attempt++ {
		if err = d.msg.SendText(ctx, d.cfg.ChatID, body); err == nil {
			return attempt, nil
		}
		if permanent(err) || attempt == d.cfg.Retries {
			return attempt, err
		}

		wait := d.cfg.RetryBackoff << (attempt - 1)
		var apiErr *telegram.APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			wait = apiErr.RetryAfter
		}
		wait = min(wait, d.cfg.MaxRetryWait)
		if serr := d.sleep(ctx, wait); serr != nil {
			return attempt, errors.Wrap(err, "retry interrupted")
		}
	}
	return d.cfg.Retries, err
}

// permanent reports errors retrying cannot fix: rejected credentials and
// malformed requests.
func permanent(err error) bool {
	if errors.Is(err, telegram.ErrUnauthorized) {
		return true
	}
	var apiErr *telegram.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code >= http.StatusBadRequest &&
			apiErr.Code < http.StatusInternalServerError &&
			apiErr.Code != http.StatusTooManyRequests
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
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
