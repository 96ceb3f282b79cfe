package alert

import (
	"context"
	"text/template"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// StartupInfo describes the running service in the startup message.
type StartupInfo struct {
	Tracking string
	Targets  int
	Interval time.Duration
	Version  string
}

// Summary is the periodic status report.
type Summary struct {
	TotalTracked  int
	NewToday      int64
	RestocksToday int64
	AlertsSent    int64
	LastCheck     time.Time
}

// SendStartup announces that monitoring has started.
func (d *Dispatcher) SendStartup(ctx context.Context, info StartupInfo) error {
	return d.sendService(ctx, "startup", d.tmpl.startup, struct {
		StartupInfo
		Name string
	}{info, d.cfg.Name})
}

// SendSummary posts the periodic status report.
func (d *Dispatcher) SendSummary(ctx context.Context, s Summary) error {
	return d.sendService(ctx, "summary", d.tmpl.summary, struct {
		Summary
		Name string
		Time time.Time
	}{s, d.cfg.Name, d.now()})
}

// SendShutdown announces that monitoring has stopped.
func (d *Dispatcher) SendShutdown(ctx context.Context) error {
	return d.sendService(ctx, "shutdown", d.tmpl.shutdown, struct {
		Name string
		Time time.Time
	}{d.cfg.Name, d.now()})
}

func (d *Dispatcher) sendService(ctx context.Context, kind string, t *template.Template, data any) error {
	body, err := render(t, data)
	if err != nil {
		return err
	}
	attempts, err := d.sendText(ctx, body)
	if err != nil {
		return errors.Wrapf(err, "send %s message after %d attempts", kind, attempts)
	}
	d.lg.Debug("Service message sent", zap.String("kind", kind))
	return nil
}
