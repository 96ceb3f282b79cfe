package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/stockwatch/internal/alert"
	"github.com/xenking/stockwatch/internal/archive"
	"github.com/xenking/stockwatch/internal/classify"
	"github.com/xenking/stockwatch/internal/domain/product"
	"github.com/xenking/stockwatch/internal/extract"
	"github.com/xenking/stockwatch/internal/fetch"
	"github.com/xenking/stockwatch/internal/monitor"
	"github.com/xenking/stockwatch/internal/storage/postgres"
	"github.com/xenking/stockwatch/internal/telegram"
	"github.com/xenking/stockwatch/internal/tracker"
	"github.com/xenking/stockwatch/pkg/health"
	"github.com/xenking/stockwatch/pkg/httpmiddleware"
)

// Run builds every component, sends the startup message, runs the poll loop
// and the health server until ctx is cancelled, then announces shutdown. It is
// the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	targets, err := cfg.ParseTargets()
	if err != nil {
		return err
	}
	loc := cfg.Location()
	meter := m.MeterProvider().Meter("stockwatch")
	httpOpts := []otelhttp.Option{
		otelhttp.WithMeterProvider(m.MeterProvider()),
		otelhttp.WithTracerProvider(m.TracerProvider()),
	}
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.Int("targets", len(targets)),
		zap.Strings("categories", cfg.Monitor.Categories),
	)

	classifier, err := newClassifier(cfg.Classify)
	if err != nil {
		return errors.Wrap(err, "create classifier")
	}
	extractor := extract.New(extract.Config{
		MaxRecords:    cfg.Extract.MaxRecords,
		Currency:      cfg.Extract.Currency,
		CanonicalHost: cfg.Extract.CanonicalHost,
	}, classifier, lg.Named("extract"))

	// Tracked state, optionally backed by PostgreSQL.
	storeOpts := []tracker.Option{tracker.WithEviction(tracker.MaxAge(cfg.Tracker.MaxAge))}
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		if pool, err = postgres.NewPool(ctx, cfg.DatabaseURL); err != nil {
			return errors.Wrap(err, "create db pool")
		}
		defer pool.Close()
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			return errors.Wrap(err, "run migrations")
		}
		storeOpts = append(storeOpts, tracker.WithPersister(postgres.NewTrackedRepository(pool)))
	}
	store := tracker.NewStore(lg.Named("tracker"), storeOpts...)
	if pool != nil {
		n, err := store.Load(ctx)
		if err != nil {
			return errors.Wrap(err, "load tracked products")
		}
		lg.Info("Loaded tracked products", zap.Int("count", n))
	}

	// Telegram.
	tg, err := telegram.NewClient(telegram.Config{
		Token:          cfg.Telegram.Token,
		BaseURL:        cfg.Telegram.BaseURL,
		SendsPerMinute: cfg.Telegram.SendsPerMinute,
	}, telegram.NewHTTPClient(cfg.Telegram.Timeout, httpOpts...), lg.Named("telegram"))
	if err != nil {
		return errors.Wrap(err, "create telegram client")
	}
	tg.StartCleanup(ctx)
	switch me, err := tg.GetMe(ctx); {
	case errors.Is(err, telegram.ErrUnauthorized):
		return errors.Wrap(err, "telegram bot token rejected")
	case err != nil:
		lg.Warn("Telegram check failed, continuing", zap.Error(err))
	default:
		lg.Info("Telegram bot ready", zap.String("username", me.Username))
	}

	stats := monitor.NewStats(loc)
	dispatcher, err := alert.New(alert.Config{
		ChatID:       cfg.Telegram.ChatID,
		Name:         cfg.Alert.Name,
		Retries:      cfg.Alert.Retries,
		RetryBackoff: cfg.Alert.RetryBackoff,
		MaxRetryWait: cfg.Alert.MaxRetryWait,
		DeepLink:     cfg.Alert.DeepLink,
		Location:     loc,
	}, tg, stats, lg.Named("alert"), alert.WithMeter(meter))
	if err != nil {
		return errors.Wrap(err, "create dispatcher")
	}

	// One fetch engine per target so backoff state never leaks across them.
	strategies, err := fetch.StrategiesByName(cfg.Fetch.Strategies, cfg.Fetch.Filter())
	if err != nil {
		return errors.Wrap(err, "fetch strategies")
	}
	catalogClient := fetch.NewHTTPClient(cfg.Fetch.RequestTimeout, httpOpts...)
	sources := make([]monitor.Source, 0, len(targets))
	for _, t := range targets {
		engine, err := fetch.NewEngine(fetchConfig(cfg.Fetch, strategies), catalogClient,
			lg.Named("fetch").With(zap.String("target", t.Name)),
			fetch.WithMeter(meter),
		)
		if err != nil {
			return errors.Wrapf(err, "create fetch engine for %q", t.Name)
		}
		sources = append(sources, monitor.Source{Target: t, Fetcher: engine})
	}

	monitorOpts := []monitor.Option{
		monitor.WithClassifier(classifier),
		monitor.WithSummarizer(dispatcher),
		monitor.WithStats(stats),
		monitor.WithTracer(m.TracerProvider().Tracer("stockwatch")),
	}
	if cfg.Monitor.Details {
		detailCfg := fetchConfig(cfg.Fetch, []fetch.Strategy{fetch.Rendered(), fetch.Mobile()})
		detailCfg.MaxAttempts = 1
		detailCfg.TransportRetries = 0
		details, err := fetch.NewEngine(detailCfg, catalogClient, lg.Named("fetch").With(zap.String("target", "details")),
			fetch.WithMeter(meter),
		)
		if err != nil {
			return errors.Wrap(err, "create detail engine")
		}
		monitorOpts = append(monitorOpts, monitor.WithDetails(details))
	}
	var archiver *archive.Writer
	if cfg.Archive.Dir != "" {
		if archiver, err = archive.NewWriter(cfg.Archive.Dir); err != nil {
			return errors.Wrap(err, "create archive")
		}
		monitorOpts = append(monitorOpts, monitor.WithArchiver(archiver))
	}

	categories := make([]product.Category, len(cfg.Monitor.Categories))
	for i, c := range cfg.Monitor.Categories {
		categories[i] = product.Category(strings.TrimSpace(c))
	}
	scheduler, err := monitor.New(monitor.Config{
		Interval:           cfg.Monitor.Interval,
		Jitter:             cfg.Monitor.Jitter,
		SummaryEvery:       cfg.Monitor.SummaryEvery,
		Monitored:          categories,
		BaselineFirstCycle: cfg.Monitor.Baseline,
	}, sources, extractor, store, dispatcher, lg.Named("monitor"), monitorOpts...)
	if err != nil {
		return errors.Wrap(err, "create scheduler")
	}

	// Health check service.
	healthSvc := health.New(health.WithStatus(func(e *jx.Encoder) {
		snap := stats.Snapshot()
		e.FieldStart("state")
		e.Str(scheduler.State().String())
		e.FieldStart("tracked")
		e.Int(store.Len())
		e.FieldStart("cycles")
		e.Int64(snap.Cycles)
		e.FieldStart("alerts_sent")
		e.Int64(snap.AlertsSent)
		e.FieldStart("new_today")
		e.Int64(snap.NewToday)
		e.FieldStart("restocks_today")
		e.Int64(snap.RestocksToday)
		if !snap.LastCheck.IsZero() {
			e.FieldStart("last_check")
			e.Str(snap.LastCheck.In(loc).Format(time.RFC3339))
		}
	}))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddReadinessCheck("poll", time.Second, health.FreshnessCheck(scheduler.LastCycle, cfg.Monitor.StaleAfter, nil))
	if pool != nil {
		healthSvc.AddReadinessCheck("postgres", 5*time.Second, func(ctx context.Context) error {
			return pool.Ping(ctx)
		})
	}
	healthSvc.Start(ctx, 10*time.Second)

	instrument, err := httpmiddleware.Instrument("stockwatch.health", m.MeterProvider())
	if err != nil {
		return errors.Wrap(err, "instrument health server")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.HandleFunc("/health", healthSvc.StatusEndpoint)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Recovery(),
			httpmiddleware.RequestID(),
			instrument,
			httpmiddleware.LogRequests(),
		),
	}

	if err := dispatcher.SendStartup(ctx, alert.StartupInfo{
		Tracking: strings.Join(cfg.Monitor.Categories, ", "),
		Targets:  len(sources),
		Interval: cfg.Monitor.Interval,
		Version:  cfg.Version,
	}); err != nil {
		lg.Warn("Failed to send startup message", zap.Error(err))
	}
	healthSvc.SetReady(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		lg.Info("Health server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "health server")
		}
		return nil
	})
	// Graceful shutdown: wait for cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()
		lg.Info("Shutting down health server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Health server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})
	if archiver != nil {
		g.Go(func() error {
			pruneArchives(gctx, lg, cfg.Archive)
			return nil
		})
	}

	runErr := g.Wait()

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := dispatcher.SendShutdown(notifyCtx); err != nil {
		lg.Warn("Failed to send shutdown message", zap.Error(err))
	}
	return runErr
}

func newClassifier(cfg ClassifyConfig) (*classify.Classifier, error) {
	c := classify.Config{
		Priority:         product.Category(cfg.Priority),
		PriorityKeywords: cfg.PriorityKeywords,
		Other:            product.Category(cfg.Other),
		OtherKeywords:    cfg.OtherKeywords,
		Default:          product.Category(cfg.Default),
	}
	if len(c.PriorityKeywords) == 0 {
		c.PriorityKeywords = classify.DefaultPriorityKeywords
	}
	if len(c.OtherKeywords) == 0 {
		c.OtherKeywords = classify.DefaultOtherKeywords
	}
	return classify.New(c)
}

func fetchConfig(cfg FetchConfig, strategies []fetch.Strategy) fetch.Config {
	return fetch.Config{
		Strategies:       strategies,
		Cookies:          cfg.Cookies,
		Proxies:          cfg.Proxies,
		MinSpacing:       cfg.MinSpacing,
		DelayMin:         cfg.DelayMin,
		DelayMax:         cfg.DelayMax,
		CooldownMin:      cfg.CooldownMin,
		CooldownMax:      cfg.CooldownMax,
		CooldownCap:      cfg.CooldownCap,
		MaxAttempts:      cfg.MaxAttempts,
		TransportRetries: cfg.TransportRetries,
		BackoffBase:      cfg.BackoffBase,
		RequestTimeout:   cfg.RequestTimeout,
		ExpectedMarkers:  cfg.ExpectedMarkers,
	}
}

// pruneArchives removes old payload archives hourly until ctx is done.
func pruneArchives(ctx context.Context, lg *zap.Logger, cfg ArchiveConfig) {
	if cfg.MaxAge <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := archive.Prune(cfg.Dir, cfg.MaxAge, time.Now())
		switch {
		case err != nil:
			lg.Warn("Failed to prune archives", zap.Error(err))
		case n > 0:
			lg.Info("Pruned archives", zap.Int("count", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
