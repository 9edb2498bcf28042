package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"secposter/internal/config"
	"secposter/internal/content"
	"secposter/internal/delivery"
	"secposter/internal/eventbus"
	"secposter/internal/observability/metrics"
	"secposter/internal/report"
	rtsup "secposter/internal/runtime/supervisor"
	"secposter/internal/storage"
	"secposter/internal/transport"
	"secposter/internal/transport/dryrun"
	"secposter/internal/transport/telegram"
	logx "secposter/pkg/logx"
)

// Options are command-line overrides and test hooks applied on top of the
// config file.
type Options struct {
	ConfigPath string
	// Mode overrides app.mode when set.
	Mode string
	Loop bool
	// DryRun sends through a logging sender and writes no state.
	DryRun bool

	// Getenv replaces os.Getenv for secret lookups.
	Getenv func(string) string
	// Sender replaces the Telegram sender.
	Sender transport.Sender
	// Sleep replaces the delivery backoff sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

type App struct {
	opts Options
	cfgm *config.ConfigManager

	root logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     storage.Store
	sender    transport.Sender
	queue     *delivery.Queue
	recorder  *delivery.Recorder
	rep       *report.Report
	metrics   *metrics.Metrics
	server    *metrics.Server
	recorded  chan struct{}
	sup       *rtsup.Supervisor
	startOnce sync.Once

	// mu guards the fields swapped on config reload.
	mu        sync.RWMutex
	cfg       *config.Config
	settings  *config.Settings
	sources   []*sourceRuntime
	formatter *content.Formatter
}

// New loads the config, opens the state store and builds every component.
// Nothing runs until Start.
func New(opts Options) (*App, error) {
	cfgm := config.NewConfigManager(opts.ConfigPath)
	cfg, err := cfgm.Parse()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	applyOverrides(cfg, opts)
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfgm.Commit(cfg)

	if opts.Getenv == nil {
		if err := config.LoadEnv(cfg.App.EnvFile); err != nil {
			return nil, err
		}
	}
	settings, err := config.Resolve(cfg, opts.Getenv)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	appLog := log.With(logx.String("comp", "app"))

	store, err := storage.Open(mapStorage(settings), log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	sender := opts.Sender
	switch {
	case sender != nil:
	case settings.DryRun:
		sender = dryrun.New(log.With(logx.String("comp", "dryrun")))
	default:
		tg, err := telegram.New(mapTelegram(settings), log.With(logx.String("comp", "telegram")))
		if err != nil {
			_ = store.Close()
			_ = logSvc.Close()
			return nil, err
		}
		sender = tg
	}

	formatter, err := content.New(mapContent(cfg), log.With(logx.String("comp", "content")))
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	m := metrics.New(bus)

	qopts := []delivery.Option{delivery.WithBus(bus)}
	if opts.Sleep != nil {
		qopts = append(qopts, delivery.WithSleep(opts.Sleep))
	}
	queue := delivery.New(mapDelivery(settings), sender, log.With(logx.String("comp", "delivery")), qopts...)
	rep := report.New(settings.DryRun)

	a := &App{
		opts:      opts,
		cfgm:      cfgm,
		root:      log,
		log:       appLog,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		sender:    sender,
		queue:     queue,
		recorder:  delivery.NewRecorder(store, rep, settings.DryRun, log.With(logx.String("comp", "recorder"))),
		rep:       rep,
		metrics:   m,
		server:    metrics.NewServer(mapMetricsServer(cfg, settings), m, log),
		recorded:  make(chan struct{}),
		cfg:       cfg,
		settings:  settings,
		formatter: formatter,
	}
	a.sources = buildSources(settings, store, log)
	if len(a.sources) == 0 {
		a.log.Warn("no usable sources; nothing will be detected")
	}
	return a, nil
}

func applyOverrides(cfg *config.Config, opts Options) {
	if strings.TrimSpace(opts.Mode) != "" {
		cfg.App.Mode = opts.Mode
	}
	cfg.App.Loop = cfg.App.Loop || opts.Loop
	cfg.App.DryRun = cfg.App.DryRun || opts.DryRun
}

// Store exposes the state store for operator commands.
func (a *App) Store() storage.Store { return a.store }

// Settings returns the resolved settings currently in effect.
func (a *App) Settings() *config.Settings {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.settings
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Start launches the delivery consumer, the outcome recorder and the
// metrics feed. The consumer runs detached from ctx so a shutdown signal
// drains the queue instead of dropping it; Stop bounds the drain.
func (a *App) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

		a.queue.Start(context.WithoutCancel(ctx))
		go func() {
			defer close(a.recorded)
			if err := a.recorder.Run(context.WithoutCancel(ctx), a.queue.Outcomes()); err != nil {
				a.log.Error("delivery records incomplete", logx.Err(err))
			}
		}()

		a.sup.Go0("metrics.feed", func(c context.Context) { a.metrics.Run(c, a.bus) })
		a.server.Start(a.sup.Context())
		a.sup.Go0("eventbus.log", func(c context.Context) {
			eventbus.Consume(c, a.bus, 128, func(e eventbus.Event) {
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			})
		})
		a.log.Info("app started",
			logx.Int("sources", len(a.sources)),
			logx.Bool("dry_run", a.settings.DryRun),
			logx.String("mode", a.settings.Mode),
		)
	})
}

// Stop drains the delivery queue within the configured drain timeout (or
// ctx, whichever ends first), writes the final report and releases every
// resource. Tasks still queued at the deadline are reported as abandoned.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notify(a.log, daemon.SdNotifyStopping)

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if limit > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("delivery", a.Settings().DrainTimeout, func(c context.Context) error {
		err := a.queue.Stop(c)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("drain deadline reached: %w", err)
		}
		return err
	})
	step("recorder", 0, func(c context.Context) error {
		if a.sup == nil {
			return nil
		}
		select {
		case <-a.recorded:
			return a.recorder.Err()
		case <-c.Done():
			return c.Err()
		}
	})
	step("report", 30*time.Second, func(c context.Context) error { return a.writeReport(c) })
	step("metrics", 2*time.Second, func(c context.Context) error { a.server.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if a.sup == nil {
			return nil
		}
		a.sup.Cancel()
		return a.sup.Wait(c)
	})
	step("storage", 0, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// notify sends an sd_notify state; outside systemd it is a no-op.
func notify(log logx.Logger, state string) {
	if os.Getenv("NOTIFY_SOCKET") == "" {
		return
	}
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}

// Close releases an app that was never started, without writing a report.
func (a *App) Close() error {
	_ = a.queue.Stop(context.Background())
	err := a.store.Close()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
