package app

import (
	"context"
	"errors"
	"strings"

	"github.com/coreos/go-systemd/v22/daemon"

	"secposter/internal/config"
	"secposter/internal/content"
	"secposter/internal/eventbus"
	"secposter/internal/schedule"
	logx "secposter/pkg/logx"
)

// Run executes one cycle (or, in loop mode, a cycle per schedule tick until
// ctx is done) and then stops the app.
func (a *App) Run(ctx context.Context) error {
	a.Start(ctx)

	var runErr error
	if a.Settings().Loop {
		runErr = a.loop(ctx)
	} else {
		runErr = a.once(ctx)
	}

	reason := StopCompleted
	if ctx.Err() != nil {
		reason = StopSignal
	} else if a.sup != nil && a.sup.Err() != nil {
		reason = StopFatalError
	}
	return errors.Join(runErr, a.Stop(context.Background(), reason))
}

func (a *App) once(ctx context.Context) error {
	_, err := a.RunCycle(ctx)
	a.log.Info("waiting for the delivery queue to drain", logx.Int("pending", a.queue.Len()))
	if serr := a.Settle(ctx); serr != nil && ctx.Err() == nil {
		err = errors.Join(err, serr)
	}
	return err
}

func (a *App) loop(ctx context.Context) error {
	settings := a.Settings()
	spec, err := schedule.Parse(settings.Interval)
	if err != nil {
		return err
	}
	runner, err := schedule.NewRunner(spec, settings.Location, a.log.With(logx.String("comp", "schedule")))
	if err != nil {
		return err
	}

	a.watchConfig()
	notify(a.log, daemon.SdNotifyReady)

	cycle := func(c context.Context) {
		if _, err := a.RunCycle(c); err != nil {
			a.log.Warn("cycle finished with errors", logx.Err(err))
		}
		if err := a.Settle(c); err != nil {
			return
		}
		if err := a.writeReport(c); err != nil {
			a.log.Warn("report not written", logx.Err(err))
		}
	}
	cycle(ctx)
	runner.Run(ctx, cycle)
	return nil
}

// watchConfig reloads the config file while looping. Source lists, skip
// patterns, content rules, logging and the metrics endpoint take effect at
// the next cycle; storage, delivery and telegram changes need a restart.
func (a *App) watchConfig() {
	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		c := *cfg
		applyOverrides(&c, a.opts)
		return config.Validate(&c)
	})

	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, cfg)
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
}

func (a *App) applyConfig(ctx context.Context, raw *config.Config) {
	a.mu.RLock()
	old := a.cfg
	oldSettings := a.settings
	a.mu.RUnlock()

	cfg := *raw
	applyOverrides(&cfg, a.opts)
	// The sender and recorder are fixed for the life of the process.
	cfg.App.DryRun = oldSettings.DryRun

	settings, err := config.Resolve(&cfg, a.opts.Getenv)
	if err != nil {
		a.log.Warn("config reload not applied; keeping previous", logx.Err(err))
		return
	}
	formatter, err := content.New(mapContent(&cfg), a.root.With(logx.String("comp", "content")))
	if err != nil {
		a.log.Warn("config reload not applied; keeping previous", logx.Err(err))
		return
	}

	sections, attrs, changedSources := config.SummarizeConfigChange(old, &cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "storage", "delivery", "telegram":
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}
	if cfg.App.Interval != old.App.Interval || cfg.App.Loop != old.App.Loop {
		a.log.Warn("loop schedule changed; restart required for it to take effect")
	}
	// Keep what cannot change live.
	settings.Token = oldSettings.Token
	settings.DrainTimeout = oldSettings.DrainTimeout
	settings.Loop = oldSettings.Loop
	settings.Interval = oldSettings.Interval

	sources := buildSources(settings, a.store, a.root)

	a.logs.Apply(mapLogging(&cfg))
	a.server.Reconfigure(ctx, mapMetricsServer(&cfg, settings))

	a.mu.Lock()
	a.cfg = &cfg
	a.settings = settings
	a.sources = sources
	a.formatter = formatter
	a.mu.Unlock()

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: sections})
	fields := append([]logx.Field{
		logx.String("changed", strings.Join(sections, ",")),
		logx.Strings("sources_changed", changedSources),
	}, attrs...)
	a.log.Info("config reloaded", fields...)
}
