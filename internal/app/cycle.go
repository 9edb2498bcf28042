package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"secposter/internal/audit"
	"secposter/internal/config"
	"secposter/internal/delivery"
	"secposter/internal/detect"
	"secposter/internal/eventbus"
	"secposter/internal/report"
	"secposter/internal/transport"
	logx "secposter/pkg/logx"
)

// CycleResult summarizes one pass over every source.
type CycleResult struct {
	Plans  []detect.Plan
	Queued int
	Failed []string
}

// RunCycle detects new items in every source and hands them to the
// delivery queue. A failing source is logged and does not stop the others;
// its revision pointer stays put so the next cycle retries the same delta.
func (a *App) RunCycle(ctx context.Context) (CycleResult, error) {
	a.mu.RLock()
	sources := a.sources
	settings := a.settings
	a.mu.RUnlock()

	mode, err := detect.ParseMode(settings.Mode)
	if err != nil {
		return CycleResult{}, err
	}

	var (
		res  CycleResult
		errs []error
	)
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		log := a.log.With(logx.String("source", src.cfg.Name))
		log.Info("processing source", logx.String("mode", string(mode)))

		queued := 0
		plan, err := src.detector.Detect(ctx, mode, func(ctx context.Context, cands []detect.Candidate) error {
			n, err := a.handoff(ctx, src, cands)
			queued = n
			return err
		})
		if err != nil {
			log.Error("source cycle failed; pointer kept", logx.Err(err))
			res.Failed = append(res.Failed, src.cfg.Name)
			errs = append(errs, err)
			continue
		}
		if plan.Delivered > 0 {
			a.rep.RecordSkip(plan.Delivered)
		}
		res.Plans = append(res.Plans, plan)
		res.Queued += queued
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleDone, Data: plan})
		log.Info("source processed",
			logx.Int("candidates", len(plan.Candidates)),
			logx.Int("queued", queued),
			logx.Int("already_delivered", plan.Delivered),
			logx.Int("ignored", plan.Ignored),
			logx.Bool("bootstrap", plan.Bootstrap),
		)
	}
	return res, errors.Join(errs...)
}

// handoff formats each candidate and enqueues everything that should be
// sent. Navigation pages are recorded as delivered without being sent.
func (a *App) handoff(ctx context.Context, src *sourceRuntime, cands []detect.Candidate) (int, error) {
	a.mu.RLock()
	formatter := a.formatter
	dryRun := a.settings.DryRun
	a.mu.RUnlock()

	tasks := make([]delivery.Task, 0, len(cands))
	skipped := 0
	for _, c := range cands {
		doc := formatter.Format(c.RelPath, c.AbsPath)
		if doc.Skip {
			a.log.Info("navigation page skipped", logx.String("key", c.Key), logx.String("title", doc.Title))
			if !dryRun {
				if err := a.store.MarkDelivered(ctx, c.Key); err != nil {
					return 0, fmt.Errorf("record skipped %s: %w", c.Key, err)
				}
			}
			skipped++
			continue
		}
		tasks = append(tasks, delivery.Task{
			Key:    c.Key,
			Source: c.Source,
			Payload: transport.Payload{
				Key:         c.Key,
				Target:      transport.ChatTarget{ChatID: src.cfg.ChatID, ThreadID: src.cfg.ThreadID},
				Title:       doc.Title,
				Body:        doc.Body,
				Tags:        doc.Tags,
				Attachments: doc.Attachments,
			},
		})
	}
	if len(tasks) > 0 {
		if err := a.queue.Enqueue(ctx, tasks...); err != nil {
			return 0, err
		}
	}
	if skipped > 0 {
		a.rep.RecordSkip(skipped)
	}
	return len(tasks), nil
}

// Settle waits until every queued task reached a terminal outcome and that
// outcome has been recorded.
func (a *App) Settle(ctx context.Context) error {
	if err := a.queue.WaitIdle(ctx); err != nil {
		return err
	}
	return a.recorder.WaitHandled(ctx, a.queue.Emitted())
}

// Audit lists the orphans of every usable source and stores them in the
// run report.
func (a *App) Audit(ctx context.Context) (audit.Result, error) {
	a.mu.RLock()
	cfg := a.cfg
	sources := a.sources
	a.mu.RUnlock()

	auditor, err := audit.New(auditGroupPattern(cfg), a.store, a.log.With(logx.String("comp", "audit")))
	if err != nil {
		return audit.Result{}, err
	}
	in := make([]audit.Source, 0, len(sources))
	for _, s := range sources {
		in = append(in, audit.Source{Name: s.cfg.Name, Inventory: s.repo, Filter: s.detector.Filter()})
	}
	res, err := auditor.Audit(ctx, in)
	a.rep.SetOrphans(res.Scanned, res.Orphans)
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeAuditDone, Data: res})
	return res, err
}

// Report returns the current run summary.
func (a *App) Report() report.Summary { return a.rep.Snapshot() }

// writeReport runs the audit when enabled and renders the report files.
func (a *App) writeReport(ctx context.Context) error {
	a.mu.RLock()
	cfg := a.cfg
	a.mu.RUnlock()

	if cfg.Audit.Enabled {
		if _, err := a.Audit(ctx); err != nil {
			a.log.Warn("audit incomplete", logx.Err(err))
		}
	}
	md := strings.TrimSpace(cfg.Report.Path)
	if md == "" {
		md = config.DefaultReportPath
	}
	perGroup := cfg.Audit.MaxPerGroup
	if perGroup <= 0 {
		perGroup = report.DefaultMaxPerGroup
	}
	s := a.rep.Snapshot()
	if err := report.WriteFiles(s, md, strings.TrimSpace(cfg.Report.JSONPath), perGroup); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	a.log.Info("report written",
		logx.String("path", md),
		logx.Int("success", s.Success),
		logx.Int("failed", s.Failed),
		logx.Int("skipped", s.Skipped),
		logx.Int("orphans", s.OrphanCount()),
	)
	return nil
}
