package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	logx "secposter/pkg/logx"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Runner fires a job on a parsed schedule.
type Runner struct {
	spec  Spec
	sched cron.Schedule
	loc   *time.Location
	log   logx.Logger
}

func NewRunner(spec Spec, loc *time.Location, log logx.Logger) (*Runner, error) {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	var sched cron.Schedule
	switch spec.Kind {
	case KindCron:
		s, err := parser.Parse(spec.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule: %w", err)
		}
		sched = s
	default:
		if spec.Every <= 0 {
			return nil, fmt.Errorf("schedule: interval must be > 0")
		}
		sched = cron.Every(spec.Every)
	}
	return &Runner{spec: spec, sched: sched, loc: loc, log: log}, nil
}

func (r *Runner) Spec() Spec { return r.spec }

// Next reports the first activation after t.
func (r *Runner) Next(t time.Time) time.Time { return r.sched.Next(t.In(r.loc)) }

// Run blocks until ctx is done, calling job on every activation. A tick that
// arrives while job is still running is skipped. On return no job is running.
func (r *Runner) Run(ctx context.Context, job func(ctx context.Context)) {
	clog := cronLogger{log: r.log}
	c := cron.New(
		cron.WithLocation(r.loc),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	c.Schedule(r.sched, cron.FuncJob(func() { job(ctx) }))
	c.Start()
	r.log.Info("loop scheduled", logx.String("schedule", r.spec.String()), logx.Time("next", r.Next(time.Now())))

	<-ctx.Done()
	<-c.Stop().Done()
}

// cronLogger routes robfig/cron's logr-style calls to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
