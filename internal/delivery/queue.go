package delivery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"secposter/internal/eventbus"
	rtsup "secposter/internal/runtime/supervisor"
	"secposter/internal/transport"
	logx "secposter/pkg/logx"
)

// Queue is a multi-producer, single-consumer delivery queue.
//
// It is safe for concurrent use.
type Queue struct {
	cfg     Config
	sender  transport.Sender
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	items     []Task
	inflight  int
	accepting bool
	closing   bool
	wake      chan struct{}
	idle      chan struct{} // closed when the queue drains; nil when nobody waits
	emitted   uint64

	outcomes  chan Outcome
	sup       *rtsup.Supervisor
	done      chan struct{}
	closeOnce sync.Once
}

type Option func(*Queue)

// WithSleep replaces the backoff wait (tests use it to observe delays).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(q *Queue) { q.sleep = fn }
}

func WithBus(bus eventbus.Bus) Option {
	return func(q *Queue) { q.bus = bus }
}

func New(cfg Config, sender transport.Sender, log logx.Logger, opts ...Option) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	q := &Queue{
		cfg:      cfg,
		sender:   sender,
		log:      log,
		sleep:    sleepCtx,
		wake:     make(chan struct{}, 1),
		outcomes: make(chan Outcome, cfg.OutcomeBuffer),
		done:     make(chan struct{}),
	}
	if cfg.Spacing > 0 {
		q.limiter = rate.NewLimiter(rate.Every(cfg.Spacing), 1)
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *Queue) Config() Config { return q.cfg }

// Outcomes yields one value per finished task. It is closed once the
// consumer has exited after Stop.
func (q *Queue) Outcomes() <-chan Outcome { return q.outcomes }

// Start runs the consumer. It is a no-op when already started.
func (q *Queue) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	if q.sup != nil || q.closing {
		q.mu.Unlock()
		return
	}
	q.accepting = true
	q.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(q.log.With(logx.String("comp", "delivery"))),
		rtsup.WithCancelOnError(false),
	)
	sup := q.sup
	q.mu.Unlock()

	sup.Go0("delivery.consumer", func(c context.Context) {
		defer q.shutdown()
		q.consume(c)
	})
}

// Enqueue appends tasks at the back of the queue.
func (q *Queue) Enqueue(ctx context.Context, tasks ...Task) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	q.mu.Lock()
	if !q.accepting {
		q.mu.Unlock()
		return ErrStopped
	}
	q.items = append(q.items, tasks...)
	depth := len(q.items)
	q.mu.Unlock()
	q.signal()

	now := time.Now()
	for _, t := range tasks {
		q.log.Info("queued", logx.String("key", t.Key), logx.String("title", t.Payload.Title), logx.Int("depth", depth))
		q.publish(EventQueued, Event{Key: t.Key, Source: t.Source, Attempt: t.Attempt, Depth: depth, At: now})
	}
	return nil
}

// Len reports queued plus in-flight tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + q.inflight
}

// WaitIdle blocks until nothing is queued or in flight.
func (q *Queue) WaitIdle(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.items) == 0 && q.inflight == 0 {
			q.mu.Unlock()
			return nil
		}
		if q.idle == nil {
			q.idle = make(chan struct{})
		}
		ch := q.idle
		q.mu.Unlock()

		select {
		case <-ch:
		case <-q.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop stops intake and lets the consumer drain every queued task to a
// terminal outcome. When ctx expires first the consumer is cancelled and the
// remaining tasks are reported as Abandoned.
func (q *Queue) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	sup := q.sup
	q.accepting = false
	q.closing = true
	q.mu.Unlock()
	if sup == nil {
		q.shutdown()
		return nil
	}
	q.signal()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		q.log.Warn("drain deadline reached; cancelling delivery", logx.Int("remaining", q.Len()))
		sup.Cancel()
		<-q.done
		return ctx.Err()
	}
}

func (q *Queue) consume(ctx context.Context) {
	for {
		t, ok := q.next(ctx)
		if !ok {
			break
		}
		q.process(ctx, t)
	}

	// Only reached with work left when the consumer was cancelled.
	q.mu.Lock()
	left := q.items
	q.items = nil
	q.mu.Unlock()
	for _, t := range left {
		q.finish(Abandoned, t, "queue stopped before delivery")
	}
	q.mu.Lock()
	q.releaseIdleLocked()
	q.mu.Unlock()
}

func (q *Queue) next(ctx context.Context) (Task, bool) {
	for {
		q.mu.Lock()
		if ctx.Err() != nil {
			q.mu.Unlock()
			return Task{}, false
		}
		if len(q.items) > 0 {
			t := q.items[0]
			q.items[0] = Task{}
			q.items = q.items[1:]
			q.inflight++
			q.mu.Unlock()
			return t, true
		}
		if q.closing {
			q.mu.Unlock()
			return Task{}, false
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return Task{}, false
		}
	}
}

func (q *Queue) process(ctx context.Context, t Task) {
	defer func() {
		q.mu.Lock()
		q.inflight--
		q.releaseIdleLocked()
		q.mu.Unlock()
	}()

	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			q.finish(Abandoned, t, "queue stopped before delivery")
			return
		}
	}

	res := q.sender.Send(ctx, t.Payload)
	switch res.Status {
	case transport.StatusSuccess:
		q.finish(Delivered, t, "")
	case transport.StatusFatal:
		q.finish(Rejected, t, res.Reason)
	default:
		if t.Attempt >= q.cfg.MaxRetries {
			q.finish(Exhausted, t, res.Reason)
			return
		}
		delay := q.cfg.Backoff(t.Attempt)
		if res.RetryAfter > delay {
			delay = res.RetryAfter
		}
		q.log.Warn("send failed, will retry",
			logx.String("key", t.Key),
			logx.String("reason", res.Reason),
			logx.Int("attempt", t.Attempt+1),
			logx.Int("max_retries", q.cfg.MaxRetries),
			logx.Duration("delay", delay),
		)
		q.publish(EventRetry, Event{Key: t.Key, Source: t.Source, Attempt: t.Attempt + 1, Delay: delay, Reason: res.Reason, At: time.Now()})
		if err := q.sleep(ctx, delay); err != nil {
			q.finish(Abandoned, t, "queue stopped during backoff: "+res.Reason)
			return
		}
		t.Attempt++
		q.mu.Lock()
		q.items = append(q.items, t)
		q.mu.Unlock()
	}
}

func (q *Queue) finish(kind OutcomeKind, t Task, reason string) {
	o := Outcome{Kind: kind, Task: t, Attempts: t.Attempt + 1, Reason: reason, At: time.Now()}
	if kind == Abandoned {
		o.Attempts = t.Attempt
	}
	ev := Event{Key: t.Key, Source: t.Source, Attempt: o.Attempts, Reason: reason, At: o.At}

	switch kind {
	case Delivered:
		q.log.Info("sent", logx.String("key", t.Key), logx.Int("attempts", o.Attempts))
		q.publish(EventSent, ev)
	case Rejected:
		q.log.Error("rejected by channel; not retrying", logx.String("key", t.Key), logx.String("reason", reason))
		q.publish(EventRejected, ev)
	case Exhausted:
		q.log.Error("retries exhausted; dropping task", logx.String("key", t.Key), logx.String("reason", reason), logx.Int("attempts", o.Attempts))
		q.publish(EventExhausted, ev)
	case Abandoned:
		q.log.Warn("task abandoned", logx.String("key", t.Key), logx.String("reason", reason))
		q.publish(EventAbandoned, ev)
	}
	q.mu.Lock()
	q.emitted++
	q.mu.Unlock()
	q.outcomes <- o
}

// Emitted is the number of outcomes produced so far.
func (q *Queue) Emitted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.emitted
}

func (q *Queue) shutdown() {
	q.closeOnce.Do(func() {
		close(q.outcomes)
		close(q.done)
	})
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) releaseIdleLocked() {
	if q.idle != nil && len(q.items) == 0 && q.inflight == 0 {
		close(q.idle)
		q.idle = nil
	}
}

func (q *Queue) publish(typ string, ev Event) {
	if q.bus == nil {
		return
	}
	if ev.Depth == 0 {
		ev.Depth = q.Len()
	}
	q.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
