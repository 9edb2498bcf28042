package delivery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secposter/internal/eventbus"
	"secposter/internal/transport"
	logx "secposter/pkg/logx"
)

// scriptSender replays per-key results; once a script runs out it succeeds.
type scriptSender struct {
	mu     sync.Mutex
	script map[string][]transport.Result
	calls  []string
}

func (s *scriptSender) Send(_ context.Context, p transport.Payload) transport.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, p.Key)
	rs := s.script[p.Key]
	if len(rs) == 0 {
		return transport.Success()
	}
	s.script[p.Key] = rs[1:]
	return rs[0]
}

func (s *scriptSender) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type delayLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (d *delayLog) sleep(ctx context.Context, dur time.Duration) error {
	d.mu.Lock()
	d.delays = append(d.delays, dur)
	d.mu.Unlock()
	return ctx.Err()
}

func (d *delayLog) get() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Duration(nil), d.delays...)
}

type memMarker struct {
	mu   sync.Mutex
	keys map[string]int
	err  error
}

func (m *memMarker) MarkDelivered(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.keys == nil {
		m.keys = map[string]int{}
	}
	m.keys[key]++
	return nil
}

type memTally struct {
	mu       sync.Mutex
	success  []string
	failures map[string]string
}

func (t *memTally) RecordSuccess(key string) {
	t.mu.Lock()
	t.success = append(t.success, key)
	t.mu.Unlock()
}

func (t *memTally) RecordFailure(key, reason string) {
	t.mu.Lock()
	if t.failures == nil {
		t.failures = map[string]string{}
	}
	t.failures[key] = reason
	t.mu.Unlock()
}

func task(key string) Task {
	return Task{Key: key, Source: "src", Payload: transport.Payload{Key: key, Title: key}}
}

func testConfig() Config {
	return Config{MaxRetries: 5, BaseDelay: 2 * time.Second, BackoffFactor: 2, Spacing: -1}
}

func drain(t *testing.T, q *Queue) []Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Stop(ctx))
	var out []Outcome
	for o := range q.Outcomes() {
		out = append(out, o)
	}
	return out
}

func TestConfig_Backoff(t *testing.T) {
	cfg := DefaultConfig().withDefaults()
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}
	for attempt, d := range want {
		assert.Equal(t, d, cfg.Backoff(attempt), "attempt %d", attempt)
	}

	cfg.MaxDelay = 10 * time.Second
	assert.Equal(t, 10*time.Second, cfg.Backoff(4))
}

func TestConfig_BackoffSaturates(t *testing.T) {
	cfg := DefaultConfig().withDefaults()
	assert.Equal(t, time.Duration(math.MaxInt64), cfg.Backoff(200))

	cfg.MaxDelay = time.Minute
	assert.Equal(t, time.Minute, cfg.Backoff(200))
}

func TestQueue_RetryExhaustion(t *testing.T) {
	sender := &scriptSender{script: map[string][]transport.Result{}}
	for i := 0; i < 10; i++ {
		sender.script["src/a.md"] = append(sender.script["src/a.md"], transport.Retryable("503"))
	}
	delays := &delayLog{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	q := New(testConfig(), sender, logx.Nop(), WithSleep(delays.sleep), WithBus(bus))
	q.Start(context.Background())
	require.NoError(t, q.Enqueue(context.Background(), task("src/a.md")))

	outcomes := drain(t, q)
	require.Len(t, outcomes, 1)
	assert.Equal(t, Exhausted, outcomes[0].Kind)
	assert.Equal(t, 6, outcomes[0].Attempts)
	assert.Len(t, sender.Calls(), 6)

	got := delays.get()
	require.Len(t, got, 5)
	assert.Equal(t, 32*time.Second, got[4], "5th retry delay")

	counts := map[string]int{}
loop:
	for {
		select {
		case ev := <-events:
			counts[ev.Type]++
		default:
			break loop
		}
	}
	assert.Equal(t, 5, counts[EventRetry])
	assert.Equal(t, 1, counts[EventExhausted])
	assert.Zero(t, counts[EventSent])
}

func TestQueue_RetriesGoToTheBack(t *testing.T) {
	sender := &scriptSender{script: map[string][]transport.Result{
		"a": {transport.Retryable("timeout")},
	}}
	q := New(testConfig(), sender, logx.Nop(), WithSleep((&delayLog{}).sleep))
	q.Start(context.Background())
	require.NoError(t, q.Enqueue(context.Background(), task("a"), task("b"), task("c")))

	outcomes := drain(t, q)
	assert.Equal(t, []string{"a", "b", "c", "a"}, sender.Calls())
	require.Len(t, outcomes, 3)
	for _, o := range outcomes {
		assert.Equal(t, Delivered, o.Kind, o.Task.Key)
	}
}

func TestQueue_EnqueueBeforeStartIsRejected(t *testing.T) {
	q := New(testConfig(), &scriptSender{}, logx.Nop())
	assert.ErrorIs(t, q.Enqueue(context.Background(), task("a")), ErrStopped)
	require.NoError(t, q.Stop(context.Background()))
	_, open := <-q.Outcomes()
	assert.False(t, open)
}

func TestQueue_FatalIsRejectedNotMarked(t *testing.T) {
	sender := &scriptSender{script: map[string][]transport.Result{
		"bad": {transport.Fatal("400 bad request")},
	}}
	q := New(testConfig(), sender, logx.Nop(), WithSleep((&delayLog{}).sleep))
	q.Start(context.Background())
	require.NoError(t, q.Enqueue(context.Background(), task("bad"), task("good")))

	marker := &memMarker{}
	tally := &memTally{}
	rec := NewRecorder(marker, tally, false, logx.Nop())

	errCh := make(chan error, 1)
	go func() { errCh <- rec.Run(context.Background(), q.Outcomes()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Stop(ctx))
	require.NoError(t, <-errCh)

	assert.Equal(t, map[string]int{"good": 1}, marker.keys)
	assert.Equal(t, []string{"good"}, tally.success)
	assert.Contains(t, tally.failures["bad"], "400 bad request")
	assert.Len(t, sender.Calls(), 2)
}

func TestQueue_StopDrainsEverything(t *testing.T) {
	sender := &scriptSender{script: map[string][]transport.Result{
		"k1": {transport.Retryable("x"), transport.Retryable("x")},
	}}
	q := New(testConfig(), sender, logx.Nop(), WithSleep((&delayLog{}).sleep))
	q.Start(context.Background())
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(context.Background(), task(fmt.Sprintf("k%d", i))))
	}

	outcomes := drain(t, q)
	assert.Len(t, outcomes, 5)
	assert.ErrorIs(t, q.Enqueue(context.Background(), task("late")), ErrStopped)
}

func TestQueue_StopDeadlineAbandons(t *testing.T) {
	sender := &scriptSender{script: map[string][]transport.Result{
		"slow": {transport.Retryable("503")},
	}}
	blocking := func(ctx context.Context, _ time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}
	q := New(testConfig(), sender, logx.Nop(), WithSleep(blocking))
	q.Start(context.Background())
	require.NoError(t, q.Enqueue(context.Background(), task("slow"), task("next")))

	var (
		mu  sync.Mutex
		got []Outcome
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for o := range q.Outcomes() {
			mu.Lock()
			got = append(got, o)
			mu.Unlock()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := q.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	<-done

	require.Len(t, got, 2)
	for _, o := range got {
		assert.Equal(t, Abandoned, o.Kind)
	}
}

func TestQueue_WaitIdle(t *testing.T) {
	q := New(testConfig(), &scriptSender{script: map[string][]transport.Result{}}, logx.Nop())
	q.Start(context.Background())
	rec := NewRecorder(&memMarker{}, &memTally{}, false, logx.Nop())
	go func() { _ = rec.Run(context.Background(), q.Outcomes()) }()

	require.NoError(t, q.Enqueue(context.Background(), task("a"), task("b")))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.WaitIdle(ctx))
	assert.Zero(t, q.Len())
	assert.Equal(t, uint64(2), q.Emitted())
	require.NoError(t, rec.WaitHandled(ctx, q.Emitted()))
	assert.Equal(t, uint64(2), rec.Handled())

	require.NoError(t, q.Stop(ctx))
}

func TestQueue_SpacingBetweenSends(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDelay = 40 * time.Millisecond
	cfg.Spacing = 0
	q := New(cfg, &scriptSender{script: map[string][]transport.Result{}}, logx.Nop())
	q.Start(context.Background())

	start := time.Now()
	require.NoError(t, q.Enqueue(context.Background(), task("a"), task("b"), task("c")))
	outcomes := drain(t, q)
	require.Len(t, outcomes, 3)
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

func TestRecorder_StorageErrorIsSurfaced(t *testing.T) {
	boom := errors.New("disk full")
	tally := &memTally{}
	rec := NewRecorder(&memMarker{err: boom}, tally, false, logx.Nop())

	ch := make(chan Outcome, 1)
	ch <- Outcome{Kind: Delivered, Task: task("a"), Attempts: 1}
	close(ch)

	err := rec.Run(context.Background(), ch)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, tally.success)
	assert.Contains(t, tally.failures["a"], "disk full")
}

func TestRecorder_ReadOnlySkipsStore(t *testing.T) {
	marker := &memMarker{}
	tally := &memTally{}
	rec := NewRecorder(marker, tally, true, logx.Nop())
	rec.Handle(context.Background(), Outcome{Kind: Delivered, Task: task("a")})
	assert.Empty(t, marker.keys)
	assert.Equal(t, []string{"a"}, tally.success)
}
