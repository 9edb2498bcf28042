package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logx "secposter/pkg/logx"
)

// Marker records successful deliveries.
type Marker interface {
	MarkDelivered(ctx context.Context, key string) error
}

// Tally receives per-item results for the run report.
type Tally interface {
	RecordSuccess(key string)
	RecordFailure(key, reason string)
}

// Recorder turns outcomes into delivery records and report entries. A
// delivery record is only ever written for a Delivered outcome.
type Recorder struct {
	store    Marker
	tally    Tally
	log      logx.Logger
	readOnly bool

	mu      sync.Mutex
	handled uint64
	errs    []error
	notify  chan struct{}
}

// NewRecorder builds a recorder. With readOnly set no delivery records are
// written (dry runs); outcomes are still tallied.
func NewRecorder(store Marker, tally Tally, readOnly bool, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, tally: tally, readOnly: readOnly, log: log, notify: make(chan struct{})}
}

// Run consumes outcomes until the channel closes and returns every storage
// error it met.
func (r *Recorder) Run(ctx context.Context, outcomes <-chan Outcome) error {
	for o := range outcomes {
		r.Handle(ctx, o)
	}
	return r.Err()
}

func (r *Recorder) Handle(ctx context.Context, o Outcome) {
	defer r.done()

	key := o.Task.Key
	switch o.Kind {
	case Delivered:
		if !r.readOnly && r.store != nil {
			// The channel already accepted the item; record it even when the run is shutting down.
			if err := r.store.MarkDelivered(context.WithoutCancel(ctx), key); err != nil {
				err = fmt.Errorf("record delivery of %s: %w", key, err)
				r.log.Error("delivery record not written; item may be sent again", logx.String("key", key), logx.Err(err))
				r.fail(key, err.Error())
				r.mu.Lock()
				r.errs = append(r.errs, err)
				r.mu.Unlock()
				return
			}
		}
		r.log.Debug("delivery recorded", logx.String("key", key))
		if r.tally != nil {
			r.tally.RecordSuccess(key)
		}
	case Rejected:
		r.fail(key, "rejected: "+o.Reason)
	case Exhausted:
		r.fail(key, fmt.Sprintf("retries exhausted after %d attempts: %s", o.Attempts, o.Reason))
	default:
		r.fail(key, string(o.Kind)+": "+o.Reason)
	}
}

func (r *Recorder) fail(key, reason string) {
	if r.tally != nil {
		r.tally.RecordFailure(key, reason)
	}
}

func (r *Recorder) done() {
	r.mu.Lock()
	r.handled++
	close(r.notify)
	r.notify = make(chan struct{})
	r.mu.Unlock()
}

// Handled is the number of outcomes processed so far.
func (r *Recorder) Handled() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handled
}

// WaitHandled blocks until at least n outcomes have been processed.
func (r *Recorder) WaitHandled(ctx context.Context, n uint64) error {
	for {
		r.mu.Lock()
		if r.handled >= n {
			r.mu.Unlock()
			return nil
		}
		ch := r.notify
		r.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Err joins the storage errors seen so far.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.errs...)
}
