package delivery

import (
	"errors"
	"math"
	"time"

	"secposter/internal/transport"
)

var ErrStopped = errors.New("delivery queue stopped")

// Event types published on the bus.
const (
	EventQueued    = "delivery.queued"
	EventSent      = "delivery.sent"
	EventRetry     = "delivery.retry"
	EventExhausted = "delivery.exhausted"
	EventRejected  = "delivery.rejected"
	EventAbandoned = "delivery.abandoned"
)

type Config struct {
	MaxRetries    int
	BaseDelay     time.Duration
	BackoffFactor float64
	// MaxDelay caps a single backoff wait (0 = uncapped).
	MaxDelay time.Duration
	// Spacing is the minimum interval between two sends. Zero means BaseDelay;
	// negative disables spacing.
	Spacing time.Duration
	// OutcomeBuffer sizes the Outcomes channel.
	OutcomeBuffer int
}

func DefaultConfig() Config {
	return Config{MaxRetries: 5, BaseDelay: 2 * time.Second, BackoffFactor: 2}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.Spacing == 0 {
		c.Spacing = c.BaseDelay
	}
	if c.OutcomeBuffer <= 0 {
		c.OutcomeBuffer = 64
	}
	return c
}

// Backoff is the wait before retrying a task that has failed attempt+1 times
// (attempt starts at 0): BaseDelay * BackoffFactor^attempt.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	f := float64(c.BaseDelay) * math.Pow(c.BackoffFactor, float64(attempt))
	d := time.Duration(math.MaxInt64)
	if f < float64(math.MaxInt64) {
		d = time.Duration(f)
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Task is one item waiting for delivery. Attempt counts earlier failed sends.
type Task struct {
	Key     string
	Source  string
	Payload transport.Payload
	Attempt int
}

type OutcomeKind string

const (
	Delivered OutcomeKind = "delivered"
	// Exhausted: transient failures used up every retry.
	Exhausted OutcomeKind = "exhausted"
	// Rejected: the channel refused the payload for good.
	Rejected OutcomeKind = "rejected"
	// Abandoned: the queue was force-stopped before the task finished.
	Abandoned OutcomeKind = "abandoned"
)

// Outcome is the terminal result of one task.
type Outcome struct {
	Kind     OutcomeKind
	Task     Task
	Attempts int
	Reason   string
	At       time.Time
}

// Event is the Data of delivery.* bus events. Keep it small; subscribers may log it.
type Event struct {
	Key     string        `json:"key"`
	Source  string        `json:"source"`
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	Depth   int           `json:"depth"`
	At      time.Time     `json:"at"`
}
