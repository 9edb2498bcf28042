package transport

import (
	"context"
	"time"
)

type Status int

const (
	StatusSuccess Status = iota
	// StatusRetryable covers rate limits, server-side failures and network errors.
	StatusRetryable
	// StatusFatal means the destination rejected the payload; retrying cannot help.
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusRetryable:
		return "retryable"
	case StatusFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type Result struct {
	Status Status
	Reason string
	// RetryAfter is a server-provided minimum wait (flood control), if any.
	RetryAfter time.Duration
}

func Success() Result                { return Result{Status: StatusSuccess} }
func Retryable(reason string) Result { return Result{Status: StatusRetryable, Reason: reason} }
func Fatal(reason string) Result     { return Result{Status: StatusFatal, Reason: reason} }
func (r Result) OK() bool            { return r.Status == StatusSuccess }

func (r Result) WithRetryAfter(d time.Duration) Result {
	r.RetryAfter = d
	return r
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

// Payload is a rendered item ready for the notification channel.
type Payload struct {
	Key         string
	Target      ChatTarget
	Title       string
	Body        string
	Tags        []string
	Attachments []string
}

// Sender delivers one payload. Implementations apply their own per-call timeout.
type Sender interface {
	Send(ctx context.Context, p Payload) Result
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, p Payload) Result

func (f SenderFunc) Send(ctx context.Context, p Payload) Result { return f(ctx, p) }
