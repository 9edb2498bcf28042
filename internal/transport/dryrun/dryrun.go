// Package dryrun is a Sender that only logs what would have been sent.
package dryrun

import (
	"context"
	"sync"

	"secposter/internal/transport"
	logx "secposter/pkg/logx"
)

type Sender struct {
	log logx.Logger

	mu   sync.Mutex
	sent []transport.Payload
}

func New(log logx.Logger) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{log: log}
}

func (s *Sender) Send(ctx context.Context, p transport.Payload) transport.Result {
	if err := ctx.Err(); err != nil {
		return transport.Retryable(err.Error())
	}
	s.log.Info("[dry-run] preview",
		logx.String("key", p.Key),
		logx.String("title", p.Title),
		logx.Strings("tags", p.Tags),
		logx.Int64("chat_id", p.Target.ChatID),
		logx.Int("attachments", len(p.Attachments)),
		logx.String("body", logx.Truncate(p.Body, 120)),
	)
	s.mu.Lock()
	s.sent = append(s.sent, p)
	s.mu.Unlock()
	return transport.Success()
}

// Sent returns the payloads previewed so far.
func (s *Sender) Sent() []transport.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.Payload, len(s.sent))
	copy(out, s.sent)
	return out
}
