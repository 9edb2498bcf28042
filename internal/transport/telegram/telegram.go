// Package telegram sends delivery payloads through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"secposter/internal/transport"
	logx "secposter/pkg/logx"
)

type Config struct {
	Token string
	// Timeout bounds every Bot API call.
	Timeout        time.Duration
	ParseMode      string
	DisablePreview bool
	// ForumTopics opens one forum topic per item when the target has no thread id.
	ForumTopics bool
}

// botAPI is the part of *tele.Bot the sender uses.
type botAPI interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	CreateTopic(chat *tele.Chat, topic *tele.Topic) (*tele.Topic, error)
}

type Sender struct {
	cfg Config
	log logx.Logger
	bot botAPI

	// progress remembers, per item key, the topic opened and how many parts
	// already went out, so a retry resumes instead of repeating them.
	progMu   sync.Mutex
	progress map[string]*progress
}

type progress struct {
	threadID int
	topic    bool
	sent     int
}

// New connects to the Bot API (getMe), which surfaces a bad token at startup.
func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log.Info("telegram bot ready", logx.String("username", b.Me.Username))
	return newSender(cfg, b, log), nil
}

func newSender(cfg Config, bot botAPI, log logx.Logger) *Sender {
	if cfg.ParseMode == "" {
		cfg.ParseMode = tele.ModeHTML
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{cfg: cfg, log: log, bot: bot, progress: map[string]*progress{}}
}

// Send delivers the text chunks and then the attachments. Parts that went
// out before a retryable failure are not sent again on the next attempt.
func (s *Sender) Send(ctx context.Context, p transport.Payload) transport.Result {
	if p.Target.ChatID == 0 {
		return transport.Fatal("no target chat")
	}
	chat := &tele.Chat{ID: p.Target.ChatID}
	prog := s.progressFor(p.Key)

	threadID, res := s.thread(chat, p, prog)
	if !res.OK() {
		return s.settle(p.Key, res)
	}

	chunks := splitText(renderMessage(p, s.cfg.ParseMode), textLimit, s.cfg.ParseMode)
	parts := len(chunks) + len(p.Attachments)
	for i := s.sentParts(prog); i < parts; i++ {
		if err := ctx.Err(); err != nil {
			return transport.Retryable(err.Error())
		}
		var err error
		if i < len(chunks) {
			_, err = s.bot.Send(chat, chunks[i], &tele.SendOptions{
				ParseMode:             s.cfg.ParseMode,
				DisableWebPagePreview: s.cfg.DisablePreview,
				ThreadID:              threadID,
			})
		} else {
			path := p.Attachments[i-len(chunks)]
			if fi, serr := os.Stat(path); serr != nil || fi.IsDir() {
				s.log.Debug("attachment missing, ignored", logx.String("key", p.Key), logx.String("path", path))
			} else {
				doc := &tele.Document{File: tele.FromDisk(path), FileName: filepath.Base(path)}
				_, err = s.bot.Send(chat, doc, &tele.SendOptions{ThreadID: threadID})
			}
		}
		if err != nil {
			if i > 0 {
				s.log.Debug("send interrupted", logx.String("key", p.Key), logx.Int("sent", i), logx.Int("parts", parts))
			}
			return s.settle(p.Key, classify(err))
		}
		s.progMu.Lock()
		prog.sent = i + 1
		s.progMu.Unlock()
	}
	return s.settle(p.Key, transport.Success())
}

func (s *Sender) progressFor(key string) *progress {
	s.progMu.Lock()
	defer s.progMu.Unlock()
	prog, ok := s.progress[key]
	if !ok {
		prog = &progress{}
		s.progress[key] = prog
	}
	return prog
}

func (s *Sender) sentParts(prog *progress) int {
	s.progMu.Lock()
	defer s.progMu.Unlock()
	return prog.sent
}

// settle drops the progress of an item once it reached a final result.
func (s *Sender) settle(key string, res transport.Result) transport.Result {
	if res.Status != transport.StatusRetryable {
		s.progMu.Lock()
		delete(s.progress, key)
		s.progMu.Unlock()
	}
	return res
}

func (s *Sender) thread(chat *tele.Chat, p transport.Payload, prog *progress) (int, transport.Result) {
	if p.Target.ThreadID != 0 || !s.cfg.ForumTopics {
		return p.Target.ThreadID, transport.Success()
	}
	s.progMu.Lock()
	id, ok := prog.threadID, prog.topic
	s.progMu.Unlock()
	if ok {
		return id, transport.Success()
	}

	topic, err := s.bot.CreateTopic(chat, &tele.Topic{Name: topicName(p.Title)})
	if err != nil {
		return 0, classify(err)
	}
	s.progMu.Lock()
	prog.threadID, prog.topic = topic.ThreadID, true
	s.progMu.Unlock()
	return topic.ThreadID, transport.Success()
}

// Forum topic names are limited to 128 characters.
func topicName(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "untitled"
	}
	rs := []rune(title)
	if len(rs) > 128 {
		rs = rs[:128]
	}
	return string(rs)
}

func renderMessage(p transport.Payload, parseMode string) string {
	esc := func(s string) string { return s }
	bold := func(s string) string { return s }
	if strings.EqualFold(parseMode, tele.ModeHTML) {
		esc = html.EscapeString
		bold = func(s string) string { return "<b>" + html.EscapeString(s) + "</b>" }
	}

	var b strings.Builder
	if p.Title != "" {
		b.WriteString(bold(p.Title))
		b.WriteString("\n")
	}
	if len(p.Tags) > 0 {
		tags := make([]string, 0, len(p.Tags))
		for _, t := range p.Tags {
			t = strings.Join(strings.Fields(t), "_")
			if t != "" {
				tags = append(tags, "#"+esc(t))
			}
		}
		b.WriteString(strings.Join(tags, " "))
		b.WriteString("\n")
	}
	if p.Body != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(esc(p.Body))
	}
	return strings.TrimRight(b.String(), "\n")
}
