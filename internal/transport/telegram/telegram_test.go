package telegram

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"secposter/internal/transport"
	logx "secposter/pkg/logx"
)

func TestSplitText(t *testing.T) {
	t.Run("short", func(t *testing.T) {
		assert.Equal(t, []string{"hello"}, splitText("hello", 10, ""))
	})
	t.Run("prefers newline", func(t *testing.T) {
		s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
		assert.Equal(t, []string{"aaaaaa", "bbbbbb"}, splitText(s, 10, ""))
	})
	t.Run("runes not bytes", func(t *testing.T) {
		s := strings.Repeat("漏", 25)
		parts := splitText(s, 10, "")
		require.Len(t, parts, 3)
		for _, p := range parts {
			assert.LessOrEqual(t, len([]rune(p)), 10)
		}
		assert.Equal(t, s, strings.Join(parts, ""))
	})
	t.Run("html tag kept whole", func(t *testing.T) {
		s := strings.Repeat("x", 8) + "<b>y</b>"
		parts := splitText(s, 10, "HTML")
		require.NotEmpty(t, parts)
		assert.Equal(t, strings.Repeat("x", 8), parts[0])
	})
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want transport.Status
	}{
		{"server", fmt.Errorf("telegram: internal server error (500)"), transport.StatusRetryable},
		{"too many", fmt.Errorf("telegram: too many requests (429)"), transport.StatusRetryable},
		{"api forbidden", &tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"}, transport.StatusFatal},
		{"api bad gateway", &tele.Error{Code: 502, Description: "Bad Gateway"}, transport.StatusRetryable},
		{"bad request", fmt.Errorf("telegram: bad request: message is too long (400)"), transport.StatusFatal},
		{"forbidden", fmt.Errorf("telegram: forbidden: bot was kicked (403)"), transport.StatusFatal},
		{"network", errors.New("dial tcp: connection refused"), transport.StatusRetryable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.err)
			assert.Equal(t, tc.want, got.Status)
			assert.NotEmpty(t, got.Reason)
		})
	}

	assert.True(t, classify(nil).OK())
}

func TestRenderMessage(t *testing.T) {
	p := transport.Payload{
		Title: "2025-Foo <RCE>",
		Tags:  []string{"2025", "remote code"},
		Body:  "curl a&b",
	}
	got := renderMessage(p, tele.ModeHTML)
	assert.Equal(t, "<b>2025-Foo &lt;RCE&gt;</b>\n#2025 #remote_code\n\ncurl a&amp;b", got)

	plain := renderMessage(transport.Payload{Title: "T", Body: "a&b"}, "")
	assert.Equal(t, "T\n\na&b", plain)
}

func TestTopicName(t *testing.T) {
	assert.Equal(t, "untitled", topicName("  "))
	assert.Len(t, []rune(topicName(strings.Repeat("漏", 200))), 128)
}

// fakeBot records delivered parts and fails the calls listed in failAt
// (1-based, counted over every Send).
type fakeBot struct {
	mu     sync.Mutex
	calls  int
	failAt map[int]error
	sent   []string
	topics int
}

func (b *fakeBot) Send(_ tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if err, ok := b.failAt[b.calls]; ok {
		return nil, err
	}
	switch v := what.(type) {
	case string:
		b.sent = append(b.sent, "text:"+v[:1])
	case *tele.Document:
		b.sent = append(b.sent, "doc:"+v.FileName)
	}
	return &tele.Message{}, nil
}

func (b *fakeBot) CreateTopic(_ *tele.Chat, _ *tele.Topic) (*tele.Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics++
	return &tele.Topic{ThreadID: 77}, nil
}

func TestSend_RetryResumesAfterSentParts(t *testing.T) {
	dir := t.TempDir()
	pdf := filepath.Join(dir, "poc.pdf")
	require.NoError(t, os.WriteFile(pdf, []byte("%PDF"), 0o600))

	bot := &fakeBot{failAt: map[int]error{2: errors.New("dial tcp: connection reset")}}
	s := newSender(Config{ForumTopics: true}, bot, logx.Nop())
	p := transport.Payload{
		Key:         "wiki/2025/CVE-1/README.md",
		Target:      transport.ChatTarget{ChatID: -1001},
		Body:        strings.Repeat("a", 3000) + "\n" + strings.Repeat("b", 3000),
		Attachments: []string{pdf, filepath.Join(dir, "missing.pdf")},
	}

	first := s.Send(context.Background(), p)
	assert.Equal(t, transport.StatusRetryable, first.Status)

	second := s.Send(context.Background(), p)
	require.True(t, second.OK(), second.Reason)

	assert.Equal(t, []string{"text:a", "text:b", "doc:poc.pdf"}, bot.sent)
	assert.Equal(t, 1, bot.topics)
	assert.Empty(t, s.progress, "finished items keep no progress")
}

func TestSend_FatalDropsProgress(t *testing.T) {
	bot := &fakeBot{failAt: map[int]error{
		2: errors.New("dial tcp: connection reset"),
		3: &tele.Error{Code: 400, Description: "Bad Request: message is too long"},
	}}
	s := newSender(Config{}, bot, logx.Nop())
	p := transport.Payload{
		Key:    "wiki/a.md",
		Target: transport.ChatTarget{ChatID: 1},
		Body:   strings.Repeat("a", 3000) + "\n" + strings.Repeat("b", 3000),
	}

	assert.Equal(t, transport.StatusRetryable, s.Send(context.Background(), p).Status)
	assert.Equal(t, transport.StatusFatal, s.Send(context.Background(), p).Status)
	assert.Empty(t, s.progress)
	assert.Equal(t, []string{"text:a"}, bot.sent)
}
