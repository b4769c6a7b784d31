package notifier

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	logx "jobweave/pkg/logx"
)

// Sink delivers one message. Send must honor ctx.
type Sink interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc struct {
	ID string
	Fn func(ctx context.Context, m Message) error
}

func (f SinkFunc) Name() string { return f.ID }

func (f SinkFunc) Send(ctx context.Context, m Message) error { return f.Fn(ctx, m) }

// LogSink writes messages to the structured log. Alerts log at error level.
type LogSink struct {
	Log logx.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(_ context.Context, m Message) error {
	fields := []logx.Field{
		logx.String("job", m.JobID),
		logx.String("run", m.RunID),
		logx.String("state", string(m.State)),
		logx.Int("attempt", m.Attempt),
	}
	if m.Kind != "" {
		fields = append(fields, logx.String("kind", string(m.Kind)))
	}
	if m.Detail != "" {
		fields = append(fields, logx.String("detail", m.Detail))
	}
	switch {
	case m.Alert:
		s.Log.Error(m.Title, fields...)
	case m.Priority >= PriorityWarn:
		s.Log.Warn(m.Title, fields...)
	default:
		s.Log.Info(m.Title, fields...)
	}
	return nil
}

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
}

// telegramSender is the subset of *tele.Bot the sink uses.
type telegramSender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// TelegramSink posts HTML-formatted messages to one chat.
type TelegramSink struct {
	cfg TelegramConfig
	bot telegramSender
}

// NewTelegramSink creates an offline bot client: it only sends, it never
// polls for updates.
func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot")
	}
	return &TelegramSink{cfg: cfg, bot: b}, nil
}

func (*TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opt := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              s.cfg.ThreadID,
	}
	// telebot has no context-aware send; the client timeout bounds it.
	_, err := s.bot.Send(&tele.Chat{ID: s.cfg.ChatID}, renderHTML(m), opt)
	return err
}

func prefixForPriority(p Priority) string {
	switch {
	case p >= PriorityAlert:
		return "🚨 "
	case p >= PriorityWarn:
		return "⚠️ "
	case p >= PriorityInfo:
		return "ℹ️ "
	default:
		return ""
	}
}

func renderText(m Message) string {
	var b strings.Builder
	b.WriteString(prefixForPriority(m.Priority))
	b.WriteString(m.Title)
	fmt.Fprintf(&b, " (run %s, attempt %d", m.RunID, m.Attempt)
	if m.Kind != "" {
		fmt.Fprintf(&b, ", %s", m.Kind)
	}
	b.WriteString(")")
	if m.Detail != "" {
		b.WriteString(": ")
		b.WriteString(m.Detail)
	}
	return b.String()
}

func renderHTML(m Message) string {
	lines := []string{prefixForPriority(m.Priority) + "<b>" + html.EscapeString(m.Title) + "</b>"}
	lines = append(lines, fmt.Sprintf("run <code>%s</code> attempt %d", html.EscapeString(m.RunID), m.Attempt))
	if m.Kind != "" {
		lines = append(lines, "kind <code>"+html.EscapeString(string(m.Kind))+"</code>")
	}
	if m.Detail != "" {
		lines = append(lines, "<pre>"+html.EscapeString(truncate(m.Detail, 3000))+"</pre>")
	}
	if !m.At.IsZero() {
		lines = append(lines, "<i>"+m.At.UTC().Format(time.RFC3339)+"</i>")
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
