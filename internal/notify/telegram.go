package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"taskmill/internal/domain"
	logx "taskmill/pkg/logx"
)

// TelegramConfig enables the optional operator channel: a Telegram chat
// that mirrors task outcomes for whoever runs the deployment.
type TelegramConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token"`
	ChatID  int64  `json:"chat_id" yaml:"chat_id"`
}

// TelegramSink sends task outcomes to a single Telegram chat.
type TelegramSink struct {
	bot    *tele.Bot
	chatID int64
	log    logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &TelegramSink{bot: b, chatID: cfg.ChatID, log: log}, nil
}

func (s *TelegramSink) TaskStarted(ctx context.Context, t domain.Task) error {
	// Start events are noise in an operator channel; only outcomes are sent.
	return nil
}

func (s *TelegramSink) TaskSucceeded(ctx context.Context, t domain.Task, e domain.Execution) error {
	text := fmt.Sprintf("✅ %s completed in %dms", displayName(t), e.DurationMS)
	if out := strings.TrimSpace(e.Output); out != "" {
		text += "\n" + truncate(out, 512)
	}
	return s.send(text)
}

func (s *TelegramSink) TaskFailed(ctx context.Context, t domain.Task, e domain.Execution) error {
	text := fmt.Sprintf("❌ %s failed: %s", displayName(t), truncate(e.Error, 512))
	return s.send(text)
}

func (s *TelegramSink) send(text string) error {
	_, err := s.bot.Send(&tele.Chat{ID: s.chatID}, text)
	return err
}

func displayName(t domain.Task) string {
	if t.DisplayName != "" {
		return t.DisplayName
	}
	return t.ID
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
