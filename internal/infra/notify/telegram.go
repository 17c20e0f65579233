// File: internal/infra/notify/telegram.go
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"capinha/internal/config"
	"capinha/internal/domain/model"
	"capinha/internal/domain/ports/adapter"
)

var _ adapter.Alerter = (*TelegramAlerter)(nil)

// messageSender is the part of *tgbotapi.BotAPI the alerter uses.
type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramAlerter posts operator alerts to the configured admin chats.
type TelegramAlerter struct {
	bot     messageSender
	chatIDs []int64
	log     *zerolog.Logger
}

func NewTelegramAlerter(cfg config.TelegramAlertConfig, logger *zerolog.Logger) (*TelegramAlerter, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is empty")
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, errors.New("no telegram chat ids configured")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, err
	}
	return newTelegramAlerter(bot, cfg.ChatIDs, logger), nil
}

func newTelegramAlerter(bot messageSender, chatIDs []int64, logger *zerolog.Logger) *TelegramAlerter {
	l := logger.With().Str("component", "TelegramAlerter").Logger()
	return &TelegramAlerter{bot: bot, chatIDs: chatIDs, log: &l}
}

// Alert sends to every chat and returns the first error after trying them all.
func (t *TelegramAlerter) Alert(ctx context.Context, a model.Alert) error {
	text := formatAlert(a)
	var firstErr error
	for _, id := range t.chatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(tgbotapi.NewMessage(id, text)); err != nil {
			t.log.Warn().Err(err).Int64("chat_id", id).Msg("alert not delivered to chat")
			if firstErr == nil {
				firstErr = fmt.Errorf("send alert to %d: %w", id, err)
			}
		}
	}
	return firstErr
}

var severityMark = map[model.AlertSeverity]string{
	model.AlertInfo:     "ℹ️",
	model.AlertWarning:  "⚠️",
	model.AlertCritical: "🚨",
}

func formatAlert(a model.Alert) string {
	var sb strings.Builder
	sb.WriteString(severityMark[a.Severity])
	sb.WriteString(" [")
	sb.WriteString(strings.ToUpper(string(a.Severity)))
	sb.WriteString("] ")
	sb.WriteString(a.Subject)
	if a.Detail != "" {
		sb.WriteString("\n")
		sb.WriteString(a.Detail)
	}
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n%s: %s", k, a.Fields[k])
	}
	return sb.String()
}
