package telegram

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/sessiontimer/internal/notify"
)

// Sender is the part of *tgbotapi.BotAPI the notifier needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier mirrors session alerts into an operator chat.
type Notifier struct {
	api    Sender
	chatID int64
	log    *slog.Logger
}

func NewNotifier(api Sender, chatID int64, log *slog.Logger) *Notifier {
	return &Notifier{api: api, chatID: chatID, log: log}
}

func (n *Notifier) Notify(ctx context.Context, alert notify.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(n.chatID, formatAlert(alert))
	msg.DisableWebPagePreview = true
	if _, err := n.api.Send(msg); err != nil {
		n.log.Warn("failed to send telegram alert", "session_id", alert.SessionID, "err", err)
		return fmt.Errorf("send telegram alert: %w", err)
	}
	return nil
}

func formatAlert(alert notify.Alert) string {
	switch alert.Kind {
	case notify.KindLowBalance:
		return fmt.Sprintf("⚠️ %s session %s: balance running low, %s left", alert.Type, alert.SessionID, formatSeconds(alert.TimeLeft))
	case notify.KindFiveMinutes:
		return fmt.Sprintf("⏳ %s session %s: %s left", alert.Type, alert.SessionID, formatSeconds(alert.TimeLeft))
	case notify.KindEnded:
		return fmt.Sprintf("⛔ %s session %s ended (%s)", alert.Type, alert.SessionID, alert.Reason)
	default:
		return fmt.Sprintf("%s session %s: %s", alert.Type, alert.SessionID, alert.Kind)
	}
}

func formatSeconds(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
