// Package alert pushes operator notifications over Telegram. Everything is
// nil-safe: an unconfigured notifier swallows messages so call sites never
// branch on whether alerting is set up.
package alert

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"fundcore/logger"
)

type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// New connects to Telegram. Empty token or zero chat id returns a no-op
// notifier and logs once; alerting is optional, trading is not.
func New(token string, chatID int64) *Notifier {
	if token == "" || chatID == 0 {
		logger.With("alert").Info().Msg("📵 telegram not configured, alerts disabled")
		return &Notifier{}
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		logger.With("alert").Error().Err(err).Msg("🚨 telegram init failed, alerts disabled")
		return &Notifier{}
	}
	return &Notifier{bot: bot, chatID: chatID}
}

// Send delivers one message. Failures are logged, never propagated: an alert
// path must not become a new failure path.
func (n *Notifier) Send(text string) {
	if n == nil || n.bot == nil {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		logger.With("alert").Warn().Err(err).Msg("⚠️ telegram send failed")
	}
}

// Sendf is Send with formatting.
func (n *Notifier) Sendf(format string, args ...any) {
	n.Send(fmt.Sprintf(format, args...))
}
