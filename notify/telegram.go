// Package notify is an optional operator notification sink: critical events,
// plus stopout and admission-rejection events (which carry info severity),
// are pushed to Telegram so an operator does not have to poll the monitoring surface.
// This is additive instrumentation, not part of the core control loop — the
// orchestrator runs correctly with a nil Notifier.
//
// Grounded on bot/telegram.go's NewTelegramBot/send shape, trimmed to a
// fire-and-forget push sink (no inbound command loop — the spec's
// monitoring surface is pull/read-only, not a control channel).
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/tradingctl/types"
)

// Telegram pushes Event notifications to a single chat.
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// New connects to the Telegram Bot API. Returns (nil, nil) when token or
// chatID is unset — notifications are opt-in, not required for operation.
func New(token string, chatID int64) (*Telegram, error) {
	if token == "" || chatID == 0 {
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: failed to create telegram client: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("notification sink connected")
	return &Telegram{api: api, chatID: chatID}, nil
}

// shouldNotify filters to the events worth interrupting an operator for.
func shouldNotify(e *types.Event) bool {
	if e.Severity == types.SeverityCritical {
		return true
	}
	switch e.Type {
	case types.EventStopoutCooldownStarted, types.EventAdmissionRejected, types.EventFatalNotSupported:
		return true
	default:
		return false
	}
}

// Notify pushes e to the chat if it clears the severity bar. Errors are
// logged, never propagated — a dead notification sink must not affect the
// trading loop.
func (t *Telegram) Notify(e *types.Event) {
	if t == nil || !shouldNotify(e) {
		return
	}
	text := fmt.Sprintf("[%s] %s %s\n%s", e.Severity, e.Symbol, e.Type, e.Payload)
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("failed to send telegram notification")
	}
}
