package notify

import (
	"context"
	"fmt"
	"time"

	tele "gopkg.in/telebot.v4"
)

// TelegramSink sends notifications to a single chat. Send-only: no poller is
// attached to the bot.
type TelegramSink struct {
	bot  *tele.Bot
	chat tele.ChatID
}

func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token required")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("telegram chat_id required")
	}
	// No poller: this bot only sends.
	b, err := tele.NewBot(tele.Settings{
		Token: token,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &TelegramSink{bot: b, chat: tele.ChatID(chatID)}, nil
}

func (t *TelegramSink) Name() string { return "telegram" }

func (t *TelegramSink) Send(_ context.Context, n Notification) error {
	text := "⚠️ " + n.Subject()
	if n.Body != "" {
		text += "\n" + n.Body
	}
	if !n.At.IsZero() {
		text += "\n" + n.At.Format(time.RFC3339)
	}
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}
