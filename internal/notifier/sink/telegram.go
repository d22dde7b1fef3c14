package sink

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	"shoutbot/internal/notifier"
)

// Telegram sends notifications as plain text messages to one chat, and to
// a forum topic when ThreadID is set.
type Telegram struct {
	bot      *tele.Bot
	chatID   int64
	threadID int
}

func NewTelegram(token string, chatID int64, threadID int) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram sink: token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram sink: chat_id is required")
	}
	// Offline skips getMe; the sink never polls.
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chatID: chatID, threadID: threadID}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, n notifier.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(&tele.Chat{ID: t.chatID}, n.Render(), &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              t.threadID,
	})
	return err
}
