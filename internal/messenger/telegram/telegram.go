// Package telegram adapts the Telegram Bot API to the messenger package:
// updates become events, directives become sendMessage / editMessageText /
// answerCallbackQuery calls.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/tbourn/pillsync/internal/messenger"
)

// BotAPI is the part of *tgbotapi.BotAPI the client needs.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
}

// Client sends directives through the Bot API.
type Client struct {
	api BotAPI
	log zerolog.Logger

	// retryPause is the wait before polling again after a failure.
	retryPause time.Duration
}

var _ messenger.Sender = (*Client)(nil)

// New authenticates with token and returns a Client.
func New(token string, log zerolog.Logger) (*Client, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	log.Info().Str("bot", api.Self.UserName).Msg("telegram bot authorized")
	return NewWithAPI(api, log), nil
}

// NewWithAPI wraps an existing API handle.
func NewWithAPI(api BotAPI, log zerolog.Logger) *Client {
	return &Client{api: api, log: log, retryPause: 3 * time.Second}
}

// Send delivers d. A directive carrying a CallbackID first answers the
// button press so the client stops showing a spinner.
func (c *Client) Send(ctx context.Context, d messenger.Directive) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.CallbackID != "" {
		if _, err := c.api.Request(tgbotapi.NewCallback(d.CallbackID, d.Text)); err != nil {
			// The press is acknowledged by the edit below anyway.
			c.log.Warn().Err(err).Str("chat_id", d.ChatID).Msg("answer callback failed")
		}
	}
	msg, err := Chattable(d)
	if err != nil {
		return err
	}
	if _, err := c.api.Send(msg); err != nil {
		return fmt.Errorf("telegram send to %s: %w", d.ChatID, err)
	}
	return nil
}

// Chattable converts a directive into the Bot API request that carries it.
func Chattable(d messenger.Directive) (tgbotapi.Chattable, error) {
	chatID, err := strconv.ParseInt(d.ChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: chat id %q: %w", d.ChatID, err)
	}

	if d.EditMessageID != 0 {
		return tgbotapi.NewEditMessageText(chatID, d.EditMessageID, d.Text), nil
	}

	msg := tgbotapi.NewMessage(chatID, d.Text)
	if d.Kind == messenger.Reminder {
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(d.ActionLabel, d.ActionID),
			),
		)
	}
	return msg, nil
}

// EventFromUpdate translates an update. ok is false for update types the
// bot does not handle (edited messages, inline queries, channel posts...).
func EventFromUpdate(u tgbotapi.Update, now time.Time) (ev messenger.Event, ok bool) {
	ev = messenger.Event{UpdateID: int64(u.UpdateID), At: now}

	switch {
	case u.CallbackQuery != nil:
		q := u.CallbackQuery
		if q.Message == nil || q.Message.Chat == nil {
			return ev, false
		}
		ev.Kind = messenger.UserAction
		ev.ChatID = strconv.FormatInt(q.Message.Chat.ID, 10)
		ev.ActionID = q.Data
		ev.CallbackID = q.ID
		ev.MessageID = q.Message.MessageID
		if q.From != nil {
			ev.UserID = strconv.FormatInt(q.From.ID, 10)
			ev.Username = q.From.UserName
		}
		return ev, true

	case u.Message != nil && u.Message.Chat != nil && u.Message.Text != "":
		m := u.Message
		ev.Kind = messenger.UserText
		ev.ChatID = strconv.FormatInt(m.Chat.ID, 10)
		ev.Text = m.Text
		if m.From != nil {
			ev.UserID = strconv.FormatInt(m.From.ID, 10)
			ev.Username = m.From.UserName
		}
		return ev, true
	}
	return ev, false
}

// Poll long-polls getUpdates until ctx is done and hands every supported
// update to handle. When handle fails the offset stays on that update, so
// it is fetched and handled again after a pause. API errors are retried the
// same way.
func (c *Client) Poll(ctx context.Context, timeout time.Duration, handle func(context.Context, messenger.Event) error) {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = int(timeout / time.Second)

	for ctx.Err() == nil {
		updates, err := c.api.GetUpdates(cfg)
		if err != nil {
			c.log.Error().Err(err).Dur("retry_in", c.retryPause).Msg("get updates failed")
			c.pause(ctx)
			continue
		}
		if err := c.consume(ctx, updates, &cfg, handle); err != nil {
			c.pause(ctx)
		}
	}
}

// consume handles updates in order and advances cfg.Offset past each one
// that was handled. It stops at the first failure.
func (c *Client) consume(ctx context.Context, updates []tgbotapi.Update, cfg *tgbotapi.UpdateConfig, handle func(context.Context, messenger.Event) error) error {
	for _, u := range updates {
		if u.UpdateID < cfg.Offset {
			continue
		}
		if ev, ok := EventFromUpdate(u, time.Now().UTC()); ok {
			if err := handle(ctx, ev); err != nil {
				c.log.Warn().Err(err).Int("update_id", u.UpdateID).Dur("retry_in", c.retryPause).Msg("update not processed, fetching it again")
				return err
			}
		}
		cfg.Offset = u.UpdateID + 1
	}
	return nil
}

func (c *Client) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(c.retryPause):
	}
}
