// Telegram webhook handler.
//
//   - POST /telegram/webhook
//
// Telegram redelivers an update until it sees a 2xx, so the status code is
// the retry signal: 503 only when storage was unavailable and a redelivery
// can succeed, 200 for everything else, including rejected identities and
// update types the bot ignores.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tbourn/pillsync/internal/http/middleware"
	"github.com/tbourn/pillsync/internal/messenger/telegram"
	"github.com/tbourn/pillsync/internal/services"
	"github.com/tbourn/pillsync/internal/store"
)

// WebhookResponse is the body returned to Telegram.
type WebhookResponse struct {
	OK      bool `json:"ok"`
	Ignored bool `json:"ignored,omitempty"`
}

// TelegramWebhook handles one Telegram update. The update is normally bound
// by middleware.TelegramUpdate; the handler binds it itself when mounted
// without that middleware.
//
// TelegramWebhook godoc
// @ID          telegramWebhook
// @Summary     Receive a Telegram update
// @Description Processes a message or button press. Every outcome except storage unavailability answers 200.
// @Tags        Telegram
// @Accept      json
// @Produce     json
//
// @Param       X-Telegram-Bot-Api-Secret-Token  header  string  false  "Webhook secret (required when TELEGRAM_WEBHOOK_SECRET is set)"
// @Param       body  body  object  true  "Telegram Update object"
//
// @Success     200  {object}  handlers.WebhookResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Malformed update"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid secret"
// @Failure     429  {object}  handlers.ErrorResponse  "Rate limited"
// @Failure     503  {object}  handlers.ErrorResponse  "Storage unavailable, Telegram redelivers"
// @Router      /telegram/webhook [post]
func (h *Handlers) TelegramWebhook(c *gin.Context) {
	u, bound := middleware.GetUpdate(c)
	if !bound {
		if err := c.ShouldBindJSON(&u); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid telegram update")
			return
		}
	}
	lg := middleware.LoggerFrom(c).With().Int("update_id", u.UpdateID).Logger()

	ev, supported := telegram.EventFromUpdate(u, h.now().UTC())
	if !supported {
		lg.Debug().Str("type", updateType(u)).Msg("update ignored")
		ok(c, http.StatusOK, WebhookResponse{OK: true, Ignored: true})
		return
	}

	err := h.bot.Handle(c.Request.Context(), ev)
	switch {
	case err == nil:
		ok(c, http.StatusOK, WebhookResponse{OK: true})
	case errors.Is(err, services.ErrUnauthorized):
		ok(c, http.StatusOK, WebhookResponse{OK: true})
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "storage unavailable, retry later")
	default:
		// The user already got a reply; a redelivery would not change the outcome.
		lg.Error().Err(err).Str("chat_id", ev.ChatID).Msg("update failed")
		ok(c, http.StatusOK, WebhookResponse{OK: true})
	}
}

func updateType(u tgbotapi.Update) string {
	switch {
	case u.EditedMessage != nil:
		return "edited_message"
	case u.ChannelPost != nil, u.EditedChannelPost != nil:
		return "channel_post"
	case u.InlineQuery != nil:
		return "inline_query"
	case u.Message != nil:
		return "non_text_message"
	}
	return "other"
}
