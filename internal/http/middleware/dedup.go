// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements Telegram update intake for the webhook route:
// TelegramUpdate binds the update body once and stashes it in the Gin
// context, and UpdateDeduper claims the update id so a webhook retry of an
// update that was already handled is acknowledged without processing it
// again.
//
// Telegram retries a webhook until it receives a 2xx. When processing ends
// with a 5xx the claim is released so the redelivery goes through.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tbourn/pillsync/internal/store"
)

// Context keys used internally to stash update state.
const (
	ctxKeyUpdate = "tg.update"
	ctxKeyChatID = "tg.chat_id"
)

// GetUpdate returns the update bound by TelegramUpdate.
func GetUpdate(c *gin.Context) (tgbotapi.Update, bool) {
	v, ok := c.Get(ctxKeyUpdate)
	if !ok {
		return tgbotapi.Update{}, false
	}
	u, ok := v.(tgbotapi.Update)
	return u, ok
}

// chatIDFromCtx returns the chat the current update belongs to, or "".
func chatIDFromCtx(c *gin.Context) string {
	v, _ := c.Get(ctxKeyChatID)
	s, _ := v.(string)
	return s
}

// TelegramUpdate binds the request body as a Telegram update. Malformed
// bodies and updates without an id are rejected with 400.
func TelegramUpdate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var u tgbotapi.Update
		if err := c.ShouldBindJSON(&u); err != nil || u.UpdateID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "bad_update",
				"message":    "invalid telegram update",
			})
			return
		}
		c.Set(ctxKeyUpdate, u)
		if chat := u.FromChat(); chat != nil {
			c.Set(ctxKeyChatID, strconv.FormatInt(chat.ID, 10))
		}
		c.Next()
	}
}

// UpdateClaimer is the slice of the store the deduper needs.
type UpdateClaimer interface {
	ClaimUpdate(ctx context.Context, updateID int64, now time.Time, ttl time.Duration) error
	ReleaseUpdate(ctx context.Context, updateID int64) error
}

// DedupOptions configures UpdateDeduper.
type DedupOptions struct {
	// TTL is how long a claimed update id is remembered. Values <= 0 default to 24h.
	TTL time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// UpdateDeduper claims the bound update's id before the handler runs.
//
// Behavior:
//   - Already claimed: responds 200 {"ok":true,"duplicate":true} and stops.
//   - Claim failed for any other reason: responds 503 so Telegram retries.
//   - Handler finished with 5xx: the claim is released.
//
// It must run after TelegramUpdate.
func UpdateDeduper(claims UpdateClaimer, opts DedupOptions) gin.HandlerFunc {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return func(c *gin.Context) {
		u, ok := GetUpdate(c)
		if !ok {
			c.Next()
			return
		}
		id := int64(u.UpdateID)
		lg := LoggerFrom(c).With().Int64("update_id", id).Logger()

		err := claims.ClaimUpdate(c.Request.Context(), id, now().UTC(), ttl)
		switch {
		case errors.Is(err, store.ErrDuplicate):
			lg.Info().Msg("duplicate update ignored")
			c.AbortWithStatusJSON(http.StatusOK, gin.H{"ok": true, "duplicate": true})
			return
		case err != nil:
			lg.Error().Err(err).Msg("claim update")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "unavailable",
				"message":    "storage unavailable",
			})
			return
		}

		c.Next()

		if c.Writer.Status() >= http.StatusInternalServerError {
			if err := claims.ReleaseUpdate(context.WithoutCancel(c.Request.Context()), id); err != nil {
				lg.Error().Err(err).Msg("release update claim")
			}
		}
	}
}
