// Scheduler tick handler.
//
//   - POST /tick
//
// An external scheduler (cron, EventBridge through API Gateway) calls this
// periodically; every call is one dispatcher pass with the current time.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/pillsync/internal/http/middleware"
	"github.com/tbourn/pillsync/internal/store"
)

// Tick runs one dispatcher pass and returns its services.TickSummary.
// Storage unavailability and deadline overruns answer 503 so the scheduler
// retries; reminders already sent are not repeated by the retry.
//
// Tick godoc
// @ID          tick
// @Summary     Run one reminder dispatcher pass
// @Description Sends every due, not yet delivered reminder and purges expired records.
// @Tags        Scheduler
// @Produce     json
//
// @Param       X-Tick-Token  header  string  false  "Shared tick token (required when TICK_TOKEN is set)"
//
// @Success     200  {object}  services.TickSummary
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid tick token"
// @Failure     500  {object}  handlers.ErrorResponse  "Tick failed"
// @Failure     503  {object}  handlers.ErrorResponse  "Storage unavailable or deadline exceeded, retry"
// @Router      /tick [post]
func (h *Handlers) Tick(c *gin.Context) {
	ctx := c.Request.Context()
	if h.tickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.tickTimeout)
		defer cancel()
	}

	sum, err := h.bot.Tick(ctx)
	switch {
	case err == nil:
		ok(c, http.StatusOK, sum)
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		middleware.LoggerFrom(c).Warn().Err(err).Int("sent", sum.Sent).Msg("tick aborted")
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "tick aborted, retry later")
	default:
		middleware.LoggerFrom(c).Error().Err(err).Msg("tick failed")
		fail(c, http.StatusInternalServerError, ErrCodeTickFailed, "tick failed")
	}
}
