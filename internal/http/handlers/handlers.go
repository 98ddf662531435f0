package handlers

import (
	"context"
	"time"

	"github.com/tbourn/pillsync/internal/messenger"
	"github.com/tbourn/pillsync/internal/services"
)

// Bot is the engine contract consumed by the HTTP handlers.
type Bot interface {
	// Handle processes one inbound event.
	Handle(ctx context.Context, ev messenger.Event) error
	// Tick runs one reminder dispatch pass.
	Tick(ctx context.Context) (services.TickSummary, error)
}

// Handlers groups the webhook and tick endpoints.
type Handlers struct {
	bot         Bot
	tickTimeout time.Duration
	now         func() time.Time
}

// New constructs Handlers. A tickTimeout <= 0 leaves the request context as
// the only deadline for a tick.
func New(bot Bot, tickTimeout time.Duration) *Handlers {
	return &Handlers{bot: bot, tickTimeout: tickTimeout, now: time.Now}
}
