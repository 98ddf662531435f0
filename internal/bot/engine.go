// Package bot routes inbound messenger events to the services and hands the
// directives they produce to the transport. It is the single entry point
// shared by the webhook handler, the long-polling loop, the in-process
// ticker and the Lambda handler.
package bot

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tbourn/pillsync/internal/domain"
	"github.com/tbourn/pillsync/internal/i18n"
	"github.com/tbourn/pillsync/internal/messenger"
	"github.com/tbourn/pillsync/internal/services"
	"github.com/tbourn/pillsync/internal/store"
)

// Engine dispatches events.
type Engine struct {
	Access       services.AllowList
	Conversation *services.ConversationService
	Ack          *services.AckService
	Dispatcher   *services.Dispatcher
	Sender       messenger.Sender
	Log          zerolog.Logger

	// Language is used for replies to chats that have no record yet.
	Language domain.Language
}

// Handle processes one event. User-facing failures are answered in chat;
// the returned error tells the caller whether a redelivery is useful:
// wrapped store.ErrUnavailable means yes, ErrUnauthorized means the event
// was rejected.
func (e *Engine) Handle(ctx context.Context, ev messenger.Event) error {
	if ev.Kind == messenger.Tick {
		_, err := e.Tick(ctx)
		return err
	}
	if ev.Kind != messenger.UserText && ev.Kind != messenger.UserAction {
		return fmt.Errorf("unsupported event kind %s", ev.Kind)
	}

	log := e.Log.With().
		Str("chat_id", ev.ChatID).
		Str("kind", ev.Kind.String()).
		Int64("update_id", ev.UpdateID).
		Logger()

	if err := e.Access.Authorize(ev); err != nil {
		log.Warn().Str("username", ev.Username).Str("user_id", ev.UserID).Msg("rejected event from unknown identity")
		e.deliver(ctx, log, []messenger.Directive{{
			Kind:       messenger.Text,
			ChatID:     ev.ChatID,
			Text:       i18n.T(e.Language, i18n.Unauthorized),
			CallbackID: ev.CallbackID,
		}})
		return err
	}

	var (
		out []messenger.Directive
		err error
	)
	switch ev.Kind {
	case messenger.UserText:
		out, err = e.Conversation.Handle(ctx, ev.ChatID, ev.Text)
	case messenger.UserAction:
		out, err = e.Ack.Handle(ctx, ev)
	}
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			log.Error().Err(err).Msg("storage unavailable")
			return err
		}
		log.Error().Err(err).Msg("event failed")
		e.deliver(ctx, log, []messenger.Directive{{
			Kind:       messenger.Text,
			ChatID:     ev.ChatID,
			Text:       i18n.T(e.Language, i18n.TemporaryFailure),
			CallbackID: ev.CallbackID,
		}})
		return err
	}

	e.deliver(ctx, log, out)
	return nil
}

// Tick runs one dispatcher pass.
func (e *Engine) Tick(ctx context.Context) (services.TickSummary, error) {
	return e.Dispatcher.Tick(ctx)
}

// deliver sends directives in order. State is already committed, so a
// failed send is logged and the rest still go out.
func (e *Engine) deliver(ctx context.Context, log zerolog.Logger, ds []messenger.Directive) {
	for _, d := range ds {
		if err := e.Sender.Send(ctx, d); err != nil {
			log.Error().Err(err).Msg("send reply")
		}
	}
}
