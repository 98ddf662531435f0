package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/pillsync/internal/domain"
	"github.com/tbourn/pillsync/internal/i18n"
	"github.com/tbourn/pillsync/internal/messenger"
	"github.com/tbourn/pillsync/internal/store"
)

// AckOutcome tells a fresh confirmation apart from a repeated one.
type AckOutcome int

const (
	AckNew AckOutcome = iota + 1
	AckRepeated
)

// AckService records that the user took a dose.
type AckService struct {
	Store    store.Store
	Defaults Defaults
	Log      zerolog.Logger
	Now      func() time.Time
}

// NewAckService constructs an AckService.
func NewAckService(st store.Store, def Defaults, log zerolog.Logger) *AckService {
	if _, ok := domain.ParseLanguage(string(def.Language)); !ok {
		def.Language = domain.LangRussian
	}
	return &AckService{Store: st, Defaults: def, Log: log, Now: time.Now}
}

// Acknowledge confirms the dose named by actionID. Pressing the button again
// is not an error and reports AckRepeated. Unknown, expired or malformed ids
// yield ErrStaleAction.
func (s *AckService) Acknowledge(ctx context.Context, chatID, actionID string) (*domain.DoseInstance, AckOutcome, error) {
	tr := otel.Tracer("services/AckService")
	ctx, span := tr.Start(ctx, "Acknowledge",
		trace.WithAttributes(
			attribute.String("chat.id", chatID),
			attribute.String("action.id", actionID),
		),
	)
	defer span.End()

	key, err := domain.ParseActionID(actionID)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrStaleAction, err)
	}

	err = s.Store.ConfirmDose(ctx, chatID, key, s.Now().UTC())
	outcome := AckNew
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, 0, fmt.Errorf("%w: %s", ErrStaleAction, key)
	case errors.Is(err, store.ErrConflict):
		outcome = AckRepeated
	case err != nil:
		span.RecordError(err)
		return nil, 0, err
	}

	dose, err := s.Store.GetDose(ctx, chatID, key)
	if errors.Is(err, store.ErrNotFound) {
		// Purged between the two calls.
		return nil, 0, fmt.Errorf("%w: %s", ErrStaleAction, key)
	}
	if err != nil {
		span.RecordError(err)
		return nil, 0, err
	}
	if outcome == AckNew {
		dosesConfirmed.Inc()
	}
	return dose, outcome, nil
}

// Handle acknowledges ev and returns the directive that updates the reminder
// message and answers the button press.
func (s *AckService) Handle(ctx context.Context, ev messenger.Event) ([]messenger.Directive, error) {
	lang := s.language(ctx, ev.ChatID)

	dose, outcome, err := s.Acknowledge(ctx, ev.ChatID, ev.ActionID)
	var text string
	switch {
	case errors.Is(err, ErrStaleAction):
		s.Log.Info().Str("chat_id", ev.ChatID).Str("action_id", ev.ActionID).Msg("stale acknowledgment")
		return []messenger.Directive{{
			Kind:       messenger.Text,
			ChatID:     ev.ChatID,
			Text:       i18n.T(lang, i18n.AckStale),
			CallbackID: ev.CallbackID,
		}}, nil
	case err != nil:
		return nil, err
	case outcome == AckRepeated:
		text = i18n.T(lang, i18n.AckAlready, dose.MedicationName, dose.LocalTime)
	default:
		text = i18n.T(lang, i18n.AckConfirmed, dose.MedicationName, dose.LocalTime)
	}
	return []messenger.Directive{{
		Kind:          messenger.Text,
		ChatID:        ev.ChatID,
		Text:          text,
		EditMessageID: ev.MessageID,
		CallbackID:    ev.CallbackID,
	}}, nil
}

// language is best effort; acknowledgments do not depend on the chat record.
func (s *AckService) language(ctx context.Context, chatID string) domain.Language {
	rec, err := s.Store.GetChat(ctx, chatID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.Log.Warn().Err(err).Str("chat_id", chatID).Msg("load chat language")
		}
		return s.Defaults.Language
	}
	if lang, ok := domain.ParseLanguage(string(rec.Language)); ok {
		return lang
	}
	return s.Defaults.Language
}
