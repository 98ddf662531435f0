// Package services holds the bot's business logic: the conversation state
// machine, the reminder dispatcher and the acknowledgment handler.
// This file centralizes the service-level error values so callers can check
// them with errors.Is and translate them at the transport layer.
package services

import (
	"errors"
	"fmt"

	"github.com/tbourn/pillsync/internal/i18n"
)

var (
	// ErrValidation marks user input that was rejected. The conversation
	// stays where it was and the user is re-prompted.
	ErrValidation = errors.New("invalid input")

	// ErrUnauthorized is returned for events from identities that are not
	// on the allow-list.
	ErrUnauthorized = errors.New("not authorized")

	// ErrStaleAction is returned when an acknowledgment refers to a dose that
	// does not exist (never sent, purged, or a forged id).
	ErrStaleAction = errors.New("stale action")

	// ErrContention is returned when optimistic retries ran out against
	// concurrent writers to the same chat.
	ErrContention = errors.New("too many concurrent updates")
)

// ValidationError describes which input was rejected and the message that
// explains it to the user.
type ValidationError struct {
	Field string
	Key   i18n.Key
	Args  []any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s", e.Field)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field string, key i18n.Key, args ...any) error {
	return &ValidationError{Field: field, Key: key, Args: args}
}
