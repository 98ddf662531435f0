// Package store declares the persistence contract shared by every backend
// (GORM/SQLite, bbolt, DynamoDB) together with the error values backends
// translate their driver errors into.
//
// The contract is built around two conditional writes. PutChat commits a
// whole chat record only if its version is still the one the caller read,
// and CreateDose inserts a dose instance only if its key has never been
// seen. Everything that must not happen twice across concurrent or retried
// invocations goes through one of these.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tbourn/pillsync/internal/domain"
)

var (
	// ErrNotFound is returned when a chat or dose does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned by conditional creates whose key already exists.
	ErrDuplicate = errors.New("duplicate")

	// ErrConflict is returned when a conditional update lost against a
	// concurrent writer (version mismatch, dose no longer in the expected state).
	ErrConflict = errors.New("conflict")

	// ErrUnavailable wraps driver and network failures. Callers propagate it
	// so the external trigger retries.
	ErrUnavailable = errors.New("storage unavailable")
)

// Store is the chat state store.
type Store interface {
	// GetChat returns the chat record including medications, or ErrNotFound.
	GetChat(ctx context.Context, chatID string) (*domain.Chat, error)

	// PutChat writes rec if the stored version equals expectedVersion
	// (0 means the record must not exist yet). On success rec.Version is
	// expectedVersion+1. A mismatch yields ErrConflict.
	PutChat(ctx context.Context, rec *domain.Chat, expectedVersion int64) error

	// ScanChats calls fn for every chat record. Returning an error from fn
	// stops the scan and is returned as is.
	ScanChats(ctx context.Context, fn func(*domain.Chat) error) error

	// CreateDose inserts d if its key is new, otherwise ErrDuplicate.
	CreateDose(ctx context.Context, d *domain.DoseInstance) error

	// GetDose returns one dose instance or ErrNotFound.
	GetDose(ctx context.Context, chatID string, key domain.DoseKey) (*domain.DoseInstance, error)

	// ConfirmDose moves a Sent dose to Confirmed. ErrNotFound when the key
	// is unknown or the dose expired at or before at, ErrConflict when it is
	// not in the Sent state.
	ConfirmDose(ctx context.Context, chatID string, key domain.DoseKey, at time.Time) error

	// ReleaseDose deletes a dose that is still Sent, so a reminder whose
	// delivery failed can be materialized again on the next tick.
	ReleaseDose(ctx context.Context, chatID string, key domain.DoseKey) error

	// ListDoses returns the chat's doses due at or after since, ascending.
	ListDoses(ctx context.Context, chatID string, since time.Time) ([]domain.DoseInstance, error)

	// PurgeDoses deletes doses whose retention ended before now.
	PurgeDoses(ctx context.Context, now time.Time) (int64, error)

	// ClaimUpdate records a messenger update id. ErrDuplicate when it was
	// already claimed and has not expired.
	ClaimUpdate(ctx context.Context, updateID int64, now time.Time, ttl time.Duration) error

	// ReleaseUpdate forgets a claim so a redelivery of an update whose
	// processing failed is handled again. Unknown ids are not an error.
	ReleaseUpdate(ctx context.Context, updateID int64) error

	// PurgeUpdates deletes expired update claims.
	PurgeUpdates(ctx context.Context, now time.Time) (int64, error)

	// Close releases the underlying handle.
	Close() error
}

// Unavailable wraps err as ErrUnavailable, keeping the cause in the message.
// nil stays nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &unavailableError{op: op, err: err}
}

type unavailableError struct {
	op  string
	err error
}

func (e *unavailableError) Error() string { return e.op + ": storage unavailable: " + e.err.Error() }

func (e *unavailableError) Is(target error) bool { return target == ErrUnavailable }

func (e *unavailableError) Unwrap() error { return e.err }
