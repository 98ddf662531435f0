package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/pillsync/internal/domain"
	"github.com/tbourn/pillsync/internal/store"
)

// scanPageSize bounds how many chats ScanChats loads per query.
const scanPageSize = 100

// Store adapts the repository functions to store.Store.
type Store struct {
	DB *gorm.DB
}

var _ store.Store = (*Store)(nil)

// NewStore wraps an already migrated handle.
func NewStore(db *gorm.DB) *Store { return &Store{DB: db} }

// Open opens the SQLite file at path, migrates it and returns a Store.
func Open(path string) (*Store, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, store.Unavailable("open sqlite", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, store.Unavailable("migrate", err)
	}
	return NewStore(db), nil
}

func (s *Store) GetChat(ctx context.Context, chatID string) (*domain.Chat, error) {
	c, err := GetChat(ctx, s.DB, chatID)
	if errors.Is(err, ErrNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, store.Unavailable("get chat", err)
	}
	return c, nil
}

func (s *Store) PutChat(ctx context.Context, rec *domain.Chat, expectedVersion int64) error {
	next := *rec
	next.Version = expectedVersion + 1
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if expectedVersion == 0 {
			if err := InsertChat(ctx, tx, &next); err != nil {
				return err
			}
		} else if err := UpdateChat(ctx, tx, &next, expectedVersion); err != nil {
			return err
		}
		return ReplaceMedications(ctx, tx, rec.ChatID, rec.Medications)
	})
	switch {
	case errors.Is(err, ErrDuplicate), errors.Is(err, ErrVersionMismatch):
		return store.ErrConflict
	case err != nil:
		return store.Unavailable("put chat", err)
	}
	rec.Version = next.Version
	rec.CreatedAt, rec.UpdatedAt = next.CreatedAt, next.UpdatedAt
	for i := range rec.Medications {
		rec.Medications[i].ChatID = rec.ChatID
		rec.Medications[i].Position = i
	}
	return nil
}

func (s *Store) ScanChats(ctx context.Context, fn func(*domain.Chat) error) error {
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ids, err := ListChatIDs(ctx, s.DB, after, scanPageSize)
		if err != nil {
			return store.Unavailable("scan chats", err)
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			c, err := GetChat(ctx, s.DB, id)
			if errors.Is(err, ErrNotFound) {
				continue // deleted between pages
			}
			if err != nil {
				return store.Unavailable("scan chats", err)
			}
			if err := fn(c); err != nil {
				return err
			}
		}
		if len(ids) < scanPageSize {
			return nil
		}
		after = ids[len(ids)-1]
	}
}

func (s *Store) CreateDose(ctx context.Context, d *domain.DoseInstance) error {
	err := CreateDose(ctx, s.DB, d)
	if errors.Is(err, ErrDuplicate) {
		return store.ErrDuplicate
	}
	return store.Unavailable("create dose", err)
}

func (s *Store) GetDose(ctx context.Context, chatID string, key domain.DoseKey) (*domain.DoseInstance, error) {
	d, err := GetDose(ctx, s.DB, chatID, key)
	if errors.Is(err, ErrNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, store.Unavailable("get dose", err)
	}
	return d, nil
}

func (s *Store) ConfirmDose(ctx context.Context, chatID string, key domain.DoseKey, at time.Time) error {
	err := ConfirmDose(ctx, s.DB, chatID, key, at)
	switch {
	case errors.Is(err, ErrNotFound):
		return store.ErrNotFound
	case errors.Is(err, ErrNotSent):
		return store.ErrConflict
	}
	return store.Unavailable("confirm dose", err)
}

func (s *Store) ReleaseDose(ctx context.Context, chatID string, key domain.DoseKey) error {
	return store.Unavailable("release dose", DeleteSentDose(ctx, s.DB, chatID, key))
}

func (s *Store) ListDoses(ctx context.Context, chatID string, since time.Time) ([]domain.DoseInstance, error) {
	out, err := ListDoses(ctx, s.DB, chatID, since)
	if err != nil {
		return nil, store.Unavailable("list doses", err)
	}
	return out, nil
}

func (s *Store) PurgeDoses(ctx context.Context, now time.Time) (int64, error) {
	n, err := DeleteExpiredDoses(ctx, s.DB, now)
	return n, store.Unavailable("purge doses", err)
}

func (s *Store) ClaimUpdate(ctx context.Context, updateID int64, now time.Time, ttl time.Duration) error {
	err := ClaimUpdate(ctx, s.DB, updateID, now, ttl)
	if errors.Is(err, ErrDuplicate) {
		return store.ErrDuplicate
	}
	return store.Unavailable("claim update", err)
}

func (s *Store) ReleaseUpdate(ctx context.Context, updateID int64) error {
	return store.Unavailable("release update", DeleteUpdate(ctx, s.DB, updateID))
}

func (s *Store) PurgeUpdates(ctx context.Context, now time.Time) (int64, error) {
	n, err := DeleteExpiredUpdates(ctx, s.DB, now)
	return n, store.Unavailable("purge updates", err)
}

func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
