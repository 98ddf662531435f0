// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Chat
// aggregate (chat row plus its medications).
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
//
// Error semantics:
//   - A missing chat yields ErrNotFound (gorm.ErrRecordNotFound).
//   - A lost optimistic update yields ErrVersionMismatch.
//   - Other DB errors are propagated unchanged; the Store adapter maps them
//     onto the store package taxonomy.
//
// Functions:
//
//   - GetChat(ctx, db, chatID) -> *domain.Chat, error
//   - InsertChat(ctx, db, rec) -> error
//   - UpdateChat(ctx, db, rec, expectedVersion) -> error
//   - ReplaceMedications(ctx, db, chatID, meds) -> error
//   - ListChatIDs(ctx, db, afterID, limit) -> []string, error
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/pillsync/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrVersionMismatch is returned by UpdateChat when the stored version is
// not the expected one.
var ErrVersionMismatch = errors.New("chat version mismatch")

// GetChat loads a chat and its medications ordered by position.
func GetChat(ctx context.Context, db *gorm.DB, chatID string) (*domain.Chat, error) {
	var c domain.Chat
	err := db.WithContext(ctx).
		Preload("Medications", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC") }).
		Where("chat_id = ?", chatID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	c.Conversation = c.Conversation.Normalize()
	return &c, nil
}

// InsertChat creates the chat row only (medications are written by
// ReplaceMedications). A second insert for the same chat fails with
// ErrDuplicate.
func InsertChat(ctx context.Context, db *gorm.DB, rec *domain.Chat) error {
	row := *rec
	row.Medications = nil
	if err := db.WithContext(ctx).Omit(clause.Associations).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	rec.CreatedAt, rec.UpdatedAt = row.CreatedAt, row.UpdatedAt
	return nil
}

// UpdateChat writes the scalar columns of rec guarded by the version column
// and bumps it to rec.Version.
func UpdateChat(ctx context.Context, db *gorm.DB, rec *domain.Chat, expectedVersion int64) error {
	row := *rec
	row.Medications = nil
	row.UpdatedAt = time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.Chat{}).
		Omit(clause.Associations).
		Select("timezone", "language", "conv_state", "conv_draft", "version", "updated_at").
		Where("chat_id = ? AND version = ?", rec.ChatID, expectedVersion).
		Updates(&row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionMismatch
	}
	rec.UpdatedAt = row.UpdatedAt
	return nil
}

// ReplaceMedications swaps the chat's medication rows for meds, keeping the
// slice order in the position column. Call it inside a transaction.
func ReplaceMedications(ctx context.Context, db *gorm.DB, chatID string, meds []domain.Medication) error {
	if err := db.WithContext(ctx).Where("chat_id = ?", chatID).Delete(&domain.Medication{}).Error; err != nil {
		return err
	}
	if len(meds) == 0 {
		return nil
	}
	rows := make([]domain.Medication, len(meds))
	for i, m := range meds {
		m.ChatID = chatID
		m.Position = i
		rows[i] = m
	}
	return db.WithContext(ctx).Create(&rows).Error
}

// ListChatIDs returns up to limit chat ids greater than afterID, ascending.
// Used for keyset pagination over all chats.
func ListChatIDs(ctx context.Context, db *gorm.DB, afterID string, limit int) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.Chat{}).
		Where("chat_id > ?", afterID).
		Order("chat_id ASC").
		Limit(limit).
		Pluck("chat_id", &ids).Error
	return ids, err
}
