// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for dose instances
// and processed update claims, both of which rely on a unique index to turn
// an INSERT into a conditional create.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/pillsync/internal/domain"
)

// ErrDuplicate indicates that a row with the same unique key already exists.
var ErrDuplicate = errors.New("duplicate")

// ErrNotSent is returned by ConfirmDose when the dose exists but is no longer
// in the Sent state.
var ErrNotSent = errors.New("dose is not in sent state")

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

func doseWhere(db *gorm.DB, chatID string, key domain.DoseKey) *gorm.DB {
	return db.Where("chat_id = ? AND medication_id = ? AND local_date = ? AND local_time = ?",
		chatID, key.MedicationID, key.Date, key.Time)
}

// CreateDose inserts d and returns ErrDuplicate on unique violation of the
// dose key.
func CreateDose(ctx context.Context, db *gorm.DB, d *domain.DoseInstance) error {
	if err := db.WithContext(ctx).Create(d).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetDose returns the dose with the given key or ErrNotFound.
func GetDose(ctx context.Context, db *gorm.DB, chatID string, key domain.DoseKey) (*domain.DoseInstance, error) {
	var d domain.DoseInstance
	if err := doseWhere(db.WithContext(ctx), chatID, key).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// ConfirmDose flips a live Sent dose to Confirmed with a guarded UPDATE.
// When no row changes it tells a missing or expired key (ErrNotFound) from
// a dose in another state (ErrNotSent).
func ConfirmDose(ctx context.Context, db *gorm.DB, chatID string, key domain.DoseKey, at time.Time) error {
	at = at.UTC()
	res := doseWhere(db.WithContext(ctx).Model(&domain.DoseInstance{}), chatID, key).
		Where("status = ? AND expires_at > ?", domain.DoseSent, at).
		Updates(map[string]any{"status": domain.DoseConfirmed, "confirmed_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	d, err := GetDose(ctx, db, chatID, key)
	if err != nil {
		return err
	}
	if d.Expired(at) {
		return ErrNotFound
	}
	return ErrNotSent
}

// DeleteSentDose removes a dose only while it is still Sent.
func DeleteSentDose(ctx context.Context, db *gorm.DB, chatID string, key domain.DoseKey) error {
	return doseWhere(db.WithContext(ctx), chatID, key).
		Where("status = ?", domain.DoseSent).
		Delete(&domain.DoseInstance{}).Error
}

// ListDoses returns the chat's doses due at or after since, ascending.
func ListDoses(ctx context.Context, db *gorm.DB, chatID string, since time.Time) ([]domain.DoseInstance, error) {
	var out []domain.DoseInstance
	err := db.WithContext(ctx).
		Where("chat_id = ? AND due_at >= ?", chatID, since.UTC()).
		Order("due_at ASC").
		Find(&out).Error
	return out, err
}

// DeleteExpiredDoses deletes every dose whose expires_at is not after now.
func DeleteExpiredDoses(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&domain.DoseInstance{})
	return res.RowsAffected, res.Error
}

// ClaimUpdate inserts a processed-update marker. An expired marker for the
// same id is replaced; a live one yields ErrDuplicate.
func ClaimUpdate(ctx context.Context, db *gorm.DB, updateID int64, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("update_id = ? AND expires_at <= ?", updateID, now).
			Delete(&domain.ProcessedUpdate{}).Error; err != nil {
			return err
		}
		rec := &domain.ProcessedUpdate{UpdateID: updateID, CreatedAt: now, ExpiresAt: now.Add(ttl)}
		if err := tx.Create(rec).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return err
		}
		return nil
	})
}

// DeleteUpdate removes the marker for updateID, if any.
func DeleteUpdate(ctx context.Context, db *gorm.DB, updateID int64) error {
	return db.WithContext(ctx).Where("update_id = ?", updateID).Delete(&domain.ProcessedUpdate{}).Error
}

// DeleteExpiredUpdates removes update markers past their TTL.
func DeleteExpiredUpdates(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&domain.ProcessedUpdate{})
	return res.RowsAffected, res.Error
}
