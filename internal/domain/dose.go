// Package domain defines the core persistence models for the application.
// This file holds the scheduled dose record and the webhook update claim.
package domain

import (
	"errors"
	"strings"
	"time"
)

// DoseStatus is the acknowledgment state of a dose instance.
type DoseStatus string

const (
	DoseSent      DoseStatus = "sent"
	DoseConfirmed DoseStatus = "confirmed"
)

// ActionPrefix marks acknowledgment action identifiers.
const ActionPrefix = "ack"

// DoseKey identifies one scheduled intake: a medication at a local wall time
// on a local calendar date.
type DoseKey struct {
	MedicationID string
	Date         string // YYYY-MM-DD, local to the chat's timezone
	Time         string // HH:MM
}

// ErrMalformedAction is returned by ParseActionID for identifiers that were
// not produced by DoseKey.ActionID.
var ErrMalformedAction = errors.New("malformed action id")

// String renders the key as "<medication>|<date>|<time>".
func (k DoseKey) String() string {
	return k.MedicationID + "|" + k.Date + "|" + k.Time
}

// ActionID is the opaque identifier attached to a reminder's acknowledge
// button. It stays below Telegram's 64-byte callback data limit for UUIDs.
func (k DoseKey) ActionID() string {
	return ActionPrefix + "|" + k.String()
}

// ParseActionID is the inverse of DoseKey.ActionID.
func ParseActionID(s string) (DoseKey, error) {
	parts := strings.Split(strings.TrimSpace(s), "|")
	if len(parts) != 4 || parts[0] != ActionPrefix {
		return DoseKey{}, ErrMalformedAction
	}
	k := DoseKey{MedicationID: parts[1], Date: parts[2], Time: parts[3]}
	if k.MedicationID == "" {
		return DoseKey{}, ErrMalformedAction
	}
	if _, err := time.Parse("2006-01-02", k.Date); err != nil {
		return DoseKey{}, ErrMalformedAction
	}
	if _, err := time.Parse("15:04", k.Time); err != nil {
		return DoseKey{}, ErrMalformedAction
	}
	return k, nil
}

// DoseInstance is one materialized reminder. It is created exactly once per
// (chat, medication, local date, local time) and moves from Sent to Confirmed
// at most once. Records are kept until ExpiresAt, confirmed or not, so the
// dispatcher never sees a key it already handled as new.
type DoseInstance struct {
	ChatID         string     `json:"chat_id"          dynamodbav:"chat_id"          gorm:"type:varchar(64);not null;uniqueIndex:ux_dose_key,priority:1"`
	MedicationID   string     `json:"medication_id"    dynamodbav:"medication_id"    gorm:"type:char(36);not null;uniqueIndex:ux_dose_key,priority:2"`
	LocalDate      string     `json:"local_date"       dynamodbav:"local_date"       gorm:"type:char(10);not null;uniqueIndex:ux_dose_key,priority:3"`
	LocalTime      string     `json:"local_time"       dynamodbav:"local_time"       gorm:"type:char(5);not null;uniqueIndex:ux_dose_key,priority:4"`
	MedicationName string     `json:"medication_name"  dynamodbav:"medication_name"  gorm:"type:varchar(128);not null"`
	Dosage         string     `json:"dosage"           dynamodbav:"dosage"           gorm:"type:varchar(128);not null"`
	DueAt          time.Time  `json:"due_at"           dynamodbav:"due_at"           gorm:"not null"`
	Status         DoseStatus `json:"status"           dynamodbav:"status"           gorm:"type:varchar(16);not null;check:status IN ('sent','confirmed')"`
	SentAt         time.Time  `json:"sent_at"          dynamodbav:"sent_at"          gorm:"not null"`
	ConfirmedAt    *time.Time `json:"confirmed_at"     dynamodbav:"confirmed_at"`
	ExpiresAt      time.Time  `json:"expires_at"       dynamodbav:"expires_at"       gorm:"not null;index"`
}

// TableName returns the database table name for DoseInstance.
func (DoseInstance) TableName() string { return "dose_instances" }

// Key returns the identity of the dose.
func (d DoseInstance) Key() DoseKey {
	return DoseKey{MedicationID: d.MedicationID, Date: d.LocalDate, Time: d.LocalTime}
}

// Expired reports whether the dose has left its retention window.
func (d DoseInstance) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}

// ProcessedUpdate records a messenger update id that has already been
// handled, so webhook redeliveries are acknowledged without side effects.
type ProcessedUpdate struct {
	UpdateID  int64     `gorm:"primaryKey;autoIncrement:false"`
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (ProcessedUpdate) TableName() string { return "processed_updates" }
