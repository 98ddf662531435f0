// Package domain defines the persistence models for chats, medications and
// scheduled doses. These types are mapped with GORM and also carry the JSON
// and DynamoDB attribute tags used by the key-value store backends, so every
// backend persists the same shape.
package domain

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Language is a supported interface language.
type Language string

const (
	LangEnglish Language = "en"
	LangRussian Language = "ru"
)

// ParseLanguage normalizes s ("EN", " ru ") to a supported Language.
func ParseLanguage(s string) (Language, bool) {
	switch Language(strings.ToLower(strings.TrimSpace(s))) {
	case LangEnglish:
		return LangEnglish, true
	case LangRussian:
		return LangRussian, true
	}
	return "", false
}

// Chat is the root aggregate: one record per chat identity. It owns the
// timezone, language, conversation state and the medication list.
//
// Fields:
//   - ChatID: messenger chat identifier, primary key.
//   - Timezone: IANA zone name used to interpret medication times.
//   - Language: interface language for outbound messages.
//   - Conversation: current step of the multi-step input flow.
//   - Version: optimistic concurrency token; bumped on every committed write.
//   - Medications: ordered by Position.
type Chat struct {
	ChatID       string       `json:"chat_id"      dynamodbav:"chat_id"      gorm:"type:varchar(64);primaryKey"`
	Timezone     string       `json:"timezone"     dynamodbav:"timezone"     gorm:"type:varchar(64);not null;default:'UTC'"`
	Language     Language     `json:"language"     dynamodbav:"language"     gorm:"type:varchar(8);not null;default:'ru'"`
	Conversation Conversation `json:"conversation" dynamodbav:"conversation" gorm:"embedded;embeddedPrefix:conv_"`
	Version      int64        `json:"version"      dynamodbav:"version"      gorm:"not null;default:0"`
	CreatedAt    time.Time    `json:"created_at"   dynamodbav:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"   dynamodbav:"updated_at"`

	Medications []Medication `json:"medications" dynamodbav:"medications" gorm:"foreignKey:ChatID;references:ChatID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Chat.
func (Chat) TableName() string { return "chats" }

// NewChat returns an idle record with the given defaults applied.
func NewChat(chatID, timezone string, lang Language) *Chat {
	return &Chat{
		ChatID:       chatID,
		Timezone:     timezone,
		Language:     lang,
		Conversation: Idle(),
	}
}

// Clone returns a deep copy so a transition can be computed without touching
// the loaded record.
func (c *Chat) Clone() *Chat {
	cp := *c
	cp.Conversation = c.Conversation.clone()
	if c.Medications != nil {
		cp.Medications = make([]Medication, len(c.Medications))
		for i, m := range c.Medications {
			m.Times = append(datatypes.JSONSlice[string](nil), m.Times...)
			cp.Medications[i] = m
		}
	}
	return &cp
}

// FindMedication looks a medication up by name, ignoring case.
func (c *Chat) FindMedication(name string) (int, *Medication) {
	key := NameKey(name)
	for i := range c.Medications {
		if NameKey(c.Medications[i].Name) == key {
			return i, &c.Medications[i]
		}
	}
	return -1, nil
}

// MedicationByID returns the medication with the given id, or nil.
func (c *Chat) MedicationByID(id string) *Medication {
	for i := range c.Medications {
		if c.Medications[i].ID == id {
			return &c.Medications[i]
		}
	}
	return nil
}

// NameKey is the case-insensitive identity of a medication name.
func NameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Medication is a drug with a dosage and a set of daily local intake times.
// Times hold normalized "HH:MM" values, sorted and unique; a persisted
// medication always has at least one.
type Medication struct {
	ID        string                      `json:"id"         dynamodbav:"id"         gorm:"type:char(36);primaryKey"`
	ChatID    string                      `json:"chat_id"    dynamodbav:"-"          gorm:"type:varchar(64);not null;index;uniqueIndex:ux_chat_medication_name,priority:1"`
	Name      string                      `json:"name"       dynamodbav:"name"       gorm:"type:varchar(128);not null;uniqueIndex:ux_chat_medication_name,priority:2"`
	Dosage    string                      `json:"dosage"     dynamodbav:"dosage"     gorm:"type:varchar(128);not null"`
	Times     datatypes.JSONSlice[string] `json:"times"      dynamodbav:"times"      gorm:"not null"`
	Position  int                         `json:"position"   dynamodbav:"position"   gorm:"not null;default:0"`
	CreatedAt time.Time                   `json:"created_at" dynamodbav:"created_at"`
}

// TableName returns the database table name for Medication.
func (Medication) TableName() string { return "medications" }
