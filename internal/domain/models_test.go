package domain

import (
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// Enforce FKs so cascades actually execute.
	db.Exec("PRAGMA foreign_keys=ON;")
	return db
}

func TestTableNames(t *testing.T) {
	cases := map[string]string{
		(Chat{}).TableName():            "chats",
		(Medication{}).TableName():      "medications",
		(DoseInstance{}).TableName():    "dose_instances",
		(ProcessedUpdate{}).TableName(): "processed_updates",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("TableName() = %q; want %q", got, want)
		}
	}
}

func TestMigrations_Indexes_AndCascades(t *testing.T) {
	db := newDomainDB(t)

	if err := db.AutoMigrate(&Chat{}, &Medication{}, &DoseInstance{}, &ProcessedUpdate{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	m := db.Migrator()
	if !m.HasIndex(&Medication{}, "ux_chat_medication_name") {
		t.Fatalf("expected unique index ux_chat_medication_name on medications")
	}
	if !m.HasIndex(&DoseInstance{}, "ux_dose_key") {
		t.Fatalf("expected unique index ux_dose_key on dose_instances")
	}

	now := time.Now().UTC()
	ch := NewChat("42", "Europe/Moscow", LangRussian)
	ch.Conversation = AwaitingDosage(Draft{Name: "Aspirin"})
	ch.Medications = []Medication{{ID: "m1", Name: "Vitamin D", Dosage: "1 tab", Times: []string{"08:00"}, CreatedAt: now}}
	if err := db.Create(ch).Error; err != nil {
		t.Fatalf("insert chat: %v", err)
	}

	var got Chat
	if err := db.Preload("Medications").First(&got, "chat_id = ?", "42").Error; err != nil {
		t.Fatalf("readback: %v", err)
	}
	if got.Conversation.State != StateAwaitingDosage || got.Conversation.Draft == nil || got.Conversation.Draft.Name != "Aspirin" {
		t.Fatalf("conversation not round-tripped: %+v", got.Conversation)
	}
	if len(got.Medications) != 1 || len(got.Medications[0].Times) != 1 || got.Medications[0].Times[0] != "08:00" {
		t.Fatalf("medications not round-tripped: %+v", got.Medications)
	}

	dup := &Medication{ID: "m2", ChatID: "42", Name: "Vitamin D", Dosage: "2 tabs", Times: []string{"09:00"}}
	if err := db.Create(dup).Error; err == nil {
		t.Fatalf("expected UNIQUE violation on (chat_id, name)")
	}

	dose := &DoseInstance{ChatID: "42", MedicationID: "m1", LocalDate: "2024-05-01", LocalTime: "08:00",
		MedicationName: "Vitamin D", Dosage: "1 tab", DueAt: now, Status: DoseSent, SentAt: now, ExpiresAt: now.Add(48 * time.Hour)}
	if err := db.Create(dose).Error; err != nil {
		t.Fatalf("insert dose: %v", err)
	}
	again := *dose
	if err := db.Create(&again).Error; err == nil {
		t.Fatalf("expected UNIQUE violation on dose key")
	}

	// CASCADE: deleting the chat removes its medications
	if err := db.Delete(&Chat{}, "chat_id = ?", "42").Error; err != nil {
		t.Fatalf("delete chat: %v", err)
	}
	var cnt int64
	if err := db.Model(&Medication{}).Where("chat_id = ?", "42").Count(&cnt).Error; err != nil {
		t.Fatalf("count medications: %v", err)
	}
	if cnt != 0 {
		t.Fatalf("expected medications to cascade-delete, got %d", cnt)
	}
}

func TestConversation_Validate(t *testing.T) {
	tests := []struct {
		name string
		c    Conversation
		ok   bool
	}{
		{"idle", Idle(), true},
		{"idle with draft", Conversation{State: StateIdle, Draft: &Draft{}}, false},
		{"awaiting name", AwaitingName(), true},
		{"awaiting dosage without draft", Conversation{State: StateAwaitingDosage}, false},
		{"awaiting times", AwaitingTimes(Draft{Name: "a", Dosage: "b"}), true},
		{"awaiting timezone", AwaitingTimezone(), true},
		{"unknown", Conversation{State: "bogus"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if (err == nil) != tt.ok {
				t.Fatalf("Validate() = %v; want ok=%v", err, tt.ok)
			}
		})
	}

	if n := (Conversation{State: StateIdle, Draft: &Draft{Name: "x"}}).Normalize(); n.Draft != nil || n.State != StateIdle {
		t.Fatalf("Normalize should drop a stray draft, got %+v", n)
	}
	if n := (Conversation{}).Normalize(); n.State != StateIdle {
		t.Fatalf("Normalize of zero value = %+v; want idle", n)
	}
}

func TestChat_CloneIsDeep(t *testing.T) {
	c := NewChat("1", "UTC", LangEnglish)
	c.Conversation = AwaitingTimes(Draft{Name: "a", Dosage: "b", Times: []string{"08:00"}})
	c.Medications = []Medication{{ID: "m", Name: "Zinc", Times: []string{"10:00"}}}

	cp := c.Clone()
	cp.Conversation.Draft.Times[0] = "09:00"
	cp.Medications[0].Times[0] = "11:00"
	cp.Medications[0].Name = "Iron"

	if c.Conversation.Draft.Times[0] != "08:00" || c.Medications[0].Times[0] != "10:00" || c.Medications[0].Name != "Zinc" {
		t.Fatalf("Clone shares state with original: %+v", c)
	}
	if i, m := c.FindMedication("  zINC "); i != 0 || m == nil {
		t.Fatalf("FindMedication should ignore case and spaces")
	}
}

func TestActionID_RoundTrip(t *testing.T) {
	k := DoseKey{MedicationID: "4f1c2b0e-8a55-4b7e-9a57-0f5f0a3c9d11", Date: "2024-03-10", Time: "08:00"}
	id := k.ActionID()
	if len(id) > 64 {
		t.Fatalf("action id too long for callback data: %d bytes", len(id))
	}
	got, err := ParseActionID(id)
	if err != nil || got != k {
		t.Fatalf("ParseActionID(%q) = %+v, %v", id, got, err)
	}
	for _, bad := range []string{"", "ack|x", "nope|m|2024-03-10|08:00", "ack|m|2024-13-10|08:00", "ack|m|2024-03-10|25:00", "ack||2024-03-10|08:00"} {
		if _, err := ParseActionID(bad); err == nil {
			t.Fatalf("ParseActionID(%q) should fail", bad)
		}
	}
}

func TestParseLanguage(t *testing.T) {
	if l, ok := ParseLanguage(" EN "); !ok || l != LangEnglish {
		t.Fatalf("ParseLanguage(EN) = %q, %v", l, ok)
	}
	if _, ok := ParseLanguage("de"); ok {
		t.Fatalf("ParseLanguage(de) should fail")
	}
}
