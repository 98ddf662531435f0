// Package storetest holds behavioral tests every store.Store backend must
// pass. Backend packages call Run from their own _test.go files.
package storetest

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/pillsync/internal/domain"
	"github.com/tbourn/pillsync/internal/store"
)

// Factory returns an empty store; cleanup is registered on t.
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("ChatLifecycle", func(t *testing.T) { testChatLifecycle(t, newStore(t)) })
	t.Run("ChatVersionConflict", func(t *testing.T) { testChatVersionConflict(t, newStore(t)) })
	t.Run("ScanChats", func(t *testing.T) { testScanChats(t, newStore(t)) })
	t.Run("DoseCreatedOnce", func(t *testing.T) { testDoseCreatedOnce(t, newStore(t)) })
	t.Run("DoseConcurrentCreate", func(t *testing.T) { testDoseConcurrentCreate(t, newStore(t)) })
	t.Run("DoseConfirm", func(t *testing.T) { testDoseConfirm(t, newStore(t)) })
	t.Run("DoseConfirmExpired", func(t *testing.T) { testDoseConfirmExpired(t, newStore(t)) })
	t.Run("DoseReleaseAndList", func(t *testing.T) { testDoseReleaseAndList(t, newStore(t)) })
	t.Run("DosePurge", func(t *testing.T) { testDosePurge(t, newStore(t)) })
	t.Run("ClaimUpdate", func(t *testing.T) { testClaimUpdate(t, newStore(t)) })
}

var base = time.Date(2024, 5, 1, 5, 0, 0, 0, time.UTC)

func sampleChat(id string) *domain.Chat {
	c := domain.NewChat(id, "Europe/Moscow", domain.LangRussian)
	c.Medications = []domain.Medication{
		{ID: "11111111-1111-1111-1111-111111111111", Name: "Aspirin", Dosage: "100mg", Times: []string{"08:00", "20:00"}, CreatedAt: base},
		{ID: "22222222-2222-2222-2222-222222222222", Name: "Zinc", Dosage: "1 tab", Times: []string{"12:00"}, CreatedAt: base},
	}
	return c
}

func sampleDose(chatID, date, clock string) *domain.DoseInstance {
	return &domain.DoseInstance{
		ChatID:         chatID,
		MedicationID:   "11111111-1111-1111-1111-111111111111",
		LocalDate:      date,
		LocalTime:      clock,
		MedicationName: "Aspirin",
		Dosage:         "100mg",
		DueAt:          base,
		Status:         domain.DoseSent,
		SentAt:         base,
		ExpiresAt:      base.Add(48 * time.Hour),
	}
}

func testChatLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()

	if _, err := s.GetChat(ctx, "42"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetChat(missing) err=%v; want ErrNotFound", err)
	}

	c := sampleChat("42")
	if err := s.PutChat(ctx, c, 0); err != nil {
		t.Fatalf("PutChat create: %v", err)
	}
	if c.Version != 1 {
		t.Fatalf("version after create = %d; want 1", c.Version)
	}

	got, err := s.GetChat(ctx, "42")
	if err != nil {
		t.Fatalf("GetChat: %v", err)
	}
	if got.Timezone != "Europe/Moscow" || got.Language != domain.LangRussian || got.Version != 1 {
		t.Fatalf("unexpected chat: %+v", got)
	}
	if got.Conversation.State != domain.StateIdle || got.Conversation.Draft != nil {
		t.Fatalf("new chat should be idle without draft: %+v", got.Conversation)
	}
	if len(got.Medications) != 2 || got.Medications[0].Name != "Aspirin" || got.Medications[1].Name != "Zinc" {
		t.Fatalf("medications not preserved in order: %+v", got.Medications)
	}
	if ts := got.Medications[0].Times; len(ts) != 2 || ts[0] != "08:00" || ts[1] != "20:00" {
		t.Fatalf("times not preserved: %v", ts)
	}

	// Update: drop a medication, enter the add flow.
	got.Medications = got.Medications[1:]
	got.Conversation = domain.AwaitingTimes(domain.Draft{Name: "Iron", Dosage: "5ml", Times: []string{"09:00"}})
	got.Timezone = "UTC"
	if err := s.PutChat(ctx, got, 1); err != nil {
		t.Fatalf("PutChat update: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("version after update = %d; want 2", got.Version)
	}

	again, err := s.GetChat(ctx, "42")
	if err != nil {
		t.Fatalf("GetChat after update: %v", err)
	}
	if again.Timezone != "UTC" || len(again.Medications) != 1 || again.Medications[0].Name != "Zinc" {
		t.Fatalf("update not applied: %+v", again)
	}
	d := again.Conversation.Draft
	if again.Conversation.State != domain.StateAwaitingTimes || d == nil || d.Name != "Iron" || len(d.Times) != 1 {
		t.Fatalf("draft not round-tripped: %+v", again.Conversation)
	}

	// Back to idle clears the draft.
	again.Conversation = domain.Idle()
	if err := s.PutChat(ctx, again, 2); err != nil {
		t.Fatalf("PutChat idle: %v", err)
	}
	last, err := s.GetChat(ctx, "42")
	if err != nil {
		t.Fatalf("GetChat: %v", err)
	}
	if last.Conversation.State != domain.StateIdle || last.Conversation.Draft != nil {
		t.Fatalf("idle must not hold a draft: %+v", last.Conversation)
	}
}

func testChatVersionConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := sampleChat("7")
	if err := s.PutChat(ctx, c, 0); err != nil {
		t.Fatalf("PutChat: %v", err)
	}
	if err := s.PutChat(ctx, sampleChat("7"), 0); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second create err=%v; want ErrConflict", err)
	}

	a, _ := s.GetChat(ctx, "7")
	b, _ := s.GetChat(ctx, "7")
	a.Timezone = "UTC"
	if err := s.PutChat(ctx, a, 1); err != nil {
		t.Fatalf("first writer: %v", err)
	}
	b.Timezone = "Asia/Tokyo"
	if err := s.PutChat(ctx, b, 1); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("stale writer err=%v; want ErrConflict", err)
	}
	got, _ := s.GetChat(ctx, "7")
	if got.Timezone != "UTC" {
		t.Fatalf("stale write leaked: timezone=%q", got.Timezone)
	}
}

func testScanChats(t *testing.T, s store.Store) {
	ctx := context.Background()
	want := []string{}
	for i := 0; i < 5; i++ {
		id := strconv.Itoa(100 + i)
		want = append(want, id)
		if err := s.PutChat(ctx, sampleChat(id), 0); err != nil {
			t.Fatalf("PutChat %s: %v", id, err)
		}
	}

	var got []string
	if err := s.ScanChats(ctx, func(c *domain.Chat) error {
		if len(c.Medications) != 2 {
			t.Fatalf("scan should load medications for %s", c.ChatID)
		}
		got = append(got, c.ChatID)
		return nil
	}); err != nil {
		t.Fatalf("ScanChats: %v", err)
	}
	sort.Strings(got)
	if len(got) != len(want) {
		t.Fatalf("scanned %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("scanned %v; want %v", got, want)
		}
	}

	stop := errors.New("stop")
	n := 0
	err := s.ScanChats(ctx, func(*domain.Chat) error { n++; return stop })
	if !errors.Is(err, stop) || n != 1 {
		t.Fatalf("callback error should stop the scan: err=%v calls=%d", err, n)
	}
}

func testDoseCreatedOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.CreateDose(ctx, sampleDose("1", "2024-05-01", "08:00")); err != nil {
		t.Fatalf("CreateDose: %v", err)
	}
	if err := s.CreateDose(ctx, sampleDose("1", "2024-05-01", "08:00")); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("second CreateDose err=%v; want ErrDuplicate", err)
	}
	// Different date, time or chat are different keys.
	for _, d := range []*domain.DoseInstance{
		sampleDose("1", "2024-05-02", "08:00"),
		sampleDose("1", "2024-05-01", "20:00"),
		sampleDose("2", "2024-05-01", "08:00"),
	} {
		if err := s.CreateDose(ctx, d); err != nil {
			t.Fatalf("CreateDose %+v: %v", d.Key(), err)
		}
	}

	got, err := s.GetDose(ctx, "1", domain.DoseKey{MedicationID: "11111111-1111-1111-1111-111111111111", Date: "2024-05-01", Time: "08:00"})
	if err != nil {
		t.Fatalf("GetDose: %v", err)
	}
	if got.Status != domain.DoseSent || got.MedicationName != "Aspirin" || !got.DueAt.Equal(base) {
		t.Fatalf("unexpected dose: %+v", got)
	}
	if _, err := s.GetDose(ctx, "1", domain.DoseKey{MedicationID: "x", Date: "2024-05-01", Time: "08:00"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetDose(missing) err=%v; want ErrNotFound", err)
	}
}

func testDoseConcurrentCreate(t *testing.T, s store.Store) {
	ctx := context.Background()
	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.CreateDose(ctx, sampleDose("9", "2024-05-01", "08:00"))
			if err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			} else if !errors.Is(err, store.ErrDuplicate) && !errors.Is(err, store.ErrUnavailable) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Fatalf("concurrent creates succeeded %d times; want exactly 1", created)
	}
}

func testDoseConfirm(t *testing.T, s store.Store) {
	ctx := context.Background()
	d := sampleDose("1", "2024-05-01", "08:00")
	if err := s.CreateDose(ctx, d); err != nil {
		t.Fatalf("CreateDose: %v", err)
	}
	at := base.Add(10 * time.Minute)
	if err := s.ConfirmDose(ctx, "1", d.Key(), at); err != nil {
		t.Fatalf("ConfirmDose: %v", err)
	}
	if err := s.ConfirmDose(ctx, "1", d.Key(), at.Add(time.Minute)); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second ConfirmDose err=%v; want ErrConflict", err)
	}
	got, err := s.GetDose(ctx, "1", d.Key())
	if err != nil {
		t.Fatalf("GetDose: %v", err)
	}
	if got.Status != domain.DoseConfirmed || got.ConfirmedAt == nil || !got.ConfirmedAt.Equal(at) {
		t.Fatalf("dose not confirmed once at %v: %+v", at, got)
	}
	missing := domain.DoseKey{MedicationID: "nope", Date: "2024-05-01", Time: "08:00"}
	if err := s.ConfirmDose(ctx, "1", missing, at); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("ConfirmDose(missing) err=%v; want ErrNotFound", err)
	}
}

// A dose past its expiry is gone for acknowledgment even before a purge.
func testDoseConfirmExpired(t *testing.T, s store.Store) {
	ctx := context.Background()
	d := sampleDose("1", "2024-05-01", "08:00")
	if err := s.CreateDose(ctx, d); err != nil {
		t.Fatalf("CreateDose: %v", err)
	}
	if err := s.ConfirmDose(ctx, "1", d.Key(), d.ExpiresAt.Add(time.Hour)); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("ConfirmDose(expired) err=%v; want ErrNotFound", err)
	}
	got, err := s.GetDose(ctx, "1", d.Key())
	if err != nil {
		t.Fatalf("GetDose: %v", err)
	}
	if got.Status != domain.DoseSent || got.ConfirmedAt != nil {
		t.Fatalf("expired dose was confirmed: %+v", got)
	}
	if err := s.ConfirmDose(ctx, "1", d.Key(), d.ExpiresAt.Add(-time.Minute)); err != nil {
		t.Fatalf("ConfirmDose(before expiry): %v", err)
	}
}

func testDoseReleaseAndList(t *testing.T, s store.Store) {
	ctx := context.Background()
	early := sampleDose("1", "2024-05-01", "08:00")
	late := sampleDose("1", "2024-05-01", "20:00")
	late.DueAt = base.Add(12 * time.Hour)
	old := sampleDose("1", "2024-04-29", "08:00")
	old.DueAt = base.Add(-48 * time.Hour)
	for _, d := range []*domain.DoseInstance{late, early, old} {
		if err := s.CreateDose(ctx, d); err != nil {
			t.Fatalf("CreateDose: %v", err)
		}
	}

	list, err := s.ListDoses(ctx, "1", base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListDoses: %v", err)
	}
	if len(list) != 2 || list[0].LocalTime != "08:00" || list[1].LocalTime != "20:00" {
		t.Fatalf("ListDoses = %+v; want 08:00 then 20:00", list)
	}

	// A confirmed dose is not released.
	if err := s.ConfirmDose(ctx, "1", late.Key(), base); err != nil {
		t.Fatalf("ConfirmDose: %v", err)
	}
	if err := s.ReleaseDose(ctx, "1", late.Key()); err != nil {
		t.Fatalf("ReleaseDose(confirmed): %v", err)
	}
	if _, err := s.GetDose(ctx, "1", late.Key()); err != nil {
		t.Fatalf("confirmed dose must survive release: %v", err)
	}

	if err := s.ReleaseDose(ctx, "1", early.Key()); err != nil {
		t.Fatalf("ReleaseDose: %v", err)
	}
	if err := s.CreateDose(ctx, sampleDose("1", "2024-05-01", "08:00")); err != nil {
		t.Fatalf("released key should be creatable again: %v", err)
	}
}

func testDosePurge(t *testing.T, s store.Store) {
	ctx := context.Background()
	keep := sampleDose("1", "2024-05-01", "08:00")
	drop := sampleDose("1", "2024-04-28", "08:00")
	drop.ExpiresAt = base.Add(-time.Minute)
	for _, d := range []*domain.DoseInstance{keep, drop} {
		if err := s.CreateDose(ctx, d); err != nil {
			t.Fatalf("CreateDose: %v", err)
		}
	}
	n, err := s.PurgeDoses(ctx, base)
	if err != nil {
		t.Fatalf("PurgeDoses: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d; want 1", n)
	}
	if _, err := s.GetDose(ctx, "1", drop.Key()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expired dose should be gone, err=%v", err)
	}
	if _, err := s.GetDose(ctx, "1", keep.Key()); err != nil {
		t.Fatalf("live dose should remain: %v", err)
	}
}

func testClaimUpdate(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.ClaimUpdate(ctx, 1001, base, time.Hour); err != nil {
		t.Fatalf("ClaimUpdate: %v", err)
	}
	if err := s.ClaimUpdate(ctx, 1001, base.Add(time.Minute), time.Hour); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("second claim err=%v; want ErrDuplicate", err)
	}
	// After expiry the id can be claimed again.
	if err := s.ClaimUpdate(ctx, 1001, base.Add(2*time.Hour), time.Hour); err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
	if err := s.ClaimUpdate(ctx, 1002, base, time.Hour); err != nil {
		t.Fatalf("ClaimUpdate other id: %v", err)
	}

	// A released claim can be taken again right away.
	if err := s.ClaimUpdate(ctx, 1003, base, time.Hour); err != nil {
		t.Fatalf("ClaimUpdate 1003: %v", err)
	}
	if err := s.ReleaseUpdate(ctx, 1003); err != nil {
		t.Fatalf("ReleaseUpdate: %v", err)
	}
	if err := s.ClaimUpdate(ctx, 1003, base, time.Hour); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
	if err := s.ReleaseUpdate(ctx, 9999); err != nil {
		t.Fatalf("ReleaseUpdate(unknown): %v", err)
	}
	n, err := s.PurgeUpdates(ctx, base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("PurgeUpdates: %v", err)
	}
	if n != 2 {
		t.Fatalf("purged %d update claims; want 2", n)
	}
}
