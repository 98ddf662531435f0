package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/pillsync/internal/domain"
	"github.com/tbourn/pillsync/internal/i18n"
	"github.com/tbourn/pillsync/internal/messenger"
	"github.com/tbourn/pillsync/internal/store"
)

const aspirinID = "11111111-1111-1111-1111-111111111111"

// seedChat stores a chat with one medication.
func seedChat(t *testing.T, st store.Store, chatID, tz string, created time.Time, times ...string) {
	t.Helper()
	c := domain.NewChat(chatID, tz, domain.LangEnglish)
	c.Medications = []domain.Medication{{
		ID: aspirinID, Name: "Aspirin", Dosage: "100mg", Times: times, CreatedAt: created,
	}}
	if err := st.PutChat(context.Background(), c, 0); err != nil {
		t.Fatalf("PutChat: %v", err)
	}
}

func newDispatcher(st store.Store, rec *messenger.Recorder, clk *fakeClock) *Dispatcher {
	d := NewDispatcher(st, rec, nopLog)
	d.Now = clk.Now
	return d
}

func tick(t *testing.T, d *Dispatcher) TickSummary {
	t.Helper()
	sum, err := d.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	return sum
}

func TestDispatcher_SendsEachOccurrenceOnce(t *testing.T) {
	st := newStore(t)
	rec := &messenger.Recorder{}
	clk := newClock(time.Date(2024, 5, 1, 4, 30, 0, 0, time.UTC)) // 07:30 Moscow
	seedChat(t, st, "42", "Europe/Moscow", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), "08:00")
	d := newDispatcher(st, rec, clk)

	if sum := tick(t, d); sum.Chats != 1 || sum.Due != 0 || sum.Sent != 0 {
		t.Fatalf("early tick summary: %+v", sum)
	}

	clk.Set(time.Date(2024, 5, 1, 5, 1, 0, 0, time.UTC)) // 08:01 Moscow
	if sum := tick(t, d); sum.Sent != 1 || sum.Duplicates != 0 {
		t.Fatalf("due tick summary: %+v", sum)
	}
	sent := rec.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d reminders; want 1", len(sent))
	}
	got := sent[0]
	if got.Kind != messenger.Reminder || got.ChatID != "42" {
		t.Fatalf("unexpected directive: %+v", got)
	}
	if want := "ack|" + aspirinID + "|2024-05-01|08:00"; got.ActionID != want {
		t.Fatalf("ActionID=%q; want %q", got.ActionID, want)
	}
	if want := i18n.T(domain.LangEnglish, i18n.Reminder, "Aspirin", "100mg", "08:00"); got.Text != want {
		t.Fatalf("Text=%q; want %q", got.Text, want)
	}
	if got.ActionLabel != i18n.T(domain.LangEnglish, i18n.AckButton) {
		t.Fatalf("ActionLabel=%q", got.ActionLabel)
	}

	clk.Set(time.Date(2024, 5, 1, 5, 2, 0, 0, time.UTC))
	if sum := tick(t, d); sum.Sent != 0 || sum.Duplicates != 1 {
		t.Fatalf("repeat tick summary: %+v", sum)
	}
	if n := len(rec.Sent()); n != 1 {
		t.Fatalf("reminder repeated: %d sent", n)
	}

	dose, err := st.GetDose(context.Background(), "42", domain.DoseKey{MedicationID: aspirinID, Date: "2024-05-01", Time: "08:00"})
	if err != nil {
		t.Fatalf("GetDose: %v", err)
	}
	if !dose.DueAt.Equal(time.Date(2024, 5, 1, 5, 0, 0, 0, time.UTC)) || dose.Status != domain.DoseSent {
		t.Fatalf("unexpected dose: %+v", dose)
	}
	if want := dose.DueAt.Add(DefaultRetention); !dose.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt=%v; want %v", dose.ExpiresAt, want)
	}
}

func TestDispatcher_CatchesUpWithinLookback(t *testing.T) {
	st := newStore(t)
	rec := &messenger.Recorder{}
	clk := newClock(time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC))
	seedChat(t, st, "42", "Europe/Moscow", time.Date(2024, 4, 20, 0, 0, 0, 0, time.UTC), "20:00", "08:00")
	d := newDispatcher(st, rec, clk)

	sum := tick(t, d)
	if sum.Due != 2 || sum.Sent != 2 {
		t.Fatalf("summary: %+v", sum)
	}
	sent := rec.Sent()
	want := []string{
		"ack|" + aspirinID + "|2024-04-30|20:00",
		"ack|" + aspirinID + "|2024-05-01|08:00",
	}
	for i, w := range want {
		if sent[i].ActionID != w {
			t.Fatalf("reminder %d ActionID=%q; want %q", i, sent[i].ActionID, w)
		}
	}
}

func TestDispatcher_SkipsOccurrencesBeforeCreation(t *testing.T) {
	st := newStore(t)
	rec := &messenger.Recorder{}
	// Added at 08:30 Moscow with an 08:00 time: today's 08:00 is not owed.
	created := time.Date(2024, 5, 1, 5, 30, 0, 0, time.UTC)
	clk := newClock(created.Add(time.Minute))
	seedChat(t, st, "42", "Europe/Moscow", created, "08:00")

	if sum := tick(t, newDispatcher(st, rec, clk)); sum.Due != 0 {
		t.Fatalf("summary: %+v", sum)
	}
}

func TestDispatcher_ReleasesDoseWhenDeliveryFails(t *testing.T) {
	st := newStore(t)
	rec := &messenger.Recorder{Fail: func(messenger.Directive) error { return errors.New("network down") }}
	clk := newClock(time.Date(2024, 5, 1, 5, 1, 0, 0, time.UTC))
	seedChat(t, st, "42", "Europe/Moscow", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), "08:00")
	d := newDispatcher(st, rec, clk)

	if sum := tick(t, d); sum.Failed != 1 || sum.Sent != 0 {
		t.Fatalf("failing tick summary: %+v", sum)
	}
	if _, err := st.GetDose(context.Background(), "42", domain.DoseKey{MedicationID: aspirinID, Date: "2024-05-01", Time: "08:00"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("dose kept after failed delivery: err=%v", err)
	}

	rec.Fail = nil
	if sum := tick(t, d); sum.Sent != 1 {
		t.Fatalf("retry tick summary: %+v", sum)
	}
}

// cancelingSender simulates the tick deadline expiring mid-delivery.
type cancelingSender struct{ cancel context.CancelFunc }

func (s cancelingSender) Send(ctx context.Context, _ messenger.Directive) error {
	s.cancel()
	return ctx.Err()
}

func TestDispatcher_ReleasesDoseWhenTickDeadlineHitsDelivery(t *testing.T) {
	st := newStore(t)
	clk := newClock(time.Date(2024, 5, 1, 5, 1, 0, 0, time.UTC))
	seedChat(t, st, "42", "Europe/Moscow", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), "08:00")

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(st, cancelingSender{cancel: cancel}, nopLog)
	d.Now = clk.Now
	_, _ = d.Tick(ctx)

	key := domain.DoseKey{MedicationID: aspirinID, Date: "2024-05-01", Time: "08:00"}
	if _, err := st.GetDose(context.Background(), "42", key); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("undelivered dose kept: err=%v", err)
	}

	rec := &messenger.Recorder{}
	clk.Set(time.Date(2024, 5, 1, 5, 6, 0, 0, time.UTC))
	if sum := tick(t, newDispatcher(st, rec, clk)); sum.Sent != 1 || sum.Duplicates != 0 {
		t.Fatalf("retry tick summary: %+v", sum)
	}
}

func TestDispatcher_InvalidTimezoneFallsBackToUTC(t *testing.T) {
	st := newStore(t)
	rec := &messenger.Recorder{}
	clk := newClock(time.Date(2024, 5, 1, 5, 1, 0, 0, time.UTC))
	seedChat(t, st, "42", "Nowhere/Void", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), "05:00")

	if sum := tick(t, newDispatcher(st, rec, clk)); sum.Sent != 1 {
		t.Fatalf("summary: %+v", sum)
	}
}

func TestDispatcher_ConcurrentTicksNotifyOnce(t *testing.T) {
	st := newStore(t)
	rec := &messenger.Recorder{}
	clk := newClock(time.Date(2024, 5, 1, 5, 1, 0, 0, time.UTC))
	seedChat(t, st, "42", "Europe/Moscow", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), "08:00")
	seedChat(t, st, "43", "UTC", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), "05:00")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = newDispatcher(st, rec, clk).Tick(context.Background())
		}()
	}
	wg.Wait()

	if n := len(rec.Sent()); n != 2 {
		t.Fatalf("sent %d reminders across concurrent ticks; want 2", n)
	}
}

func TestDispatcher_PurgesExpiredRecords(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)

	due := time.Date(2024, 5, 1, 5, 0, 0, 0, time.UTC)
	old := &domain.DoseInstance{
		ChatID:         "42",
		MedicationID:   aspirinID,
		LocalDate:      "2024-05-01",
		LocalTime:      "08:00",
		MedicationName: "Aspirin",
		Dosage:         "100mg",
		DueAt:          due,
		Status:         domain.DoseSent,
		SentAt:         due,
		ExpiresAt:      due.Add(48 * time.Hour),
	}
	if err := st.CreateDose(ctx, old); err != nil {
		t.Fatalf("CreateDose: %v", err)
	}
	if err := st.ClaimUpdate(ctx, 77, now.Add(-48*time.Hour), 24*time.Hour); err != nil {
		t.Fatalf("ClaimUpdate: %v", err)
	}

	sum := tick(t, newDispatcher(st, &messenger.Recorder{}, newClock(now)))
	if sum.PurgedDoses != 1 || sum.PurgedUpdates != 1 {
		t.Fatalf("summary: %+v", sum)
	}
}

func TestDispatcher_StorageFailureAbortsTick(t *testing.T) {
	fs := &faultyStore{Store: newStore(t), createDoseErr: store.Unavailable("create dose", errors.New("throttled"))}
	rec := &messenger.Recorder{}
	clk := newClock(time.Date(2024, 5, 1, 5, 1, 0, 0, time.UTC))
	seedChat(t, fs, "42", "Europe/Moscow", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), "08:00")

	_, err := newDispatcher(fs, rec, clk).Tick(context.Background())
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("err=%v; want ErrUnavailable", err)
	}
	if n := len(rec.Sent()); n != 0 {
		t.Fatalf("sent %d reminders without a dose record", n)
	}
}

func TestDispatcher_HonorsCancellation(t *testing.T) {
	st := newStore(t)
	seedChat(t, st, "42", "UTC", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), "05:00")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newDispatcher(st, &messenger.Recorder{}, newClock(time.Date(2024, 5, 1, 5, 1, 0, 0, time.UTC))).Tick(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v; want context.Canceled", err)
	}
}
