// Package services – Dispatcher
//
// The Dispatcher turns medication schedules into reminders. On every tick it
// walks all chats, resolves each medication's local intake times against the
// chat's time zone, and for every occurrence inside the look-back window
// conditionally creates a dose instance. Only the caller that created the
// instance sends the reminder, so overlapping or repeated ticks never notify
// twice. A failed send releases the instance so the next tick retries it.
package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/pillsync/internal/domain"
	"github.com/tbourn/pillsync/internal/i18n"
	"github.com/tbourn/pillsync/internal/messenger"
	"github.com/tbourn/pillsync/internal/schedule"
	"github.com/tbourn/pillsync/internal/store"
)

const (
	// DefaultLookback is how far back a tick looks for missed occurrences.
	DefaultLookback = 24 * time.Hour
	// DefaultRetention is how long a dose instance is kept after its due time.
	DefaultRetention = 48 * time.Hour

	defaultConcurrency = 10
)

// TickSummary reports what one tick did.
type TickSummary struct {
	Chats         int   `json:"chats"`
	Due           int   `json:"due"`
	Sent          int   `json:"sent"`
	Duplicates    int   `json:"duplicates"`
	Failed        int   `json:"failed"`
	PurgedDoses   int64 `json:"purged_doses"`
	PurgedUpdates int64 `json:"purged_updates"`
}

func (s *TickSummary) add(o TickSummary) {
	s.Chats += o.Chats
	s.Due += o.Due
	s.Sent += o.Sent
	s.Duplicates += o.Duplicates
	s.Failed += o.Failed
}

// Dispatcher sends reminders for due doses.
type Dispatcher struct {
	Store  store.Store
	Sender messenger.Sender
	Log    zerolog.Logger
	Now    func() time.Time

	Lookback  time.Duration
	Retention time.Duration
	// Concurrency bounds how many chats are processed at once.
	Concurrency int
}

// NewDispatcher constructs a Dispatcher with the default windows.
func NewDispatcher(st store.Store, sender messenger.Sender, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		Store:       st,
		Sender:      sender,
		Log:         log,
		Now:         time.Now,
		Lookback:    DefaultLookback,
		Retention:   DefaultRetention,
		Concurrency: defaultConcurrency,
	}
}

// Tick runs one dispatch pass followed by retention cleanup. Send failures
// are counted, not returned; storage failures abort the pass and are
// returned so the trigger retries.
func (d *Dispatcher) Tick(ctx context.Context) (TickSummary, error) {
	tr := otel.Tracer("services/Dispatcher")
	ctx, span := tr.Start(ctx, "Tick")
	defer span.End()

	started := time.Now()
	defer func() { tickDuration.Observe(time.Since(started).Seconds()) }()

	now := d.Now().UTC()
	var (
		mu  sync.Mutex
		sum TickSummary
	)

	limit := d.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	scanErr := d.Store.ScanChats(gctx, func(c *domain.Chat) error {
		g.Go(func() error {
			res, err := d.dispatchChat(gctx, c, now)
			mu.Lock()
			sum.add(res)
			mu.Unlock()
			return err
		})
		return nil
	})
	err := g.Wait()
	if err == nil {
		err = scanErr
	}
	if err != nil {
		span.RecordError(err)
		d.Log.Error().Err(err).Int("sent", sum.Sent).Msg("tick aborted")
		return sum, err
	}

	if sum.PurgedDoses, err = d.Store.PurgeDoses(ctx, now); err != nil {
		span.RecordError(err)
		return sum, err
	}
	if sum.PurgedUpdates, err = d.Store.PurgeUpdates(ctx, now); err != nil {
		span.RecordError(err)
		return sum, err
	}

	span.SetAttributes(
		attribute.Int("tick.chats", sum.Chats),
		attribute.Int("tick.sent", sum.Sent),
		attribute.Int("tick.failed", sum.Failed),
	)
	d.Log.Info().
		Int("chats", sum.Chats).
		Int("due", sum.Due).
		Int("sent", sum.Sent).
		Int("duplicates", sum.Duplicates).
		Int("failed", sum.Failed).
		Int64("purged_doses", sum.PurgedDoses).
		Int64("purged_updates", sum.PurgedUpdates).
		Msg("tick done")
	return sum, nil
}

type dueDose struct {
	med *domain.Medication
	occ schedule.Occurrence
}

// dispatchChat materializes and sends every due occurrence of one chat in
// due-time order.
func (d *Dispatcher) dispatchChat(ctx context.Context, c *domain.Chat, now time.Time) (TickSummary, error) {
	sum := TickSummary{Chats: 1}

	loc, err := schedule.LoadLocation(c.Timezone)
	if err != nil {
		d.Log.Warn().Err(err).Str("chat_id", c.ChatID).Str("timezone", c.Timezone).Msg("invalid stored time zone, using UTC")
		loc = time.UTC
	}

	earliest := now.Add(-d.Lookback)
	var due []dueDose
	for i := range c.Medications {
		m := &c.Medications[i]
		notBefore := earliest
		if m.CreatedAt.After(notBefore) {
			notBefore = m.CreatedAt
		}
		for _, occ := range schedule.Due(m.Times, loc, now, notBefore) {
			due = append(due, dueDose{med: m, occ: occ})
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].occ.DueAt.Before(due[j].occ.DueAt) })
	sum.Due = len(due)

	retention := max(d.Retention, d.Lookback)
	for _, dd := range due {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		dose := &domain.DoseInstance{
			ChatID:         c.ChatID,
			MedicationID:   dd.med.ID,
			LocalDate:      dd.occ.Date,
			LocalTime:      dd.occ.Time,
			MedicationName: dd.med.Name,
			Dosage:         dd.med.Dosage,
			DueAt:          dd.occ.DueAt,
			Status:         domain.DoseSent,
			SentAt:         now,
			ExpiresAt:      dd.occ.DueAt.Add(retention),
		}
		err := d.Store.CreateDose(ctx, dose)
		if errors.Is(err, store.ErrDuplicate) {
			sum.Duplicates++
			remindersDuplicate.Inc()
			continue
		}
		if err != nil {
			return sum, err
		}

		if err := d.Sender.Send(ctx, reminder(c, dose)); err != nil {
			sum.Failed++
			reminderFailures.Inc()
			d.Log.Warn().Err(err).
				Str("chat_id", c.ChatID).
				Str("dose", dose.Key().String()).
				Msg("reminder delivery failed, releasing dose")
			// The tick deadline may be what failed the send.
			if rerr := d.Store.ReleaseDose(context.WithoutCancel(ctx), c.ChatID, dose.Key()); rerr != nil {
				d.Log.Error().Err(rerr).Str("dose", dose.Key().String()).Msg("release dose")
			}
			continue
		}
		sum.Sent++
		remindersSent.Inc()
	}
	return sum, nil
}

func reminder(c *domain.Chat, dose *domain.DoseInstance) messenger.Directive {
	return messenger.SendReminder(
		c.ChatID,
		i18n.T(c.Language, i18n.Reminder, dose.MedicationName, dose.Dosage, dose.LocalTime),
		dose.Key().ActionID(),
		i18n.T(c.Language, i18n.AckButton),
	)
}
