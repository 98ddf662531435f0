// Package services – ConversationService
//
// ConversationService owns the per-chat conversation state machine. Each
// inbound text is applied to a freshly loaded copy of the chat record and
// committed with a version-conditional write; a lost race reloads and
// re-applies the text. Replies are rendered only after the commit, in the
// language the chat has after the transition.
//
// Observability: Handle is OpenTelemetry-instrumented and committed state
// changes are counted per (from, to) pair.
package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/tbourn/pillsync/internal/domain"
	"github.com/tbourn/pillsync/internal/i18n"
	"github.com/tbourn/pillsync/internal/messenger"
	"github.com/tbourn/pillsync/internal/schedule"
	"github.com/tbourn/pillsync/internal/store"
)

const (
	// MaxNameRunes caps medication names.
	MaxNameRunes = 64
	// MaxDosageRunes caps dosage descriptions.
	MaxDosageRunes = 64

	defaultAttempts = 3
	confirmedMark   = " ✓"
)

// Defaults are applied to chats seen for the first time.
type Defaults struct {
	Timezone string
	Language domain.Language
}

// ConversationService applies user text to the chat's conversation.
type ConversationService struct {
	Store    store.Store
	Defaults Defaults
	Log      zerolog.Logger

	// Now and NewID are replaceable in tests.
	Now   func() time.Time
	NewID func() string

	// MaxAttempts bounds optimistic retries on version conflicts.
	MaxAttempts int
}

// NewConversationService constructs a ConversationService, filling in UTC and
// Russian when defaults are empty.
func NewConversationService(st store.Store, def Defaults, log zerolog.Logger) *ConversationService {
	if def.Timezone == "" {
		def.Timezone = "UTC"
	}
	if _, ok := domain.ParseLanguage(string(def.Language)); !ok {
		def.Language = domain.LangRussian
	}
	return &ConversationService{
		Store:       st,
		Defaults:    def,
		Log:         log,
		Now:         time.Now,
		NewID:       uuid.NewString,
		MaxAttempts: defaultAttempts,
	}
}

// reply is one outgoing message, either a catalog key or pre-rendered text.
type reply struct {
	key  i18n.Key
	args []any
	text string
}

func say(key i18n.Key, args ...any) []reply { return []reply{{key: key, args: args}} }

// Handle applies text to the chat identified by chatID and returns the
// replies to send. Validation failures come back as replies, not errors;
// errors are storage failures (store.ErrUnavailable) or ErrContention.
func (s *ConversationService) Handle(ctx context.Context, chatID, text string) ([]messenger.Directive, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Handle",
		trace.WithAttributes(attribute.String("chat.id", chatID)),
	)
	defer span.End()

	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		rec, err := s.load(ctx, chatID)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		now := s.Now().UTC()

		next := rec.Clone()
		replies, dirty, err := s.apply(ctx, next, text, now)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if !dirty {
			return render(chatID, next.Language, replies), nil
		}

		if rec.Version == 0 {
			next.CreatedAt = now
		}
		next.UpdatedAt = now
		err = s.Store.PutChat(ctx, next, rec.Version)
		if errors.Is(err, store.ErrConflict) {
			s.Log.Debug().Str("chat_id", chatID).Int("attempt", attempt).Msg("chat version conflict, retrying")
			continue
		}
		if err != nil {
			span.RecordError(err)
			return nil, err
		}

		if from, to := rec.Conversation.State, next.Conversation.State; from != to {
			transitions.WithLabelValues(string(from), string(to)).Inc()
		}
		span.SetAttributes(attribute.String("conversation.state", string(next.Conversation.State)))
		return render(chatID, next.Language, replies), nil
	}

	s.Log.Warn().Str("chat_id", chatID).Int("attempts", attempts).Msg("giving up after repeated version conflicts")
	return nil, ErrContention
}

// load returns the stored chat, or a fresh one with the defaults applied.
func (s *ConversationService) load(ctx context.Context, chatID string) (*domain.Chat, error) {
	rec, err := s.Store.GetChat(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.NewChat(chatID, s.Defaults.Timezone, s.Defaults.Language), nil
	}
	if err != nil {
		return nil, err
	}
	rec.Conversation = rec.Conversation.Normalize()
	if _, ok := domain.ParseLanguage(string(rec.Language)); !ok {
		rec.Language = s.Defaults.Language
	}
	return rec, nil
}

func render(chatID string, lang domain.Language, rs []reply) []messenger.Directive {
	out := make([]messenger.Directive, 0, len(rs))
	for _, r := range rs {
		text := r.text
		if text == "" {
			text = i18n.T(lang, r.key, r.args...)
		}
		out = append(out, messenger.SendText(chatID, text))
	}
	return out
}

// parseCommand splits "/cmd@bot arg1 arg2" into a lower-cased command name
// and its arguments. ok is false for plain text.
func parseCommand(text string) (cmd string, args []string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name), fields[1:], true
}

// isDone reports whether text ends the times step.
func isDone(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "done", "готово":
		return true
	}
	return false
}

// apply mutates rec according to text and reports whether it must be
// persisted.
func (s *ConversationService) apply(ctx context.Context, rec *domain.Chat, text string, now time.Time) ([]reply, bool, error) {
	state := rec.Conversation.State

	if cmd, args, ok := parseCommand(text); ok {
		switch cmd {
		case "cancel":
			if state == domain.StateIdle {
				return say(i18n.Cancelled), false, nil
			}
			rec.Conversation = domain.Idle()
			return say(i18n.Cancelled), true, nil
		case "start", "help":
			return say(i18n.Start), false, nil
		case "done":
			if state == domain.StateAwaitingTimes {
				return s.finishDraft(rec, now)
			}
		}
		if state != domain.StateIdle {
			return say(i18n.Busy), false, nil
		}
		return s.command(ctx, rec, cmd, args, now)
	}

	switch state {
	case domain.StateAwaitingMedicationName:
		return acceptName(rec, text)
	case domain.StateAwaitingDosage:
		return acceptDosage(rec, text)
	case domain.StateAwaitingTimes:
		if isDone(text) {
			return s.finishDraft(rec, now)
		}
		return acceptTimes(rec, text)
	case domain.StateAwaitingTimezone:
		return acceptTimezone(rec, text)
	}
	return say(i18n.Start), false, nil
}

// command runs an idle-state command. Each has a short and a long name,
// e.g. /add and /addmedicine.
func (s *ConversationService) command(ctx context.Context, rec *domain.Chat, cmd string, args []string, now time.Time) ([]reply, bool, error) {
	switch cmd {
	case "add", "addmedicine":
		return s.add(rec, args, now)

	case "delete", "deletemedicine":
		if len(args) == 0 {
			return say(i18n.DeleteUsage), false, nil
		}
		name := strings.Join(args, " ")
		i, m := rec.FindMedication(name)
		if m == nil {
			return say(i18n.MedicationAbsent, name), false, nil
		}
		removed := m.Name
		rec.Medications = append(rec.Medications[:i:i], rec.Medications[i+1:]...)
		return say(i18n.MedicationGone, removed), true, nil

	case "list", "listmedicines":
		text, err := s.list(ctx, rec, now)
		if err != nil {
			return nil, false, err
		}
		return []reply{{text: text}}, false, nil

	case "timezone", "settimezone":
		if len(args) == 0 {
			rec.Conversation = domain.AwaitingTimezone()
			return say(i18n.TimezonePrompt), true, nil
		}
		return acceptTimezone(rec, args[0])

	case "language", "setlanguage":
		if len(args) != 1 {
			return say(i18n.LanguageUsage), false, nil
		}
		lang, ok := domain.ParseLanguage(args[0])
		if !ok {
			return say(i18n.LanguageUsage), false, nil
		}
		dirty := rec.Language != lang
		rec.Language = lang
		return say(i18n.LanguageSet), dirty, nil
	}
	return say(i18n.Start), false, nil
}

// add starts the step-by-step flow, or with "<name> <dosage> <times...>"
// adds the medication at once.
func (s *ConversationService) add(rec *domain.Chat, args []string, now time.Time) ([]reply, bool, error) {
	switch {
	case len(args) == 0:
		rec.Conversation = domain.AwaitingName()
		return say(i18n.PromptName), true, nil
	case len(args) < 3:
		return say(i18n.AddUsage), false, nil
	}

	name, err := validateName(args[0])
	if err != nil {
		return rejected(err)
	}
	dosage, err := validateDosage(args[1])
	if err != nil {
		return rejected(err)
	}
	times, err := parseTimes(strings.Join(args[2:], " "))
	if err != nil {
		return rejected(err)
	}
	if err := checkNameFree(rec, name); err != nil {
		return rejected(err)
	}
	s.addMedication(rec, name, dosage, times, now)
	return say(i18n.MedicationAdded, name, dosage, strings.Join(times, ", ")), true, nil
}

func acceptName(rec *domain.Chat, text string) ([]reply, bool, error) {
	name, err := validateName(text)
	if err == nil {
		err = checkNameFree(rec, name)
	}
	if err != nil {
		return rejected(err)
	}
	rec.Conversation = domain.AwaitingDosage(domain.Draft{Name: name})
	return say(i18n.PromptDosage, name), true, nil
}

func acceptDosage(rec *domain.Chat, text string) ([]reply, bool, error) {
	dosage, err := validateDosage(text)
	if err != nil {
		return rejected(err)
	}
	d := *rec.Conversation.Draft
	d.Dosage = dosage
	rec.Conversation = domain.AwaitingTimes(d)
	return say(i18n.PromptTimes), true, nil
}

func acceptTimes(rec *domain.Chat, text string) ([]reply, bool, error) {
	times, err := parseTimes(text)
	if err != nil {
		return rejected(err)
	}
	d := *rec.Conversation.Draft
	merged, err := schedule.NormalizeTimes(append(append([]string(nil), d.Times...), times...))
	if err != nil {
		return rejected(invalid("times", i18n.TimesInvalid, text))
	}
	d.Times = merged
	rec.Conversation = domain.AwaitingTimes(d)
	return say(i18n.TimesAccepted, strings.Join(merged, ", ")), true, nil
}

func (s *ConversationService) finishDraft(rec *domain.Chat, now time.Time) ([]reply, bool, error) {
	d := rec.Conversation.Draft
	if d == nil || len(d.Times) == 0 {
		return say(i18n.TimesNeedOne), false, nil
	}
	rec.Conversation = domain.Idle()
	// The name was free when typed; another message may have taken it since.
	if err := checkNameFree(rec, d.Name); err != nil {
		var ve *ValidationError
		errors.As(err, &ve)
		return say(ve.Key, ve.Args...), true, nil
	}
	s.addMedication(rec, d.Name, d.Dosage, d.Times, now)
	return say(i18n.MedicationAdded, d.Name, d.Dosage, strings.Join(d.Times, ", ")), true, nil
}

func acceptTimezone(rec *domain.Chat, text string) ([]reply, bool, error) {
	name := strings.TrimSpace(text)
	loc, err := schedule.LoadLocation(name)
	if err != nil {
		return say(i18n.TimezoneInvalid, name), false, nil
	}
	rec.Timezone = loc.String()
	rec.Conversation = domain.Idle()
	return say(i18n.TimezoneSet, rec.Timezone), true, nil
}

func (s *ConversationService) addMedication(rec *domain.Chat, name, dosage string, times []string, now time.Time) {
	rec.Medications = append(rec.Medications, domain.Medication{
		ID:        s.NewID(),
		ChatID:    rec.ChatID,
		Name:      name,
		Dosage:    dosage,
		Times:     datatypes.JSONSlice[string](append([]string(nil), times...)),
		Position:  len(rec.Medications),
		CreatedAt: now,
	})
}

// list renders the medications with today's confirmed intakes marked.
func (s *ConversationService) list(ctx context.Context, rec *domain.Chat, now time.Time) (string, error) {
	if len(rec.Medications) == 0 {
		return i18n.T(rec.Language, i18n.ListEmpty), nil
	}
	loc, err := schedule.LoadLocation(rec.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	today := local.Format(schedule.DateLayout)

	doses, err := s.Store.ListDoses(ctx, rec.ChatID, midnight)
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(doses))
	for _, d := range doses {
		if d.LocalDate == today && d.Status == domain.DoseConfirmed {
			taken[d.MedicationID+"|"+d.LocalTime] = true
		}
	}

	lines := make([]string, 0, len(rec.Medications)+1)
	for _, m := range rec.Medications {
		times := make([]string, len(m.Times))
		for i, t := range m.Times {
			times[i] = t
			if taken[m.ID+"|"+t] {
				times[i] += confirmedMark
			}
		}
		lines = append(lines, i18n.T(rec.Language, i18n.ListLine, m.Name, m.Dosage, strings.Join(times, ", ")))
	}
	lines = append(lines, i18n.T(rec.Language, i18n.ListTimezone, rec.Timezone))
	return strings.Join(lines, "\n"), nil
}

// rejected turns a validation error into a re-prompt; other errors pass.
func rejected(err error) ([]reply, bool, error) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return say(ve.Key, ve.Args...), false, nil
	}
	return nil, false, err
}

func validateName(s string) (string, error) {
	s = strings.Join(strings.Fields(s), " ")
	if n := utf8.RuneCountInString(s); n == 0 || n > MaxNameRunes {
		return "", invalid("name", i18n.NameInvalid, MaxNameRunes)
	}
	return s, nil
}

func validateDosage(s string) (string, error) {
	s = strings.Join(strings.Fields(s), " ")
	if n := utf8.RuneCountInString(s); n == 0 || n > MaxDosageRunes {
		return "", invalid("dosage", i18n.DosageInvalid, MaxDosageRunes)
	}
	return s, nil
}

func checkNameFree(rec *domain.Chat, name string) error {
	if _, m := rec.FindMedication(name); m != nil {
		return invalid("name", i18n.NameTaken, m.Name)
	}
	return nil
}

// parseTimes accepts times separated by spaces, commas or semicolons.
func parseTimes(text string) ([]string, error) {
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == ';'
	})
	if len(tokens) == 0 {
		return nil, invalid("times", i18n.TimesNeedOne)
	}
	for _, tok := range tokens {
		if _, err := schedule.ParseClock(tok); err != nil {
			return nil, invalid("times", i18n.TimesInvalid, tok)
		}
	}
	return schedule.NormalizeTimes(tokens)
}
