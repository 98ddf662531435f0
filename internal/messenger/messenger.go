// Package messenger defines the transport-neutral events the bot consumes
// and the directives it emits. Concrete transports (Telegram, the logging
// dry-run sender) live alongside and translate to and from these types.
package messenger

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventKind tells inbound events apart.
type EventKind int

const (
	// UserText is a free-text or command message from a user.
	UserText EventKind = iota + 1
	// UserAction is a press of an interactive button carrying an action id.
	UserAction
	// Tick is the periodic scheduler trigger.
	Tick
)

func (k EventKind) String() string {
	switch k {
	case UserText:
		return "user_text"
	case UserAction:
		return "user_action"
	case Tick:
		return "tick"
	}
	return "unknown"
}

// Event is one inbound occurrence.
type Event struct {
	Kind       EventKind
	UpdateID   int64  // transport-level id, used for redelivery de-duplication
	ChatID     string // empty for Tick
	UserID     string
	Username   string
	Text       string // UserText
	ActionID   string // UserAction
	CallbackID string // UserAction: transport handle to acknowledge the press
	MessageID  int    // UserAction: message that carried the button
	At         time.Time
}

// DirectiveKind tells outbound directives apart.
type DirectiveKind int

const (
	// Text sends (or edits) a plain message.
	Text DirectiveKind = iota + 1
	// Reminder sends a message with a single acknowledge action.
	Reminder
)

// Directive is one outbound instruction for the transport.
type Directive struct {
	Kind        DirectiveKind
	ChatID      string
	Text        string
	ActionID    string // Reminder: opaque id returned in the UserAction event
	ActionLabel string // Reminder: button caption

	// EditMessageID, when non-zero, replaces the text of that message
	// instead of sending a new one.
	EditMessageID int
	// CallbackID, when set, acknowledges the button press that caused this
	// directive; Text doubles as the short notification.
	CallbackID string
}

// SendText builds a plain text directive.
func SendText(chatID, text string) Directive {
	return Directive{Kind: Text, ChatID: chatID, Text: text}
}

// SendReminder builds a reminder directive with one action button.
func SendReminder(chatID, text, actionID, label string) Directive {
	return Directive{Kind: Reminder, ChatID: chatID, Text: text, ActionID: actionID, ActionLabel: label}
}

// Sender delivers directives.
type Sender interface {
	Send(ctx context.Context, d Directive) error
}

// LogSender writes directives to a logger instead of a chat network. It is
// used for local dry runs.
type LogSender struct {
	Log zerolog.Logger
}

func (s LogSender) Send(_ context.Context, d Directive) error {
	ev := s.Log.Info().
		Str("chat_id", d.ChatID).
		Str("text", d.Text)
	if d.Kind == Reminder {
		ev = ev.Str("action_id", d.ActionID)
	}
	if d.EditMessageID != 0 {
		ev = ev.Int("edit_message_id", d.EditMessageID)
	}
	ev.Msg("directive")
	return nil
}

// Recorder keeps every directive in memory. Safe for concurrent use.
type Recorder struct {
	mu   sync.Mutex
	sent []Directive
	// Fail, when set, is returned for directives it matches.
	Fail func(Directive) error
}

func (r *Recorder) Send(_ context.Context, d Directive) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		if err := r.Fail(d); err != nil {
			return err
		}
	}
	r.sent = append(r.sent, d)
	return nil
}

// Sent returns a copy of the recorded directives.
func (r *Recorder) Sent() []Directive {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Directive(nil), r.sent...)
}

// Reset forgets recorded directives.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}
