package domain

import "fmt"

// State names a step of the conversation flow.
type State string

const (
	StateIdle                   State = "idle"
	StateAwaitingMedicationName State = "awaiting_medication_name"
	StateAwaitingDosage         State = "awaiting_dosage"
	StateAwaitingTimes          State = "awaiting_times"
	StateAwaitingTimezone       State = "awaiting_timezone"
)

// Draft is a medication being assembled by the add flow.
type Draft struct {
	Name   string   `json:"name,omitempty"   dynamodbav:"name,omitempty"`
	Dosage string   `json:"dosage,omitempty" dynamodbav:"dosage,omitempty"`
	Times  []string `json:"times,omitempty"  dynamodbav:"times,omitempty"`
}

// Conversation is a tagged variant: State selects the case and Draft is the
// payload of the three add-flow cases. Build values with the constructors
// below so the pairing stays valid.
type Conversation struct {
	State State  `json:"state"           dynamodbav:"state"           gorm:"type:varchar(32);not null;default:'idle'"`
	Draft *Draft `json:"draft,omitempty" dynamodbav:"draft,omitempty" gorm:"serializer:json"`
}

func Idle() Conversation { return Conversation{State: StateIdle} }

func AwaitingName() Conversation {
	return Conversation{State: StateAwaitingMedicationName, Draft: &Draft{}}
}

func AwaitingDosage(d Draft) Conversation {
	return Conversation{State: StateAwaitingDosage, Draft: &d}
}

func AwaitingTimes(d Draft) Conversation {
	return Conversation{State: StateAwaitingTimes, Draft: &d}
}

func AwaitingTimezone() Conversation { return Conversation{State: StateAwaitingTimezone} }

// HoldsDraft reports whether s is one of the add-flow states.
func (s State) HoldsDraft() bool {
	switch s {
	case StateAwaitingMedicationName, StateAwaitingDosage, StateAwaitingTimes:
		return true
	}
	return false
}

// Validate checks that the draft is present exactly in the add-flow states.
func (c Conversation) Validate() error {
	switch c.State {
	case StateIdle, StateAwaitingTimezone:
		if c.Draft != nil {
			return fmt.Errorf("conversation %s must not hold a draft", c.State)
		}
	case StateAwaitingMedicationName, StateAwaitingDosage, StateAwaitingTimes:
		if c.Draft == nil {
			return fmt.Errorf("conversation %s requires a draft", c.State)
		}
	default:
		return fmt.Errorf("unknown conversation state %q", c.State)
	}
	return nil
}

// Normalize repairs records written before a state existed or with an empty
// state column: anything unknown collapses to Idle.
func (c Conversation) Normalize() Conversation {
	if c.State == "" || c.Validate() != nil {
		if c.State.HoldsDraft() && c.Draft == nil {
			return Conversation{State: c.State, Draft: &Draft{}}
		}
		return Idle()
	}
	return c
}

func (c Conversation) clone() Conversation {
	if c.Draft == nil {
		return c
	}
	d := *c.Draft
	d.Times = append([]string(nil), c.Draft.Times...)
	return Conversation{State: c.State, Draft: &d}
}
