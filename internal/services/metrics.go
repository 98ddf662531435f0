package services

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// remindersSent counts reminders delivered to the messenger.
	remindersSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pillsync_reminders_sent_total",
		Help: "Reminders delivered to the messenger.",
	})

	// remindersDuplicate counts due occurrences skipped because their dose
	// instance already existed.
	remindersDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pillsync_reminders_duplicate_total",
		Help: "Due occurrences skipped because a dose instance already existed.",
	})

	reminderFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pillsync_reminder_send_failures_total",
		Help: "Reminders whose delivery failed and were released for retry.",
	})

	dosesConfirmed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pillsync_doses_confirmed_total",
		Help: "Dose instances acknowledged by the user.",
	})

	// transitions counts committed conversation state changes. Both labels
	// come from a fixed set of states.
	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pillsync_conversation_transitions_total",
		Help: "Committed conversation state transitions.",
	}, []string{"from", "to"})

	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pillsync_tick_duration_seconds",
		Help:    "Duration of dispatcher ticks in seconds.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(remindersSent, remindersDuplicate, reminderFailures, dosesConfirmed, transitions, tickDuration)
}
