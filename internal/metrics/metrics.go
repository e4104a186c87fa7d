package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcomes counts reconciliation results by status label.
var Outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "attendance_outcomes_total",
	Help: "Reconciliation outcomes by status.",
}, []string{"status"})

// Debounced counts scan events suppressed by the burst guard. Suppressed
// events never reach Outcomes.
var Debounced = promauto.NewCounter(prometheus.CounterOpts{
	Name: "attendance_scans_debounced_total",
	Help: "Scan events suppressed by the debounce guard.",
})

// JournalWrites counts outcome journal inserts by result.
var JournalWrites = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "attendance_journal_writes_total",
	Help: "Outcome journal inserts by result.",
}, []string{"result"})

// NotifyPushes counts webhook deliveries by result.
var NotifyPushes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "attendance_notify_pushes_total",
	Help: "Outcome webhook deliveries by result.",
}, []string{"result"})
