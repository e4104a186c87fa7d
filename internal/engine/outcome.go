package engine

import (
	"time"

	"github.com/jcodes2003/attendance/internal/ledger"
)

// OutcomeStatus classifies what one scan or manual entry produced.
type OutcomeStatus string

const (
	// StatusAccepted means a roster record was appended.
	StatusAccepted OutcomeStatus = "accepted"
	// StatusSelfConfirmed means the acting device confirmed its own presence.
	// Self confirmations never touch the roster.
	StatusSelfConfirmed OutcomeStatus = "self-confirmed"
	// StatusDebounced means the scan was a burst repeat and was swallowed
	// silently. Debounced scans produce no event.
	StatusDebounced OutcomeStatus = "debounced"

	StatusDuplicateName   OutcomeStatus = "duplicate-name"
	StatusDuplicateDevice OutcomeStatus = "duplicate-device"
	StatusInvalidName     OutcomeStatus = "invalid-name"
	StatusUnauthorized    OutcomeStatus = "unauthorized"
)

// Outcome is the caller-facing result of one reconciliation cycle.
type Outcome struct {
	Status OutcomeStatus
	// Reason qualifies unauthorized outcomes: "locked" or
	// "already-checked-in".
	Reason string
	// Record is set when a roster record was appended.
	Record *ledger.Record
}

// Event is the journal and webhook form of an outcome. One event is published
// per non-debounced cycle.
type Event struct {
	ID           string        `json:"id"`
	StationID    string        `json:"station_id"`
	DeviceID     string        `json:"device_id"`
	Status       OutcomeStatus `json:"status"`
	Reason       string        `json:"reason,omitempty"`
	Name         string        `json:"name,omitempty"`
	RecordDevice string        `json:"record_device,omitempty"`
	Source       string        `json:"source"`
	At           time.Time     `json:"at"`
}

// Event sources.
const (
	SourceScan   = "scan"
	SourceManual = "manual"
)

func outcomeFromResult(res ledger.Result) Outcome {
	switch res.Status {
	case ledger.Accepted:
		return Outcome{Status: StatusAccepted, Record: res.Record}
	case ledger.DuplicateName:
		return Outcome{Status: StatusDuplicateName}
	case ledger.DuplicateDevice:
		return Outcome{Status: StatusDuplicateDevice}
	default:
		return Outcome{Status: StatusInvalidName}
	}
}
