package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/jcodes2003/attendance/internal/ledger"
	"github.com/jcodes2003/attendance/internal/metrics"
	"github.com/jcodes2003/attendance/internal/payload"
	"github.com/jcodes2003/attendance/internal/policy"
	"github.com/jcodes2003/attendance/internal/queue"
)

// DefaultDebounce is the burst-guard window applied when none is configured.
// Camera decoders fire several times per second while a badge is held up;
// anything inside this window with an identical payload is one presentation.
const DefaultDebounce = 1500 * time.Millisecond

// ErrLocked is returned by station controls that need the organizer lock
// open.
var ErrLocked = errors.New("station locked")

// Engine turns raw scan and manual-entry events into attendance outcomes by
// composing the payload codec, the check-in policy, and the station's ledger.
// Outcomes other than debounce are published to the event queue for the
// journal worker.
type Engine struct {
	flags    *policy.AttemptFlags
	pin      string
	debounce time.Duration
	events   queue.Queue

	now func() time.Time
}

// New creates an engine. events may be nil when no pipeline is wired; a
// non-positive debounce falls back to DefaultDebounce.
func New(flags *policy.AttemptFlags, organizerPIN string, debounce time.Duration, events queue.Queue) *Engine {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Engine{
		flags:    flags,
		pin:      organizerPIN,
		debounce: debounce,
		events:   events,
		now:      time.Now,
	}
}

// HandleScan reconciles one decoded QR payload against the station. The
// order is fixed: debounce, decode, duplicate-device short-circuit,
// authorization, then either a self confirmation or a ledger submit.
func (e *Engine) HandleScan(ctx context.Context, st *Station, actingDeviceID, raw string) Outcome {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := e.now()
	if raw == st.lastRaw && !st.lastSeen.IsZero() && now.Sub(st.lastSeen) < e.debounce {
		st.lastSeen = now
		metrics.Debounced.Inc()
		return Outcome{Status: StatusDebounced}
	}
	st.lastRaw, st.lastSeen = raw, now

	cand := payload.Decode(raw, st.fallback)

	// A re-scanned badge is rejected as a duplicate even on a locked
	// station: the scan-log variant reports what it already knows before
	// asking whether the device may write.
	if st.led.Dedup() == ledger.ByDevice && cand.DeviceID != "" && st.led.HasDevice(cand.DeviceID) {
		return e.finish(ctx, st, actingDeviceID, SourceScan, cand, Outcome{Status: StatusDuplicateDevice})
	}

	attempted := false
	if st.mode == policy.ModeSelfCheckIn {
		attempted = e.flags.Attempted(ctx, actingDeviceID)
	}
	if dec := policy.Authorize(st.mode, st.lock, attempted); !dec.Allow {
		return e.finish(ctx, st, actingDeviceID, SourceScan, cand, Outcome{Status: StatusUnauthorized, Reason: dec.Reason})
	}

	if st.mode == policy.ModeSelfCheckIn {
		if err := e.flags.Mark(ctx, actingDeviceID); err != nil {
			log.Printf("engine: attempt flag persist failed for %s: %v", actingDeviceID, err)
		}
		return e.finish(ctx, st, actingDeviceID, SourceScan, cand, Outcome{Status: StatusSelfConfirmed})
	}

	res := st.led.Submit(ctx, cand, actingDeviceID)
	return e.finish(ctx, st, actingDeviceID, SourceScan, cand, outcomeFromResult(res))
}

// HandleManualEntry admits a typed name through the same pipeline as a scan,
// minus decode and debounce. Manual entry is organizer-only: a locked station
// denies it regardless of mode.
func (e *Engine) HandleManualEntry(ctx context.Context, st *Station, actingDeviceID, name string) Outcome {
	st.mu.Lock()
	defer st.mu.Unlock()

	cand := payload.Candidate{Name: name, DeviceID: actingDeviceID}
	if dec := policy.AuthorizeManual(st.lock); !dec.Allow {
		return e.finish(ctx, st, actingDeviceID, SourceManual, cand, Outcome{Status: StatusUnauthorized, Reason: dec.Reason})
	}

	res := st.led.Submit(ctx, cand, actingDeviceID)
	return e.finish(ctx, st, actingDeviceID, SourceManual, cand, outcomeFromResult(res))
}

// Unlock opens the station's organizer gate. An already-open gate stays open.
func (e *Engine) Unlock(st *Station, pin string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.lock.Unlocked {
		return nil
	}
	if err := policy.Unlock(pin, e.pin); err != nil {
		return err
	}
	st.lock.Unlocked = true
	return nil
}

// SetMode switches the station's mode. Entering organizer-scan requires the
// lock to be open; the default mode is always reachable.
func (e *Engine) SetMode(st *Station, m policy.Mode) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if m == policy.ModeOrganizerScan && !st.lock.Unlocked {
		return ErrLocked
	}
	st.mode = m
	return nil
}

// Clear empties the station's roster. Requires the lock to be open.
func (e *Engine) Clear(ctx context.Context, st *Station) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.lock.Unlocked {
		return ErrLocked
	}
	st.led.Clear(ctx)
	return nil
}

// Reset returns the station to its most restrictive state: roster cleared,
// lock re-engaged, mode back to self-check-in, burst guard forgotten. Other
// devices' attempt flags survive; those belong to the devices.
func (e *Engine) Reset(ctx context.Context, st *Station) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.lock.Unlocked {
		return ErrLocked
	}
	st.led.Clear(ctx)
	st.lock = policy.Lock{}
	st.mode = policy.ModeSelfCheckIn
	st.lastRaw, st.lastSeen = "", time.Time{}
	return nil
}

// finish records metrics, publishes the outcome event, and hands the outcome
// back. Debounced outcomes never reach here.
func (e *Engine) finish(ctx context.Context, st *Station, actingDeviceID, source string, cand payload.Candidate, out Outcome) Outcome {
	metrics.Outcomes.WithLabelValues(string(out.Status)).Inc()
	e.publish(ctx, eventFor(st.ID, actingDeviceID, source, cand, out, e.now()))
	return out
}

func eventFor(stationID, actingDeviceID, source string, cand payload.Candidate, out Outcome, at time.Time) Event {
	ev := Event{
		ID:        uuid.NewString(),
		StationID: stationID,
		DeviceID:  actingDeviceID,
		Status:    out.Status,
		Reason:    out.Reason,
		Name:      cand.Name,
		Source:    source,
		At:        at.UTC(),
	}
	if out.Record != nil {
		ev.Name = out.Record.Name
		ev.RecordDevice = out.Record.DeviceID
	}
	return ev
}

func (e *Engine) publish(ctx context.Context, ev Event) {
	if e.events == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		log.Printf("engine: event encode failed: %v", err)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := e.events.Publish(pctx, queue.Message{Type: queue.TypeOutcome, Body: b}); err != nil {
		log.Printf("engine: outcome publish failed: %v", err)
	}
}
