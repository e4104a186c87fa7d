package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jcodes2003/attendance/internal/kvstore"
	"github.com/jcodes2003/attendance/internal/payload"
)

// DedupKey picks which candidate field makes two submissions "the same
// person" for a given ledger.
type DedupKey int

const (
	// ByName collapses case- and accent-variants of the same display name.
	// This is the roster variant used by organizer stations.
	ByName DedupKey = iota
	// ByDevice keys on the scanned device token, the scan-log variant.
	ByDevice
)

func (k DedupKey) String() string {
	if k == ByDevice {
		return "device"
	}
	return "name"
}

// ParseDedupKey maps the config spelling back to a DedupKey.
func ParseDedupKey(s string) (DedupKey, error) {
	switch s {
	case "name":
		return ByName, nil
	case "device":
		return ByDevice, nil
	default:
		return ByName, fmt.Errorf("unknown dedup key %q", s)
	}
}

// Record is one admitted attendance entry. Records are immutable once
// appended; correction means clearing and re-collecting.
type Record struct {
	Name      string    `json:"name"`
	DeviceID  string    `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`
}

// Status classifies a submit decision.
type Status int

const (
	Accepted Status = iota
	DuplicateName
	DuplicateDevice
	InvalidName
)

// Result carries the submit decision and, when accepted, the appended record.
type Result struct {
	Status Status
	Record *Record
}

const snapshotVersion = 1

type snapshot struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

// Ledger is the append-only, de-duplicated attendance collection for one
// station. All mutation goes through Submit and Clear; readers only ever see
// copies. Every accepted write re-persists the full snapshot, and a failing
// store drops the ledger into memory-only operation rather than losing the
// session.
type Ledger struct {
	kv    kvstore.Store
	key   string
	dedup DedupKey

	mu       sync.Mutex
	records  []Record
	names    map[string]struct{}
	devices  map[string]struct{}
	degraded bool

	now func() time.Time
}

// New creates an empty ledger persisting under storageKey. Call Load to pull
// in a previous session's snapshot.
func New(kv kvstore.Store, storageKey string, dedup DedupKey) *Ledger {
	return &Ledger{
		kv:      kv,
		key:     storageKey,
		dedup:   dedup,
		names:   make(map[string]struct{}),
		devices: make(map[string]struct{}),
		now:     time.Now,
	}
}

// Dedup returns the variant this ledger was created with.
func (l *Ledger) Dedup() DedupKey {
	return l.dedup
}

// Load restores records from the persisted snapshot, rebuilding the duplicate
// indexes. Bare-array snapshots from before versioning are still accepted.
// A corrupt snapshot loads as empty; an unreachable store leaves the ledger
// empty and degraded.
func (l *Ledger) Load(ctx context.Context) error {
	raw, ok, err := l.kv.Get(ctx, l.key)
	if err != nil {
		l.mu.Lock()
		l.degraded = true
		l.mu.Unlock()
		return fmt.Errorf("load snapshot: %w", err)
	}
	if !ok || raw == "" {
		return nil
	}

	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		var legacy []Record
		if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
			log.Printf("ledger: discarding unreadable snapshot at %s: %v", l.key, err)
			return nil
		}
		snap.Records = legacy
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = snap.Records
	l.names = make(map[string]struct{}, len(snap.Records))
	l.devices = make(map[string]struct{}, len(snap.Records))
	for _, r := range snap.Records {
		l.names[foldName(r.Name)] = struct{}{}
		if r.DeviceID != "" {
			l.devices[r.DeviceID] = struct{}{}
		}
	}
	return nil
}

// Submit runs one candidate through validation and duplicate detection and,
// when it survives, appends a record stamped with the current time. The
// record's device id is the candidate's when the badge carried one, otherwise
// the acting device's.
func (l *Ledger) Submit(ctx context.Context, cand payload.Candidate, actingDeviceID string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	name := strings.TrimSpace(cand.Name)
	if name == "" {
		return Result{Status: InvalidName}
	}

	device := cand.DeviceID
	if device == "" {
		device = actingDeviceID
	}

	if l.dedup == ByDevice {
		if device != "" {
			if _, dup := l.devices[device]; dup {
				return Result{Status: DuplicateDevice}
			}
		}
	} else {
		if _, dup := l.names[foldName(name)]; dup {
			return Result{Status: DuplicateName}
		}
	}

	rec := Record{Name: name, DeviceID: device, Timestamp: l.now()}
	l.records = append(l.records, rec)
	l.names[foldName(name)] = struct{}{}
	if device != "" {
		l.devices[device] = struct{}{}
	}
	l.persistLocked(ctx)
	return Result{Status: Accepted, Record: &rec}
}

// HasDevice reports whether a record with this device id was already
// admitted. Used by the scan-log flow to reject re-scans before any
// authorization check runs.
func (l *Ledger) HasDevice(deviceID string) bool {
	if deviceID == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.devices[deviceID]
	return ok
}

// ListDescending returns a copy of the records, most recent first. Records
// sharing a timestamp keep reverse insertion order, so the latest arrival of
// a burst displays on top.
func (l *Ledger) ListDescending() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, len(l.records))
	for i, r := range l.records {
		out[len(l.records)-1-i] = r
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Len returns the number of admitted records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Degraded reports whether the ledger is running memory-only after a store
// failure.
func (l *Ledger) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}

// Clear drops every record and persists the empty snapshot.
func (l *Ledger) Clear(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = nil
	l.names = make(map[string]struct{})
	l.devices = make(map[string]struct{})
	l.persistLocked(ctx)
}

func (l *Ledger) persistLocked(ctx context.Context) {
	records := l.records
	if records == nil {
		records = []Record{}
	}
	b, err := json.Marshal(snapshot{Version: snapshotVersion, Records: records})
	if err != nil {
		log.Printf("ledger: snapshot encode failed: %v", err)
		return
	}
	if err := l.kv.Set(ctx, l.key, string(b)); err != nil {
		if !l.degraded {
			log.Printf("ledger: store unavailable, continuing in memory: %v", err)
		}
		l.degraded = true
		return
	}
	l.degraded = false
}
