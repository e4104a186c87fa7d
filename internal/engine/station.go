package engine

import (
	"sync"
	"time"

	"github.com/jcodes2003/attendance/internal/ledger"
	"github.com/jcodes2003/attendance/internal/payload"
	"github.com/jcodes2003/attendance/internal/policy"
)

// Station is one check-in desk's session: its mode, organizer lock, ledger,
// and the burst-scan guard. Every engine call against a station serializes on
// its mutex, so each session behaves as a single logical actor even with
// concurrent requests.
type Station struct {
	ID string

	mu       sync.Mutex
	mode     policy.Mode
	lock     policy.Lock
	led      *ledger.Ledger
	fallback payload.Fallback
	lastRaw  string
	lastSeen time.Time
}

func newStation(id string, led *ledger.Ledger) *Station {
	fb := payload.FallbackName
	if led.Dedup() == ledger.ByDevice {
		fb = payload.FallbackDeviceID
	}
	return &Station{ID: id, mode: policy.ModeSelfCheckIn, led: led, fallback: fb}
}

// State is a point-in-time view of a station for status endpoints.
type State struct {
	ID       string `json:"id"`
	Mode     string `json:"mode"`
	Unlocked bool   `json:"unlocked"`
	DedupKey string `json:"dedup_key"`
	Records  int    `json:"records"`
	Degraded bool   `json:"degraded"`
}

// State snapshots the station.
func (s *Station) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		ID:       s.ID,
		Mode:     s.mode.String(),
		Unlocked: s.lock.Unlocked,
		DedupKey: s.led.Dedup().String(),
		Records:  s.led.Len(),
		Degraded: s.led.Degraded(),
	}
}

// Roster returns the station's admitted records, most recent first.
func (s *Station) Roster() []ledger.Record {
	return s.led.ListDescending()
}
