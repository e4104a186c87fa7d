package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"regexp"
	"sync"

	"github.com/jcodes2003/attendance/internal/kvstore"
	"github.com/jcodes2003/attendance/internal/ledger"
)

// ErrBadStationID rejects ids that would not survive as storage keys.
var ErrBadStationID = errors.New("invalid station id")

var stationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

type stationConfig struct {
	DedupKey string `json:"dedup_key"`
}

// Manager hands out stations by id, creating them lazily. First touch loads
// the station's persisted config and ledger snapshot; a brand-new station
// gets the default dedup variant and has its config written back so the
// choice sticks across restarts.
type Manager struct {
	kv           kvstore.Store
	defaultDedup ledger.DedupKey

	mu       sync.Mutex
	stations map[string]*Station
}

// NewManager creates a Manager with the given default dedup variant.
func NewManager(kv kvstore.Store, defaultDedup ledger.DedupKey) *Manager {
	return &Manager{
		kv:           kv,
		defaultDedup: defaultDedup,
		stations:     make(map[string]*Station),
	}
}

// Station returns the live session for id, creating and loading it on first
// touch.
func (m *Manager) Station(ctx context.Context, id string) (*Station, error) {
	if !stationIDPattern.MatchString(id) {
		return nil, ErrBadStationID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.stations[id]; ok {
		return st, nil
	}

	dedup := m.loadDedup(ctx, id)
	led := ledger.New(m.kv, "station:"+id+":ledger", dedup)
	if err := led.Load(ctx); err != nil {
		log.Printf("engine: ledger load failed for station %s: %v", id, err)
	}
	st := newStation(id, led)
	m.stations[id] = st
	return st, nil
}

func (m *Manager) loadDedup(ctx context.Context, id string) ledger.DedupKey {
	key := "station:" + id + ":config"
	raw, ok, err := m.kv.Get(ctx, key)
	if err != nil {
		log.Printf("engine: station config read failed for %s: %v", id, err)
		return m.defaultDedup
	}
	if ok {
		var cfg stationConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err == nil {
			if dedup, perr := ledger.ParseDedupKey(cfg.DedupKey); perr == nil {
				return dedup
			}
		}
		log.Printf("engine: ignoring malformed config for station %s", id)
		return m.defaultDedup
	}

	b, _ := json.Marshal(stationConfig{DedupKey: m.defaultDedup.String()})
	if err := m.kv.Set(ctx, key, string(b)); err != nil {
		log.Printf("engine: station config persist failed for %s: %v", id, err)
	}
	return m.defaultDedup
}
