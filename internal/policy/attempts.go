package policy

import (
	"context"
	"log"
	"sync"

	"github.com/jcodes2003/attendance/internal/kvstore"
)

const attemptPrefix = "selfattempt:"

// AttemptFlags persists the one-shot self-check-in flag per device identity.
// Flags are written through to the key-value store and mirrored in memory, so
// a store outage degrades to session-local enforcement instead of failing
// check-ins.
type AttemptFlags struct {
	kv kvstore.Store

	mu    sync.Mutex
	local map[string]bool
}

// NewAttemptFlags creates AttemptFlags backed by the given store.
func NewAttemptFlags(kv kvstore.Store) *AttemptFlags {
	return &AttemptFlags{kv: kv, local: make(map[string]bool)}
}

// Attempted reports whether the device already spent its self-check-in.
func (f *AttemptFlags) Attempted(ctx context.Context, deviceID string) bool {
	f.mu.Lock()
	if f.local[deviceID] {
		f.mu.Unlock()
		return true
	}
	f.mu.Unlock()

	v, ok, err := f.kv.Get(ctx, attemptPrefix+deviceID)
	if err != nil {
		log.Printf("policy: attempt flag read failed for %s: %v", deviceID, err)
		return false
	}
	return ok && v == "1"
}

// Mark spends the device's attempt. The in-memory mirror is set even when the
// store write fails, which keeps the single-attempt rule holding for the rest
// of the session.
func (f *AttemptFlags) Mark(ctx context.Context, deviceID string) error {
	f.mu.Lock()
	f.local[deviceID] = true
	f.mu.Unlock()
	return f.kv.Set(ctx, attemptPrefix+deviceID, "1")
}

// Clear hands the attempt back. Only a full device reset does this.
func (f *AttemptFlags) Clear(ctx context.Context, deviceID string) error {
	f.mu.Lock()
	delete(f.local, deviceID)
	f.mu.Unlock()
	return f.kv.Remove(ctx, attemptPrefix+deviceID)
}
