package identity

import (
	"context"
	"time"

	"github.com/jcodes2003/attendance/internal/kvstore"
)

const registryPrefix = "device:registry:"

// Registry tracks every device that has registered with this service, keyed
// by device id with the registration timestamp as the value.
type Registry struct {
	kv kvstore.Store
}

// NewRegistry creates a Registry backed by the given key-value store.
func NewRegistry(kv kvstore.Store) *Registry {
	return &Registry{kv: kv}
}

// Register records the device. Re-registering refreshes the timestamp, which
// is harmless; the registry only answers "have we seen this device".
func (r *Registry) Register(ctx context.Context, deviceID string) error {
	return r.kv.Set(ctx, registryPrefix+deviceID, time.Now().UTC().Format(time.RFC3339))
}
