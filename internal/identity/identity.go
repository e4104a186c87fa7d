package identity

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/jcodes2003/attendance/internal/kvstore"
)

const selfKey = "device:self"

// Store owns the durable identity token of the device this process runs on.
// The token is minted once, on first use, and survives restarts until an
// explicit reset.
type Store struct {
	kv kvstore.Store
}

// NewStore creates a Store backed by the given key-value store.
func NewStore(kv kvstore.Store) *Store {
	return &Store{kv: kv}
}

// GetOrCreate returns the persisted identity, minting and persisting a fresh
// one when none exists yet. When the backing store is unavailable it returns
// the empty identity; callers treat that as "unidentified" and keep going.
func (s *Store) GetOrCreate(ctx context.Context) string {
	v, ok, err := s.kv.Get(ctx, selfKey)
	if err != nil {
		log.Printf("identity: store unavailable: %v", err)
		return ""
	}
	if ok && v != "" {
		return v
	}
	id := Generate()
	if err := s.kv.Set(ctx, selfKey, id); err != nil {
		log.Printf("identity: persist failed: %v", err)
		return ""
	}
	return id
}

// Reset discards the persisted identity and mints a new one. The returned
// identity never matches the one it replaced.
func (s *Store) Reset(ctx context.Context) string {
	if err := s.kv.Remove(ctx, selfKey); err != nil {
		log.Printf("identity: remove failed: %v", err)
	}
	return s.GetOrCreate(ctx)
}

// Generate mints a device token. Tokens are random UUIDs; if the system
// random source fails, a timestamp with a random suffix keeps tokens unique
// enough to tell devices apart.
func Generate() string {
	u, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("dev-%d-%06d", time.Now().UnixNano(), rand.Intn(1000000))
	}
	return u.String()
}
