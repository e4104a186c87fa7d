package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/jcodes2003/attendance/internal/kvstore"
)

func TestGetOrCreateIsStable(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	s := NewStore(kv)

	first := s.GetOrCreate(ctx)
	if first == "" {
		t.Fatal("expected a minted identity")
	}
	if got := s.GetOrCreate(ctx); got != first {
		t.Fatalf("identity changed between calls: %q then %q", first, got)
	}

	// A new store over the same backend sees the same identity.
	if got := NewStore(kv).GetOrCreate(ctx); got != first {
		t.Fatalf("identity not persisted: %q then %q", first, got)
	}
}

func TestResetMintsFreshIdentity(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kvstore.NewMemory())

	first := s.GetOrCreate(ctx)
	second := s.Reset(ctx)
	if second == "" {
		t.Fatal("reset should mint a new identity")
	}
	if second == first {
		t.Fatalf("reset returned the identity it was meant to replace: %q", first)
	}
	if got := s.GetOrCreate(ctx); got != second {
		t.Fatalf("reset identity not persisted: %q then %q", second, got)
	}
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("store down")
}
func (brokenStore) Set(context.Context, string, string) error { return errors.New("store down") }
func (brokenStore) Remove(context.Context, string) error      { return errors.New("store down") }

func TestUnavailableStoreYieldsEmptyIdentity(t *testing.T) {
	s := NewStore(brokenStore{})
	if got := s.GetOrCreate(context.Background()); got != "" {
		t.Fatalf("expected empty identity, got %q", got)
	}
	if got := s.Reset(context.Background()); got != "" {
		t.Fatalf("expected empty identity after reset, got %q", got)
	}
}

func TestGenerateUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := Generate()
		if id == "" {
			t.Fatal("generate returned empty token")
		}
		if seen[id] {
			t.Fatalf("duplicate token %q", id)
		}
		seen[id] = true
	}
}

func TestRegistryRegister(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	reg := NewRegistry(kv)

	if err := reg.Register(ctx, "dev-1"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, ok, _ := kv.Get(ctx, "device:registry:dev-1"); !ok {
		t.Fatal("registration not persisted")
	}
	if err := reg.Register(ctx, "dev-1"); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
}
