package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"HTTP_PORT", "KV_BACKEND", "QUEUE_BACKEND", "DEDUP_KEY",
		"DEBOUNCE_WINDOW", "ORGANIZER_PIN", "RATE_LIMIT_PER_MIN",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.HTTPPort != "8081" {
		t.Fatalf("HTTPPort = %q", cfg.HTTPPort)
	}
	if cfg.KVBackend != "memory" || cfg.QueueBackend != "memory" {
		t.Fatalf("backends = %q/%q, want memory/memory", cfg.KVBackend, cfg.QueueBackend)
	}
	if cfg.DedupKey != "name" {
		t.Fatalf("DedupKey = %q", cfg.DedupKey)
	}
	if cfg.DebounceWindow != 1500*time.Millisecond {
		t.Fatalf("DebounceWindow = %v", cfg.DebounceWindow)
	}
	if cfg.OrganizerPIN != "" {
		t.Fatalf("OrganizerPIN should default empty, got %q", cfg.OrganizerPIN)
	}
	if cfg.RateLimitPerMin != 120 {
		t.Fatalf("RateLimitPerMin = %d", cfg.RateLimitPerMin)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("KV_BACKEND", "redis")
	t.Setenv("DEDUP_KEY", "device")
	t.Setenv("DEBOUNCE_WINDOW", "2s")
	t.Setenv("ORGANIZER_PIN", "2468")
	t.Setenv("RATE_LIMIT_PER_MIN", "30")

	cfg := Load()
	if cfg.HTTPPort != "9000" {
		t.Fatalf("HTTPPort = %q", cfg.HTTPPort)
	}
	if cfg.KVBackend != "redis" {
		t.Fatalf("KVBackend = %q", cfg.KVBackend)
	}
	if cfg.DedupKey != "device" {
		t.Fatalf("DedupKey = %q", cfg.DedupKey)
	}
	if cfg.DebounceWindow != 2*time.Second {
		t.Fatalf("DebounceWindow = %v", cfg.DebounceWindow)
	}
	if cfg.OrganizerPIN != "2468" {
		t.Fatalf("OrganizerPIN = %q", cfg.OrganizerPIN)
	}
	if cfg.RateLimitPerMin != 30 {
		t.Fatalf("RateLimitPerMin = %d", cfg.RateLimitPerMin)
	}
}

func TestLoadBadValuesFallBack(t *testing.T) {
	t.Setenv("DEBOUNCE_WINDOW", "soon")
	t.Setenv("RATE_LIMIT_PER_MIN", "lots")

	cfg := Load()
	if cfg.DebounceWindow != 1500*time.Millisecond {
		t.Fatalf("DebounceWindow = %v, want fallback", cfg.DebounceWindow)
	}
	if cfg.RateLimitPerMin != 120 {
		t.Fatalf("RateLimitPerMin = %d, want fallback", cfg.RateLimitPerMin)
	}
}
