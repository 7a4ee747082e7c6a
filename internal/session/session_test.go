package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"relaybot/internal/kvstore"
	"relaybot/pkg/logx"
)

func TestSetGetClear(t *testing.T) {
	t.Parallel()
	s := New(filepath.Join(t.TempDir(), "sessions.json"), logx.Nop())

	if err := s.Set("telegram", "123", "sess-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get("telegram", "123")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "sess-1" {
		t.Fatalf("Get = %q, want sess-1", got)
	}

	// Same user on another platform is a different key.
	if v, _ := s.Get("discord", "123"); v != "" {
		t.Fatalf("cross-platform leak: %q", v)
	}

	if err := s.Clear("telegram", "123"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if v, _ := s.Get("telegram", "123"); v != "" {
		t.Fatalf("cleared session still present: %q", v)
	}
}

// An entry written more than TTL ago by another process reads as absent.
func TestExpiredEntryIsAbsent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sessions.json")

	stale := map[string]kvstore.Entry[string]{
		"telegram:9": {Value: "old-sess", UpdatedAt: time.Now().Add(-TTL - time.Hour)},
	}
	b, err := json.Marshal(stale)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}

	s := New(path, logx.Nop())
	if v, err := s.Get("telegram", "9"); err != nil || v != "" {
		t.Fatalf("expired session returned %q (err=%v)", v, err)
	}
	// And it stays absent on the second read too.
	if v, _ := s.Get("telegram", "9"); v != "" {
		t.Fatalf("expired session resurrected: %q", v)
	}
}

func TestClearAllAndCleanup(t *testing.T) {
	t.Parallel()
	s := New(filepath.Join(t.TempDir(), "sessions.json"), logx.Nop())
	_ = s.Set("telegram", "1", "a")
	_ = s.Set("discord", "2", "b")

	if err := s.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	if v, _ := s.Get("telegram", "1"); v != "" {
		t.Fatal("session survived ClearAll")
	}

	n, err := s.CleanupExpired()
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if n != 0 {
		t.Fatalf("CleanupExpired removed %d from empty store", n)
	}
}
