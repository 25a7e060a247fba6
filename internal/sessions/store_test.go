package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "sessions.json"), nil)
}

func TestUpdateCreatesEntryWithStableSessionID(t *testing.T) {
	s := newTestStore(t)

	if err := s.UpdateEntry("agent:main:main", func(e *Entry) {
		e.Label = "main"
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	e, ok, err := s.Get("agent:main:main")
	if err != nil || !ok {
		t.Fatalf("entry missing after update: ok=%v err=%v", ok, err)
	}
	if e.SessionID == "" {
		t.Fatal("expected a session id to be assigned")
	}

	first := e.SessionID
	if err := s.UpdateEntry("agent:main:main", func(e *Entry) {
		e.Label = "renamed"
	}); err != nil {
		t.Fatalf("second update failed: %v", err)
	}
	e, _, _ = s.Get("agent:main:main")
	if e.SessionID != first {
		t.Fatalf("session id changed: %s -> %s", first, e.SessionID)
	}
	if e.Label != "renamed" {
		t.Fatalf("label not updated: %s", e.Label)
	}
}

func TestIdentityUpdateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpdateEntry("agent:main:slack:direct:u1", func(e *Entry) {
		e.Channel = "slack"
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	before, err := s.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := s.Update(func(map[string]Entry) {}); err != nil {
		t.Fatalf("identity update failed: %v", err)
	}
	after, err := s.Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if len(before) != len(after) {
		t.Fatalf("entry count changed: %d -> %d", len(before), len(after))
	}
	if before["agent:main:slack:direct:u1"].SessionID != after["agent:main:slack:direct:u1"].SessionID {
		t.Fatal("session id changed across identity update")
	}
}

func TestSnapshotsAreDeepCopies(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpdateEntry("agent:main:main", func(e *Entry) {
		cap := 5
		e.QueueCap = &cap
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	snap1, _ := s.Load()
	e := snap1["agent:main:main"]
	*e.QueueCap = 99
	e.Label = "mutated"
	snap1["agent:main:main"] = e

	snap2, _ := s.Load()
	if got := snap2["agent:main:main"]; got.Label == "mutated" || *got.QueueCap == 99 {
		t.Fatalf("snapshot mutation leaked into store: %+v", got)
	}
}

func TestStaleLockIsEvicted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	s := NewStore(path, nil)

	// Lock recorded 31s in the past: acquisition should proceed.
	stale, _ := json.Marshal(lockInfo{PID: 999999, StartedAt: time.Now().Add(-31 * time.Second).UnixMilli()})
	if err := os.WriteFile(path+".lock", stale, 0600); err != nil {
		t.Fatalf("failed to plant lock: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.UpdateEntry("agent:main:main", func(e *Entry) {})
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("update with stale lock failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("update blocked on a stale lock")
	}

	if _, err := os.Stat(path + ".lock"); !os.IsNotExist(err) {
		t.Fatal("lock file left behind after update")
	}
}

func TestFreshLockBlocksUntilReleased(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	s := NewStore(path, nil)

	fresh, _ := json.Marshal(lockInfo{PID: os.Getpid(), StartedAt: time.Now().UnixMilli()})
	if err := os.WriteFile(path+".lock", fresh, 0600); err != nil {
		t.Fatalf("failed to plant lock: %v", err)
	}

	start := time.Now()
	go func() {
		time.Sleep(300 * time.Millisecond)
		os.Remove(path + ".lock")
	}()

	if err := s.UpdateEntry("agent:main:main", func(e *Entry) {}); err != nil {
		t.Fatalf("update failed after lock release: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Fatalf("update did not wait for the live lock: %v", elapsed)
	}
}

func TestMaintenancePrunesOldAndCapsEntries(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	s.Now = func() time.Time { return now }

	err := s.Update(func(entries map[string]Entry) {
		entries["agent:main:old:direct:u0"] = Entry{
			SessionID: "old",
			UpdatedAt: now.Add(-31 * 24 * time.Hour).UnixMilli(),
		}
		for i := 0; i < maxEntries+10; i++ {
			entries[fmt.Sprintf("agent:main:slack:direct:u%d", i)] = Entry{
				SessionID: fmt.Sprintf("s%d", i),
				UpdatedAt: now.Add(-time.Duration(i) * time.Minute).UnixMilli(),
			}
		}
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	entries, err := s.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(entries) > maxEntries {
		t.Fatalf("cap not enforced: %d entries", len(entries))
	}
	if _, ok := entries["agent:main:old:direct:u0"]; ok {
		t.Fatal("30-day-old entry survived maintenance")
	}
	// Most recently updated entry must survive the cap eviction
	if _, ok := entries["agent:main:slack:direct:u0"]; !ok {
		t.Fatal("most recent entry was evicted")
	}
}

func TestCorruptStoreIsResetAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("failed to write corrupt store: %v", err)
	}

	s := NewStore(path, nil)
	entries, err := s.Load()
	if err != nil {
		t.Fatalf("load of corrupt store errored: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty store after reset, got %d entries", len(entries))
	}

	matches, _ := filepath.Glob(path + ".corrupt-*")
	if len(matches) != 1 {
		t.Fatalf("expected one corrupt-aside file, got %v", matches)
	}
}

func TestCacheServesUnchangedFile(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpdateEntry("agent:main:main", func(e *Entry) {}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := s.Load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	first, _ := s.Load()
	if len(first) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(first))
	}

	// A write invalidates the cache
	if err := s.UpdateEntry("agent:main:slack:direct:u1", func(e *Entry) {}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	second, _ := s.Load()
	if len(second) != 2 {
		t.Fatalf("cache not invalidated after update: %d entries", len(second))
	}
}

func TestKeyHelpers(t *testing.T) {
	if got := MainKey(""); got != "agent:main:main" {
		t.Fatalf("MainKey: %s", got)
	}
	if got := ChatKey("main", "slack", "direct", "u1"); got != "agent:main:slack:direct:u1" {
		t.Fatalf("ChatKey: %s", got)
	}
	if got := WithThread("agent:main:main", "t9"); got != "agent:main:main:thread:t9" {
		t.Fatalf("WithThread: %s", got)
	}
	if !IsCronKey("cron:j1:run:abc") || IsCronKey("agent:main:main") {
		t.Fatal("IsCronKey misclassified")
	}
	if got := AgentIDFromKey(" agent:a2:main "); got != "a2" {
		t.Fatalf("AgentIDFromKey: %s", got)
	}
}
