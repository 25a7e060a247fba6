package cron

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openclaw/clawd/internal/bus"
)

func TestStoreMissingFileStartsEmpty(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "jobs.json"), nil)
	if err := store.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if store.Count() != 0 {
		t.Fatalf("count = %d, want 0", store.Count())
	}
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	store := NewStore(path, nil)
	if err := store.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	job := &Job{
		Name:     "roundtrip",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleKindEvery, EveryMs: 60_000},
		Payload:  Payload{Kind: PayloadKindSystemEvent, Text: "hello"},
	}
	if err := store.AddJob(job); err != nil {
		t.Fatalf("add: %v", err)
	}
	if job.ID == "" {
		t.Fatal("no ID assigned")
	}

	reloaded := NewStore(path, nil)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := reloaded.GetJob(job.ID)
	if got == nil {
		t.Fatal("job missing after reload")
	}
	if got.Name != "roundtrip" || got.Payload.Text != "hello" {
		t.Fatalf("job fields lost: %+v", got)
	}
}

func TestStoreCorruptFileRecoversFromBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	events := bus.New()

	var mu sync.Mutex
	resets := 0
	events.Subscribe(bus.TopicStoreReset, func(ev bus.Event) {
		mu.Lock()
		resets++
		mu.Unlock()
	})

	store := NewStore(path, events)
	if err := store.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	job := &Job{
		Name:     "survivor",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleKindEvery, EveryMs: 60_000},
	}
	if err := store.AddJob(job); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := os.WriteFile(path, []byte("{{{ not json"), 0600); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	recovered := NewStore(path, events)
	if err := recovered.Load(); err != nil {
		t.Fatalf("load after corruption: %v", err)
	}
	if recovered.GetJob(job.ID) == nil {
		t.Fatal("job not recovered from .bak")
	}

	aside, err := filepath.Glob(path + ".corrupt-*")
	if err != nil || len(aside) != 1 {
		t.Fatalf("corrupt file not moved aside: %v (err %v)", aside, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := resets
		mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("store.reset event never published")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStoreCorruptFileAndBackupStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	if err := os.WriteFile(path, []byte("junk"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(path+".bak", []byte("more junk"), 0600); err != nil {
		t.Fatalf("write bak: %v", err)
	}

	store := NewStore(path, nil)
	if err := store.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if store.Count() != 0 {
		t.Fatalf("count = %d, want 0 after double corruption", store.Count())
	}
}
