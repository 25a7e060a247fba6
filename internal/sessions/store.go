package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/clawd/internal/bus"
	"github.com/openclaw/clawd/internal/paths"
	"github.com/openclaw/clawd/internal/protocol"

	. "github.com/openclaw/clawd/internal/logging"
)

const (
	cacheTTL = 45 * time.Second

	// Maintenance bounds applied on every update
	pruneAge      = 30 * 24 * time.Hour
	maxEntries    = 500
	rotateBytes   = 10 * 1024 * 1024
	lockRetryWait = 500 * time.Millisecond
)

// Store is the durable session map for one agent, backed by a single
// JSON file. Reads are served from a 45-second cache while the file's
// modification time is unchanged; writes take the cross-process lock.
type Store struct {
	path string
	bus  *bus.Bus

	// Now is the clock, overridable in tests.
	Now func() time.Time

	mu           sync.Mutex
	cache        map[string]Entry
	cacheAt      time.Time
	cacheModTime time.Time
}

// NewStore creates a store over the given file. events may be nil.
func NewStore(path string, events *bus.Bus) *Store {
	return &Store{path: path, bus: events, Now: time.Now}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load returns a snapshot copy of all entries. The snapshot is a deep
// copy; callers may mutate it freely.
func (s *Store) Load() (map[string]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache != nil && s.Now().Sub(s.cacheAt) < cacheTTL {
		if stat, err := os.Stat(s.path); err == nil && stat.ModTime().Equal(s.cacheModTime) {
			return cloneEntries(s.cache), nil
		} else if os.IsNotExist(err) && s.cacheModTime.IsZero() {
			return cloneEntries(s.cache), nil
		}
	}

	entries, modTime, err := s.read()
	if err != nil {
		return nil, err
	}
	s.cache = entries
	s.cacheAt = s.Now()
	s.cacheModTime = modTime
	return cloneEntries(entries), nil
}

// Get returns one entry by key.
func (s *Store) Get(key string) (Entry, bool, error) {
	entries, err := s.Load()
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := entries[NormalizeKey(key)]
	return e, ok, nil
}

// Update acquires the cross-process lock, re-reads the file (bypassing
// the cache), applies the mutator to a mutable snapshot, runs
// maintenance, writes atomically, and invalidates the cache. The lock is
// released on all paths.
func (s *Store) Update(mutate func(entries map[string]Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock := newFileLock(s.path)
	if err := lock.acquire(s.Now); err != nil {
		// One more attempt after a pause before surfacing lock-timeout
		time.Sleep(lockRetryWait)
		if err = lock.acquire(s.Now); err != nil {
			return err
		}
	}
	defer lock.release()

	entries, _, err := s.read()
	if err != nil {
		return err
	}

	mutate(entries)
	s.maintain(entries)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session store: %w", err)
	}

	if len(data) > rotateBytes {
		data, err = s.rotate(entries)
		if err != nil {
			return err
		}
	}

	if err := paths.AtomicWriteWithBackup(s.path, data, 0600); err != nil {
		return err
	}

	// Force the next Load to re-read
	s.cache = nil
	return nil
}

// UpdateEntry mutates a single entry, creating it (with a fresh session
// UUID) if absent, and advances its UpdatedAt.
func (s *Store) UpdateEntry(key string, mutate func(e *Entry)) error {
	key = NormalizeKey(key)
	if key == "" {
		return fmt.Errorf("session key required")
	}
	return s.Update(func(entries map[string]Entry) {
		e := entries[key]
		if e.SessionID == "" {
			e.SessionID = uuid.NewString()
		}
		mutate(&e)
		e.Touch(s.Now().UnixMilli())
		entries[key] = e
	})
}

// Delete removes an entry. Missing keys are not an error.
func (s *Store) Delete(key string) error {
	key = NormalizeKey(key)
	return s.Update(func(entries map[string]Entry) {
		delete(entries, key)
	})
}

// read loads the file without consulting the cache. A corrupt file is
// renamed aside with a timestamp suffix and replaced by an empty store;
// a store.reset event is published.
func (s *Store) read() (map[string]Entry, time.Time, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Entry{}, time.Time{}, nil
		}
		return nil, time.Time{}, fmt.Errorf("failed to read session store: %w", err)
	}

	var entries map[string]Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, s.Now().UnixMilli())
		L_error("sessions: store corrupt, resetting", "path", s.path, "aside", aside, "error", err)
		if renameErr := os.Rename(s.path, aside); renameErr != nil {
			return nil, time.Time{}, fmt.Errorf("corrupt session store at %s: %w", s.path, protocol.ErrCorruptStore)
		}
		if s.bus != nil {
			s.bus.PublishWithSource(bus.TopicStoreReset, map[string]string{"store": "sessions", "path": s.path, "aside": aside}, "sessions")
		}
		return map[string]Entry{}, time.Time{}, nil
	}
	if entries == nil {
		entries = map[string]Entry{}
	}

	modTime := time.Time{}
	if stat, err := os.Stat(s.path); err == nil {
		modTime = stat.ModTime()
	}
	return entries, modTime, nil
}

// maintain prunes entries older than 30 days and caps the store at 500
// entries, evicting the least recently updated first.
func (s *Store) maintain(entries map[string]Entry) {
	nowMs := s.Now().UnixMilli()
	cutoff := nowMs - pruneAge.Milliseconds()

	for key, e := range entries {
		if e.UpdatedAt > 0 && e.UpdatedAt < cutoff {
			delete(entries, key)
		}
	}

	if len(entries) <= maxEntries {
		return
	}
	keys := keysByAge(entries)
	for _, key := range keys[:len(keys)-maxEntries] {
		delete(entries, key)
	}
}

// rotate archives the least recently updated half of the store to
// <path>.1 and returns the serialized remainder.
func (s *Store) rotate(entries map[string]Entry) ([]byte, error) {
	keys := keysByAge(entries)
	half := len(keys) / 2
	if half == 0 {
		return json.MarshalIndent(entries, "", "  ")
	}

	archived := make(map[string]Entry, half)
	for _, key := range keys[:half] {
		archived[key] = entries[key]
		delete(entries, key)
	}

	if err := paths.AtomicWriteJSON(s.path+".1", archived, 0600); err != nil {
		L_warn("sessions: archive write failed during rotation", "error", err)
	} else {
		L_info("sessions: rotated store", "path", s.path, "archived", len(archived), "kept", len(entries))
	}

	return json.MarshalIndent(entries, "", "  ")
}

// keysByAge returns the keys sorted by UpdatedAt ascending (oldest first).
func keysByAge(entries map[string]Entry) []string {
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := entries[keys[i]].UpdatedAt, entries[keys[j]].UpdatedAt
		if a == b {
			return keys[i] < keys[j]
		}
		return a < b
	})
	return keys
}
