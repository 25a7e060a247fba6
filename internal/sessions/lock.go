package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/openclaw/clawd/internal/paths"
	"github.com/openclaw/clawd/internal/protocol"

	. "github.com/openclaw/clawd/internal/logging"
)

const (
	lockRetryInterval = 25 * time.Millisecond
	lockTimeout       = 10 * time.Second
	lockStaleAge      = 30 * time.Second
)

// lockInfo is the lock file contents: the holder's pid and when it
// acquired the lock (unix ms).
type lockInfo struct {
	PID       int   `json:"pid"`
	StartedAt int64 `json:"startedAt"`
}

// fileLock is an exclusive cross-process lock implemented as a sibling
// lock file created with O_EXCL.
type fileLock struct {
	path string
	held bool
}

func newFileLock(storePath string) *fileLock {
	return &fileLock{path: storePath + ".lock"}
}

// acquire polls for the lock every ~25ms up to a 10-second deadline.
// A lock whose recorded startedAt is older than 30 seconds is treated
// as stale and forcibly removed once, then re-attempted.
func (l *fileLock) acquire(now func() time.Time) error {
	if err := paths.EnsureParentDir(l.path); err != nil {
		return err
	}

	deadline := now().Add(lockTimeout)
	removedStale := false

	for {
		if l.tryAcquire(now) {
			l.held = true
			return nil
		}

		if !removedStale && l.isStale(now) {
			L_warn("sessions: removing stale lock file", "path", l.path)
			os.Remove(l.path)
			removedStale = true
			continue
		}

		if now().After(deadline) {
			return fmt.Errorf("session store lock at %s: %w", l.path, protocol.ErrLockTimeout)
		}
		time.Sleep(lockRetryInterval)
	}
}

func (l *fileLock) tryAcquire(now func() time.Time) bool {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return false
	}
	defer f.Close()

	info := lockInfo{PID: os.Getpid(), StartedAt: now().UnixMilli()}
	data, err := json.Marshal(info)
	if err == nil {
		_, _ = f.Write(data)
	}
	return true
}

// isStale reports whether the current lock file records an acquisition
// time more than 30 seconds ago. An unreadable lock file counts as stale
// only if its mtime is old enough.
func (l *fileLock) isStale(now func() time.Time) bool {
	data, err := os.ReadFile(l.path)
	if err == nil {
		var info lockInfo
		if json.Unmarshal(data, &info) == nil && info.StartedAt > 0 {
			return now().UnixMilli()-info.StartedAt > lockStaleAge.Milliseconds()
		}
	}
	stat, err := os.Stat(l.path)
	if err != nil {
		return false
	}
	return now().Sub(stat.ModTime()) > lockStaleAge
}

func (l *fileLock) release() {
	if !l.held {
		return
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		L_warn("sessions: failed to remove lock file", "path", l.path, "error", err)
	}
}
