package cron

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	. "github.com/openclaw/clawd/internal/logging"
)

// FileChangeDebounce is how long to wait after a jobs.json change
// before reloading, so rapid external writes settle first.
const FileChangeDebounce = 150 * time.Millisecond

// runLoop is the scheduler: a timer aimed at the next due job, a
// backup ticker, a reschedule signal, and a watcher on jobs.json for
// out-of-process edits.
func (s *Service) runLoop(ctx context.Context) {
	defer close(s.doneCh)

	var watcherEvents <-chan fsnotify.Event
	var watcherErrors <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		L_warn("cron: failed to create file watcher, external changes won't be detected", "error", err)
	} else {
		defer watcher.Close()
		// Watch the directory; editors replace files rather than
		// writing in place.
		jobsDir := filepath.Dir(s.deps.Store.Path())
		if err := watcher.Add(jobsDir); err != nil {
			L_warn("cron: failed to watch jobs directory", "dir", jobsDir, "error", err)
		} else {
			watcherEvents = watcher.Events
			watcherErrors = watcher.Errors
			L_debug("cron: watching for job file changes", "dir", jobsDir)
		}
	}

	backupTicker := time.NewTicker(BackupTickInterval)
	defer backupTicker.Stop()

	jobsFile := filepath.Base(s.deps.Store.Path())

	var timer *time.Timer
	var fileDebounce *time.Timer
	var fileDebounceC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		if fileDebounce != nil {
			fileDebounce.Stop()
		}
	}()

	for {
		sleep := s.computeNextWake()
		L_trace("cron: scheduler sleeping", "duration", sleep)
		if timer == nil {
			timer = time.NewTimer(sleep)
		} else {
			timer.Reset(sleep)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return

		case <-s.rescheduleCh:
			timer.Stop()

		case event := <-watcherEvents:
			if filepath.Base(event.Name) != jobsFile || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if s.watcherSuppressed() {
				L_trace("cron: ignoring own jobs file write")
				continue
			}
			if fileDebounce == nil {
				fileDebounce = time.NewTimer(FileChangeDebounce)
				fileDebounceC = fileDebounce.C
				L_debug("cron: jobs file change detected, debouncing")
			} else {
				fileDebounce.Reset(FileChangeDebounce)
			}

		case <-fileDebounceC:
			timer.Stop()
			fileDebounce = nil
			fileDebounceC = nil
			L_info("cron: reloading jobs after file change")
			if err := s.deps.Store.Load(); err != nil {
				L_error("cron: failed to reload jobs", "error", err)
			} else {
				s.initializeNextRuns()
			}

		case err := <-watcherErrors:
			L_warn("cron: file watcher error", "error", err)

		case <-backupTicker.C:
			timer.Stop()
			s.runDueJobs(ctx)
			s.reapEphemeralSessions()

		case <-timer.C:
			s.runDueJobs(ctx)
		}
	}
}
