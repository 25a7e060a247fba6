package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/clawd/internal/bus"
	"github.com/openclaw/clawd/internal/paths"

	. "github.com/openclaw/clawd/internal/logging"
)

const storeVersion = 1

// Store manages cron job persistence: a single jobs.json with a .bak
// sibling, written atomically on every mutation.
type Store struct {
	path   string
	events *bus.Bus

	mu   sync.RWMutex
	jobs map[string]*Job // keyed by job ID
}

// NewStore creates a cron store backed by the given jobs.json path.
// An empty path uses the default state directory.
func NewStore(jobsPath string, events *bus.Bus) *Store {
	if jobsPath == "" {
		jobsPath = paths.CronJobsPath()
	}
	return &Store{
		path:   jobsPath,
		events: events,
		jobs:   make(map[string]*Job),
	}
}

// Load reads jobs from disk. A missing file starts empty. A corrupt
// file is moved aside and the .bak sibling is tried; if that fails too
// the store restarts empty after publishing a store.reset event.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			L_debug("cron: jobs file not found, starting empty", "path", s.path)
			s.jobs = make(map[string]*Job)
			return nil
		}
		return fmt.Errorf("failed to read jobs file: %w", err)
	}

	jobs, perr := parseStoreFile(data)
	if perr == nil {
		s.jobs = jobs
		L_info("cron: loaded jobs", "count", len(s.jobs), "path", s.path)
		return nil
	}

	L_warn("cron: jobs file corrupt, trying backup", "path", s.path, "error", perr)
	aside := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().UnixMilli())
	if rerr := os.Rename(s.path, aside); rerr != nil {
		L_error("cron: failed to move corrupt jobs file aside", "error", rerr)
	}

	if bak, berr := os.ReadFile(s.path + ".bak"); berr == nil {
		if jobs, perr = parseStoreFile(bak); perr == nil {
			s.jobs = jobs
			L_info("cron: recovered jobs from backup", "count", len(s.jobs))
			s.publishReset(aside)
			return s.saveLocked()
		}
		L_warn("cron: backup also corrupt", "error", perr)
	}

	s.jobs = make(map[string]*Job)
	s.publishReset(aside)
	return nil
}

// Save writes jobs to the JSON file.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if err := paths.EnsureParentDir(s.path); err != nil {
		return fmt.Errorf("failed to create cron directory: %w", err)
	}

	file := StoreFile{
		Version: storeVersion,
		Jobs:    make([]*Job, 0, len(s.jobs)),
	}
	for _, job := range s.jobs {
		file.Jobs = append(file.Jobs, job)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal jobs: %w", err)
	}

	if err := paths.AtomicWriteWithBackup(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write jobs file: %w", err)
	}

	L_debug("cron: saved jobs", "count", len(s.jobs), "path", s.path)
	return nil
}

// GetJob returns a job by ID, or nil.
func (s *Store) GetJob(id string) *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[id]
}

// GetAllJobs returns all jobs.
func (s *Store) GetAllJobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

// GetDueJobs returns enabled jobs whose next run is at or before now.
func (s *Store) GetDueJobs(nowMs int64) []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*Job, 0)
	for _, job := range s.jobs {
		if !job.Enabled || job.State.NextRunAtMs == nil {
			continue
		}
		if *job.State.NextRunAtMs <= nowMs {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// AddJob adds a new job, assigning an ID when missing.
func (s *Store) AddJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job with ID %s already exists", job.ID)
	}

	now := time.Now().UnixMilli()
	if job.CreatedAtMs == 0 {
		job.CreatedAtMs = now
	}
	job.UpdatedAtMs = now

	s.jobs[job.ID] = job
	return s.saveLocked()
}

// UpdateJob replaces an existing job.
func (s *Store) UpdateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; !exists {
		return fmt.Errorf("job with ID %s not found", job.ID)
	}

	job.UpdatedAtMs = time.Now().UnixMilli()
	s.jobs[job.ID] = job
	return s.saveLocked()
}

// DeleteJob removes a job.
func (s *Store) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[id]; !exists {
		return fmt.Errorf("job with ID %s not found", id)
	}

	delete(s.jobs, id)
	return s.saveLocked()
}

// Count returns the number of jobs.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) publishReset(aside string) {
	if s.events == nil {
		return
	}
	s.events.Publish(bus.TopicStoreReset, map[string]any{
		"store": "cron",
		"path":  s.path,
		"moved": aside,
	})
}

func parseStoreFile(data []byte) (map[string]*Job, error) {
	var file StoreFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	if file.Version != storeVersion {
		return nil, fmt.Errorf("unsupported cron store version %d", file.Version)
	}
	jobs := make(map[string]*Job, len(file.Jobs))
	for _, job := range file.Jobs {
		if job == nil || job.ID == "" {
			continue
		}
		jobs[job.ID] = job
	}
	return jobs, nil
}
