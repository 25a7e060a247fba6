// Package cron provides durable scheduled job execution: a JSON job
// store, a timer engine with crash recovery and missed-run replay,
// exponential backoff, and main/isolated execution dispatch.
package cron

import (
	"encoding/json"
	"time"
)

// Job represents a scheduled task (OpenClaw compatible).
type Job struct {
	ID             string    `json:"id"`
	AgentID        string    `json:"agentId,omitempty"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Enabled        bool      `json:"enabled"`
	CreatedAtMs    int64     `json:"createdAtMs"`
	UpdatedAtMs    int64     `json:"updatedAtMs"`
	Schedule       Schedule  `json:"schedule"`
	SessionTarget  string    `json:"sessionTarget"`      // "main" or "isolated"
	WakeMode       string    `json:"wakeMode,omitempty"` // "now" or "next-heartbeat"
	Payload        Payload   `json:"payload"`
	Delivery       *Delivery `json:"delivery,omitempty"` // isolated jobs only
	DeleteAfterRun bool      `json:"deleteAfterRun,omitempty"`
	State          JobState  `json:"state"`
}

// Schedule defines when a job should run.
type Schedule struct {
	Kind     string `json:"kind"`               // "at", "every", "cron"
	AtMs     int64  `json:"atMs,omitempty"`     // for "at": unix ms timestamp
	EveryMs  int64  `json:"everyMs,omitempty"`  // for "every": interval in ms
	AnchorMs *int64 `json:"anchorMs,omitempty"` // for "every": phase anchor
	Expr     string `json:"expr,omitempty"`     // for "cron": 5-field cron expression
	Tz       string `json:"tz,omitempty"`       // for "cron": IANA timezone
}

// Payload defines what the job should do.
type Payload struct {
	Kind           string `json:"kind"` // "systemEvent" or "agentTurn"
	Text           string `json:"text,omitempty"`
	Message        string `json:"message,omitempty"`
	Model          string `json:"model,omitempty"`
	Thinking       string `json:"thinking,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// Delivery controls how an isolated run's output reaches the user.
type Delivery struct {
	Mode       string `json:"mode"`              // "announce" or "none"
	Channel    string `json:"channel,omitempty"` // "last" or a channel name
	To         string `json:"to,omitempty"`
	BestEffort bool   `json:"bestEffort,omitempty"`
}

// JobState tracks the runtime state of a job. Exactly one of
// RunningAtMs/NextRunAtMs is meaningful at any instant.
type JobState struct {
	NextRunAtMs       *int64 `json:"nextRunAtMs,omitempty"`
	RunningAtMs       *int64 `json:"runningAtMs,omitempty"`
	LastRunAtMs       *int64 `json:"lastRunAtMs,omitempty"`
	LastStatus        string `json:"lastStatus,omitempty"` // "ok", "error", "skipped"
	LastError         string `json:"lastError,omitempty"`
	LastDurationMs    *int64 `json:"lastDurationMs,omitempty"`
	ConsecutiveErrors int    `json:"consecutiveErrors,omitempty"`
}

// StoreFile is the root structure of the jobs.json file.
type StoreFile struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}

// RunLogEntry represents a single run in the history log.
type RunLogEntry struct {
	Ts         int64  `json:"ts"`     // Unix timestamp (ms) when run started
	Status     string `json:"status"` // "ok", "error", "skipped"
	DurationMs int64  `json:"durationMs,omitempty"`
	Summary    string `json:"summary,omitempty"` // Agent output, truncated to 2000 chars
	Error      string `json:"error,omitempty"`
}

// Event is the observable job transition published on the bus.
type Event struct {
	JobID       string `json:"jobId"`
	Action      string `json:"action"` // added|updated|removed|started|finished
	RunAtMs     int64  `json:"runAtMs,omitempty"`
	DurationMs  *int64 `json:"durationMs,omitempty"`
	Status      string `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
	Summary     string `json:"summary,omitempty"`
	NextRunAtMs *int64 `json:"nextRunAtMs,omitempty"`
}

// Schedule kind constants
const (
	ScheduleKindAt    = "at"
	ScheduleKindEvery = "every"
	ScheduleKindCron  = "cron"
)

// Session target constants
const (
	SessionTargetMain     = "main"
	SessionTargetIsolated = "isolated"
)

// Wake mode constants
const (
	WakeModeNow           = "now"
	WakeModeNextHeartbeat = "next-heartbeat"
)

// Payload kind constants
const (
	PayloadKindSystemEvent = "systemEvent"
	PayloadKindAgentTurn   = "agentTurn"
)

// Job status constants
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Event action constants
const (
	ActionAdded    = "added"
	ActionUpdated  = "updated"
	ActionRemoved  = "removed"
	ActionStarted  = "started"
	ActionFinished = "finished"
)

// Delivery mode constants
const (
	DeliveryAnnounce = "announce"
	DeliveryNone     = "none"
)

// GetPrompt returns the prompt text from the payload.
func (p *Payload) GetPrompt() string {
	if p.Message != "" {
		return p.Message
	}
	return p.Text
}

// IsIsolated returns true if the job runs in an isolated session.
func (j *Job) IsIsolated() bool {
	return j.SessionTarget == SessionTargetIsolated
}

// IsOneShot returns true if this is a one-shot job (at schedule).
func (j *Job) IsOneShot() bool {
	return j.Schedule.Kind == ScheduleKindAt
}

// SetRunning marks the job as currently running; the pending next-run
// marker is cleared for the duration.
func (j *Job) SetRunning(nowMs int64) {
	j.State.RunningAtMs = &nowMs
	j.State.NextRunAtMs = nil
}

// IsRunning returns true if the job is currently running.
func (j *Job) IsRunning() bool {
	return j.State.RunningAtMs != nil
}

// SetLastRun records the outcome of a run, clears the running marker,
// and maintains the consecutive error counter.
func (j *Job) SetLastRun(startedAtMs int64, duration time.Duration, status, errStr string, nowMs int64) {
	j.State.LastRunAtMs = &startedAtMs
	ms := duration.Milliseconds()
	j.State.LastDurationMs = &ms
	j.State.LastStatus = status
	j.State.LastError = errStr
	j.State.RunningAtMs = nil
	if status == StatusError {
		j.State.ConsecutiveErrors++
	} else if status == StatusOK {
		j.State.ConsecutiveErrors = 0
	}
	j.UpdatedAtMs = nowMs
}

// Clone creates a deep copy of the job.
func (j *Job) Clone() *Job {
	data, _ := json.Marshal(j)
	var clone Job
	json.Unmarshal(data, &clone)
	return &clone
}
