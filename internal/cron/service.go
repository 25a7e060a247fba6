package cron

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/clawd/internal/agent"
	"github.com/openclaw/clawd/internal/bus"
	"github.com/openclaw/clawd/internal/config"
	"github.com/openclaw/clawd/internal/lanes"
	"github.com/openclaw/clawd/internal/sessions"
	"github.com/openclaw/clawd/internal/sysevents"

	. "github.com/openclaw/clawd/internal/logging"
)

const (
	// BackupTickInterval is how often the loop wakes even with no timer
	// or file change pending. It also paces the ephemeral-session reaper.
	BackupTickInterval = 5 * time.Minute

	// MaxTimerDelay caps scheduler sleep so clock adjustments and missed
	// wakeups are noticed within a minute.
	MaxTimerDelay = 60 * time.Second

	// StuckRunAge is how old a running marker must be before startup
	// recovery treats it as orphaned by a dead process.
	StuckRunAge = 2 * time.Hour

	// DefaultJobTimeout bounds a single run unless the payload overrides it.
	DefaultJobTimeout = 10 * time.Minute

	mainDrainWait = 2 * time.Minute
	mainDrainPoll = 250 * time.Millisecond

	defaultEphemeralRetention = 24 * time.Hour
)

// Waker triggers a heartbeat outside its normal interval.
type Waker interface {
	RequestNow(reason string, coalesce time.Duration)
}

// DeliverFunc sends text to a channel recipient.
type DeliverFunc func(ctx context.Context, channel, to, text string) error

// Deps wires the service to the rest of the runtime. Only Store is
// required; everything else degrades to a no-op when nil.
type Deps struct {
	NowMs     func() int64
	Config    *config.Config
	Store     *Store
	History   *History
	Lanes     *lanes.Dispatcher
	Queue     *sysevents.Queue
	Heartbeat Waker
	Executor  agent.Executor
	Sessions  *sessions.Store
	Events    *bus.Bus
	Deliver   DeliverFunc
}

// Service manages cron job scheduling and execution.
type Service struct {
	deps Deps

	mu               sync.Mutex
	running          bool
	stopCh           chan struct{}
	doneCh           chan struct{}
	rescheduleCh     chan struct{}
	ignoreWatchUntil time.Time
}

// NewService creates a cron service.
func NewService(deps Deps) *Service {
	if deps.NowMs == nil {
		deps.NowMs = func() int64 { return time.Now().UnixMilli() }
	}
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	if deps.Store == nil {
		deps.Store = NewStore("", deps.Events)
	}
	if deps.History == nil {
		deps.History = NewHistory("")
	}
	return &Service{deps: deps}
}

// Store returns the underlying job store.
func (s *Service) Store() *Store { return s.deps.Store }

// History returns the run history log.
func (s *Service) History() *History { return s.deps.History }

// Start loads jobs, recovers state from a previous process, replays
// missed runs, and begins the scheduler loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("cron service already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.rescheduleCh = make(chan struct{}, 1)
	s.mu.Unlock()

	if err := s.deps.Store.Load(); err != nil {
		return fmt.Errorf("failed to load cron jobs: %w", err)
	}

	s.recoverStuckRuns()
	s.initializeNextRuns()
	s.replayMissedRuns(ctx)

	L_info("cron: service started", "jobs", s.deps.Store.Count(), "path", s.deps.Store.Path())

	go s.runLoop(ctx)
	return nil
}

// Stop gracefully stops the scheduler loop. In-flight runs finish on
// their own lane.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh
	L_info("cron: service stopped")
}

// IsRunning returns true if the scheduler loop is active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// recoverStuckRuns clears running markers left behind by a process
// that died mid-run. Only markers older than StuckRunAge are touched;
// anything younger may still be racing a shutdown.
func (s *Service) recoverStuckRuns() {
	now := s.deps.NowMs()
	for _, job := range s.deps.Store.GetAllJobs() {
		if !job.IsRunning() {
			continue
		}
		age := now - *job.State.RunningAtMs
		if age < StuckRunAge.Milliseconds() {
			continue
		}
		L_warn("cron: clearing stuck running marker", "job", job.Name, "id", job.ID, "ageMs", age)
		job.State.RunningAtMs = nil
		job.State.LastStatus = StatusError
		job.State.LastError = "run marker stale after restart"
		if err := s.deps.Store.UpdateJob(job); err != nil {
			L_error("cron: failed to clear stuck marker", "job", job.Name, "error", err)
		}
	}
}

// initializeNextRuns fills in next-run times for enabled jobs that
// lack one. Existing past-due times are preserved so missed runs can
// be replayed.
func (s *Service) initializeNextRuns() {
	now := s.deps.NowMs()
	s.suppressWatcher(500 * time.Millisecond)

	for _, job := range s.deps.Store.GetAllJobs() {
		if !job.Enabled || job.IsRunning() || job.State.NextRunAtMs != nil {
			continue
		}
		natural, err := NextRunTime(job, now)
		if err != nil {
			L_error("cron: failed to calculate next run", "job", job.Name, "id", job.ID, "error", err)
			continue
		}
		job.State.NextRunAtMs = effectiveNextRun(job, natural)
		if err := s.deps.Store.UpdateJob(job); err != nil {
			L_error("cron: failed to update job", "job", job.Name, "error", err)
		}
		if job.State.NextRunAtMs != nil {
			L_info("cron: job scheduled",
				"job", job.Name,
				"schedule", formatScheduleLog(&job.Schedule),
				"nextRun", time.UnixMilli(*job.State.NextRunAtMs).Format(time.RFC3339))
		}
	}
}

// replayMissedRuns executes jobs whose next run fell while the process
// was down. Multiple missed intervals collapse into a single run; jobs
// replay synchronously in due order so the gateway comes up with
// consistent state.
func (s *Service) replayMissedRuns(ctx context.Context) {
	now := s.deps.NowMs()
	due := s.deps.Store.GetDueJobs(now)
	if len(due) == 0 {
		return
	}
	sort.Slice(due, func(i, j int) bool {
		return *due[i].State.NextRunAtMs < *due[j].State.NextRunAtMs
	})
	L_info("cron: replaying missed runs", "count", len(due))
	for _, job := range due {
		s.executeJob(ctx, job)
	}
}

func formatScheduleLog(sch *Schedule) string {
	switch sch.Kind {
	case ScheduleKindAt:
		return fmt.Sprintf("at %s", time.UnixMilli(sch.AtMs).Format(time.RFC3339))
	case ScheduleKindEvery:
		return fmt.Sprintf("every %s", time.Duration(sch.EveryMs)*time.Millisecond)
	case ScheduleKindCron:
		if sch.Tz != "" {
			return fmt.Sprintf("cron '%s' (%s)", sch.Expr, sch.Tz)
		}
		return fmt.Sprintf("cron '%s'", sch.Expr)
	default:
		return "unknown"
	}
}

// computeNextWake returns how long to sleep until the next job is due,
// clamped to [0, MaxTimerDelay].
func (s *Service) computeNextWake() time.Duration {
	now := s.deps.NowMs()
	minWait := MaxTimerDelay

	for _, job := range s.deps.Store.GetAllJobs() {
		if !job.Enabled || job.State.NextRunAtMs == nil {
			continue
		}
		wait := time.Duration(*job.State.NextRunAtMs-now) * time.Millisecond
		if wait <= 0 {
			return 0
		}
		if wait < minWait {
			minWait = wait
		}
	}
	return minWait
}

// runDueJobs starts every job whose next run has arrived. The claim
// is persisted before the run goroutine is spawned: clearing
// nextRunAtMs synchronously is what keeps the very next scheduler
// pass from dispatching the same due instant again.
func (s *Service) runDueJobs(ctx context.Context) {
	due := s.deps.Store.GetDueJobs(s.deps.NowMs())
	for _, job := range due {
		if job.IsRunning() {
			L_debug("cron: job already running, skipping", "job", job.Name)
			continue
		}
		startMs, ok := s.claimJob(job)
		if !ok {
			continue
		}
		go s.runClaimedJob(ctx, job, startMs)
	}
}

// claimJob marks the job running, clears its next run, and persists
// both before anything executes. Must complete before dispatch so a
// due job cannot be picked up twice.
func (s *Service) claimJob(job *Job) (int64, bool) {
	startMs := s.deps.NowMs()
	job.SetRunning(startMs)
	s.suppressWatcher(200 * time.Millisecond)
	if err := s.deps.Store.UpdateJob(job); err != nil {
		L_error("cron: failed to mark job running", "job", job.Name, "error", err)
		return 0, false
	}
	s.publishEvent(Event{JobID: job.ID, Action: ActionStarted, RunAtMs: startMs})
	return startMs, true
}

// executeJob claims and runs one job synchronously, end to end.
func (s *Service) executeJob(ctx context.Context, job *Job) {
	startMs, ok := s.claimJob(job)
	if !ok {
		return
	}
	s.runClaimedJob(ctx, job, startMs)
}

// runClaimedJob dispatches an already-claimed job on the cron lane
// and finalizes its state and schedule.
func (s *Service) runClaimedJob(ctx context.Context, job *Job, startMs int64) {
	timeout := DefaultJobTimeout
	if job.Payload.TimeoutSeconds > 0 {
		timeout = time.Duration(job.Payload.TimeoutSeconds) * time.Second
	}

	L_info("cron: job starting",
		"job", job.Name,
		"id", job.ID,
		"target", job.SessionTarget,
		"timeout", timeout,
		"prompt", truncateLog(job.Payload.GetPrompt(), 100))

	var summary string
	var runErr error
	task := func(taskCtx context.Context) (any, error) {
		runCtx, cancel := context.WithTimeout(taskCtx, timeout)
		defer cancel()
		return s.runJobOnce(runCtx, job, timeout)
	}

	if s.deps.Lanes != nil {
		out, err := s.deps.Lanes.Enqueue(lanes.LaneCron, task).Wait(ctx)
		if text, ok := out.(string); ok {
			summary = text
		}
		runErr = err
	} else {
		out, err := task(ctx)
		if text, ok := out.(string); ok {
			summary = text
		}
		runErr = err
	}

	s.finalizeRun(job, startMs, summary, runErr)
}

// runJobOnce performs the job's payload in its target session and
// returns a summary of what happened.
func (s *Service) runJobOnce(ctx context.Context, job *Job, timeout time.Duration) (string, error) {
	if job.IsIsolated() {
		return s.runIsolated(ctx, job, timeout)
	}
	return s.runOnMain(ctx, job)
}

// runOnMain enqueues the payload as a system event for the main
// session and optionally wakes the heartbeat immediately.
func (s *Service) runOnMain(ctx context.Context, job *Job) (string, error) {
	text := strings.TrimSpace(job.Payload.GetPrompt())
	if text == "" {
		text = "scheduled reminder"
	}

	mainKey := s.deps.Config.MainSessionKey()
	if s.deps.Queue != nil {
		s.deps.Queue.Enqueue(mainKey, text)
	}

	if job.WakeMode != WakeModeNextHeartbeat {
		if s.deps.Heartbeat != nil {
			s.deps.Heartbeat.RequestNow("cron:"+job.ID, 0)
		}
		// Wait for the wake to pick the event up so one-shot jobs
		// finish as delivered, not merely queued.
		if s.deps.Lanes != nil {
			s.waitForMainDrain(ctx)
		}
	}
	return text, nil
}

// waitForMainDrain polls until the main lane is idle or the wait
// budget runs out. Best effort only.
func (s *Service) waitForMainDrain(ctx context.Context) {
	deadline := time.Now().Add(mainDrainWait)
	for time.Now().Before(deadline) {
		if s.deps.Lanes.QueueSize(lanes.LaneMain) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(mainDrainPoll):
		}
	}
	L_debug("cron: main lane still busy after wake wait")
}

// runIsolated executes the payload as an agent turn in a fresh
// per-run session, then announces the result if so configured.
func (s *Service) runIsolated(ctx context.Context, job *Job, timeout time.Duration) (string, error) {
	if s.deps.Executor == nil {
		return "", fmt.Errorf("no agent executor configured")
	}

	runID := uuid.New().String()
	sessionKey := sessions.CronRunKey(job.ID, runID)

	var sessionID string
	if s.deps.Sessions != nil {
		err := s.deps.Sessions.UpdateEntry(sessionKey, func(e *sessions.Entry) {
			e.Label = job.Name
			e.Origin = "cron"
			if job.Payload.Model != "" {
				e.Model = job.Payload.Model
			}
		})
		if err != nil {
			return "", fmt.Errorf("failed to create run session: %w", err)
		}
		if entry, ok, _ := s.deps.Sessions.Get(sessionKey); ok {
			sessionID = entry.SessionID
		}
	}

	res, err := s.deps.Executor.Run(ctx, agent.RunRequest{
		SessionID:  sessionID,
		SessionKey: sessionKey,
		Prompt:     job.Payload.GetPrompt(),
		ThinkLevel: job.Payload.Thinking,
		TimeoutMs:  timeout.Milliseconds(),
	})
	if err != nil {
		return "", err
	}

	if err := s.deliverResult(ctx, job, res.Text); err != nil {
		return res.Text, err
	}
	return res.Text, nil
}

// deliverResult routes an isolated run's output per the job's delivery
// config. "last" (or empty) channel resolves from the main session's
// last-used route.
func (s *Service) deliverResult(ctx context.Context, job *Job, text string) error {
	d := job.Delivery
	if d == nil || d.Mode == DeliveryNone || strings.TrimSpace(text) == "" {
		return nil
	}
	if s.deps.Deliver == nil {
		L_debug("cron: no delivery sink configured", "job", job.Name)
		return nil
	}

	channel, to := d.Channel, d.To
	if channel == "" || channel == "last" {
		channel, to = s.lastRoute()
	}
	if channel == "" {
		if d.BestEffort {
			L_debug("cron: no delivery target, dropping announce", "job", job.Name)
			return nil
		}
		return fmt.Errorf("no delivery target for job %s", job.ID)
	}

	msg := fmt.Sprintf("[Cron: %s]\n\n%s", job.Name, text)
	if err := s.deps.Deliver(ctx, channel, to, msg); err != nil {
		if d.BestEffort {
			L_warn("cron: best-effort delivery failed", "job", job.Name, "channel", channel, "error", err)
			return nil
		}
		return fmt.Errorf("delivery failed: %w", err)
	}
	L_debug("cron: delivered run output", "job", job.Name, "channel", channel)
	return nil
}

// lastRoute returns the main session's last-used channel and recipient.
func (s *Service) lastRoute() (channel, to string) {
	if s.deps.Sessions == nil {
		return "", ""
	}
	entry, ok, err := s.deps.Sessions.Get(s.deps.Config.MainSessionKey())
	if err != nil || !ok {
		return "", ""
	}
	return entry.LastChannel, entry.LastTo
}

// finalizeRun records the outcome, reschedules or retires the job, and
// publishes the finished event.
func (s *Service) finalizeRun(job *Job, startMs int64, summary string, runErr error) {
	now := s.deps.NowMs()
	duration := time.Duration(now-startMs) * time.Millisecond

	status := StatusOK
	errStr := ""
	if runErr != nil {
		status = StatusError
		errStr = runErr.Error()
		L_error("cron: job failed", "job", job.Name, "id", job.ID, "error", runErr, "duration", duration)
	} else {
		L_info("cron: job completed", "job", job.Name, "id", job.ID, "duration", duration)
	}

	job.SetLastRun(startMs, duration, status, errStr, now)

	entry := CreateRunEntry(time.UnixMilli(startMs), duration, status, summary, errStr)
	if err := s.deps.History.LogRun(job.ID, entry); err != nil {
		L_error("cron: failed to log run", "job", job.Name, "error", err)
	}

	deleted := false
	if job.IsOneShot() {
		// One-shot jobs retire after firing: delete when asked to,
		// disable otherwise (also on error, so a broken job cannot
		// fire forever).
		job.Enabled = false
		job.State.NextRunAtMs = nil
		if job.DeleteAfterRun && status == StatusOK {
			deleted = true
		}
	} else {
		natural, err := NextRunTime(job, now)
		if err != nil {
			L_error("cron: failed to calculate next run", "job", job.Name, "error", err)
		}
		job.State.NextRunAtMs = effectiveNextRun(job, natural)
		if job.State.NextRunAtMs != nil {
			L_debug("cron: next run scheduled", "job", job.Name,
				"nextRun", time.UnixMilli(*job.State.NextRunAtMs).Format(time.RFC3339))
		}
	}

	s.suppressWatcher(200 * time.Millisecond)
	if deleted {
		if err := s.deps.Store.DeleteJob(job.ID); err != nil {
			L_error("cron: failed to delete one-shot job", "job", job.Name, "error", err)
		}
		s.deps.History.DeleteHistory(job.ID)
		L_info("cron: one-shot job completed and removed", "job", job.Name, "id", job.ID)
	} else if err := s.deps.Store.UpdateJob(job); err != nil {
		L_error("cron: failed to save job state", "job", job.Name, "error", err)
	}

	s.publishEvent(Event{
		JobID:       job.ID,
		Action:      ActionFinished,
		RunAtMs:     startMs,
		DurationMs:  job.State.LastDurationMs,
		Status:      status,
		Error:       errStr,
		Summary:     TruncateSummary(summary),
		NextRunAtMs: job.State.NextRunAtMs,
	})
	s.triggerReschedule()
}

// reapEphemeralSessions deletes isolated per-run sessions older than
// the configured retention.
func (s *Service) reapEphemeralSessions() {
	if s.deps.Sessions == nil {
		return
	}
	retentionMs, never := s.deps.Config.Cron.EphemeralRetention.Ms(defaultEphemeralRetention)
	if never {
		return
	}

	entries, err := s.deps.Sessions.Load()
	if err != nil {
		L_warn("cron: reaper failed to load sessions", "error", err)
		return
	}
	cutoff := s.deps.NowMs() - retentionMs
	reaped := 0
	for key, entry := range entries {
		if !sessions.IsCronKey(key) || !strings.Contains(key, ":run:") {
			continue
		}
		if entry.UpdatedAt >= cutoff {
			continue
		}
		if err := s.deps.Sessions.Delete(key); err != nil {
			L_warn("cron: failed to reap run session", "key", key, "error", err)
			continue
		}
		reaped++
	}
	if reaped > 0 {
		L_info("cron: reaped ephemeral run sessions", "count", reaped)
	}
}

// AddJob validates, schedules, and persists a new job.
func (s *Service) AddJob(job *Job) error {
	if err := ValidateSchedule(job.Schedule); err != nil {
		return err
	}
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if job.SessionTarget == "" {
		job.SessionTarget = SessionTargetMain
	}
	if job.SessionTarget == SessionTargetMain && job.WakeMode == "" {
		job.WakeMode = WakeModeNow
	}

	now := s.deps.NowMs()
	natural, err := NextRunTime(job, now)
	if err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	if job.Enabled {
		job.State.NextRunAtMs = natural
	}

	s.suppressWatcher(200 * time.Millisecond)
	if err := s.deps.Store.AddJob(job); err != nil {
		return err
	}

	L_info("cron: job added", "job", job.Name, "id", job.ID, "schedule", formatScheduleLog(&job.Schedule))
	s.publishEvent(Event{JobID: job.ID, Action: ActionAdded, NextRunAtMs: job.State.NextRunAtMs})
	s.triggerReschedule()
	return nil
}

// UpdateJob applies a mutation to an existing job and reschedules it.
func (s *Service) UpdateJob(id string, mutate func(*Job) error) error {
	job := s.deps.Store.GetJob(id)
	if job == nil {
		return fmt.Errorf("job not found: %s", id)
	}

	updated := job.Clone()
	if err := mutate(updated); err != nil {
		return err
	}
	updated.ID = job.ID
	updated.CreatedAtMs = job.CreatedAtMs
	if err := ValidateSchedule(updated.Schedule); err != nil {
		return err
	}

	if updated.Enabled && !updated.IsRunning() {
		natural, err := NextRunTime(updated, s.deps.NowMs())
		if err != nil {
			return fmt.Errorf("invalid schedule: %w", err)
		}
		updated.State.NextRunAtMs = effectiveNextRun(updated, natural)
	} else if !updated.Enabled {
		updated.State.NextRunAtMs = nil
	}

	s.suppressWatcher(200 * time.Millisecond)
	if err := s.deps.Store.UpdateJob(updated); err != nil {
		return err
	}

	s.publishEvent(Event{JobID: id, Action: ActionUpdated, NextRunAtMs: updated.State.NextRunAtMs})
	s.triggerReschedule()
	return nil
}

// RemoveJob deletes a job and its run history.
func (s *Service) RemoveJob(id string) error {
	s.suppressWatcher(200 * time.Millisecond)
	if err := s.deps.Store.DeleteJob(id); err != nil {
		return err
	}
	s.deps.History.DeleteHistory(id)
	s.publishEvent(Event{JobID: id, Action: ActionRemoved})
	s.triggerReschedule()
	return nil
}

// EnableJob toggles a job on or off.
func (s *Service) EnableJob(id string, enabled bool) error {
	return s.UpdateJob(id, func(j *Job) error {
		j.Enabled = enabled
		return nil
	})
}

// RunNow triggers immediate execution of a job regardless of schedule.
func (s *Service) RunNow(ctx context.Context, id string) error {
	job := s.deps.Store.GetJob(id)
	if job == nil {
		return fmt.Errorf("job not found: %s", id)
	}
	if job.IsRunning() {
		return fmt.Errorf("job %s is already running", id)
	}
	startMs, ok := s.claimJob(job)
	if !ok {
		return fmt.Errorf("failed to claim job %s", id)
	}
	go s.runClaimedJob(ctx, job, startMs)
	return nil
}

// ListJobs returns snapshots of all jobs, ordered by creation time.
func (s *Service) ListJobs() []*Job {
	jobs := s.deps.Store.GetAllJobs()
	out := make([]*Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs < out[j].CreatedAtMs
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetJob returns a snapshot of one job, or nil.
func (s *Service) GetJob(id string) *Job {
	job := s.deps.Store.GetJob(id)
	if job == nil {
		return nil
	}
	return job.Clone()
}

// Runs returns recent run history for a job, most recent first.
func (s *Service) Runs(id string, limit int) ([]RunLogEntry, error) {
	return s.deps.History.GetRuns(id, limit)
}

// Status returns a summary of the service state.
func (s *Service) Status() map[string]any {
	enabled := 0
	for _, j := range s.deps.Store.GetAllJobs() {
		if j.Enabled {
			enabled++
		}
	}
	return map[string]any{
		"running":      s.IsRunning(),
		"totalJobs":    s.deps.Store.Count(),
		"enabledJobs":  enabled,
		"jobsFilePath": s.deps.Store.Path(),
	}
}

func (s *Service) publishEvent(ev Event) {
	if s.deps.Events == nil {
		return
	}
	s.deps.Events.Publish(bus.TopicCron, ev)
}

// triggerReschedule signals the loop to recalculate its next wake time.
func (s *Service) triggerReschedule() {
	s.mu.Lock()
	running := s.running
	ch := s.rescheduleCh
	s.mu.Unlock()
	if !running || ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Service) suppressWatcher(d time.Duration) {
	s.mu.Lock()
	s.ignoreWatchUntil = time.Now().Add(d)
	s.mu.Unlock()
}

func (s *Service) watcherSuppressed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().Before(s.ignoreWatchUntil)
}

func truncateLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
