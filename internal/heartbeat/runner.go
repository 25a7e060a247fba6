package heartbeat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/openclaw/clawd/internal/agent"
	"github.com/openclaw/clawd/internal/bus"
	"github.com/openclaw/clawd/internal/config"
	"github.com/openclaw/clawd/internal/lanes"
	"github.com/openclaw/clawd/internal/paths"
	"github.com/openclaw/clawd/internal/sessions"
	"github.com/openclaw/clawd/internal/sysevents"

	. "github.com/openclaw/clawd/internal/logging"
)

// AckToken is the reply an agent uses to acknowledge a heartbeat with
// nothing to report.
const AckToken = "HEARTBEAT_OK"

// DefaultPrompt is the standard heartbeat prompt.
const DefaultPrompt = "Read HEARTBEAT.md if present and follow its instructions. " +
	"If there is nothing that needs attention, reply " + AckToken + "."

// CronEventPrompt is used when the wake was triggered by a cron job.
const CronEventPrompt = "A scheduled job has fired. Handle the system events below, " +
	"then reply " + AckToken + " if no user-visible message is needed."

// ExecEventPrompt is used when a background command completed.
const ExecEventPrompt = "A background command finished. Review the system events below " +
	"and report anything noteworthy, or reply " + AckToken + "."

const (
	heartbeatFile   = "HEARTBEAT.md"
	defaultInterval = 30 * time.Minute
	maxTimerDelay   = 60 * time.Second
	runTimeout      = 2 * time.Minute
	digestWindow    = 24 * time.Hour
	defaultAckMax   = 300
	defaultAgentID  = "main"
)

// Deps wires the runner to its collaborators. Zero fields get defaults
// where possible; Executor, Queue, and Lanes are required for real runs.
type Deps struct {
	Config       *config.Config
	NowMs        func() int64
	Queue        *sysevents.Queue
	Lanes        *lanes.Dispatcher
	Executor     agent.Executor
	Store        *sessions.Store
	Events       *bus.Bus
	WorkspaceDir func(agentID string) string

	// Deliver sends a heartbeat message out a channel. nil means the
	// result is recorded but no transport is attempted.
	Deliver func(channel, to, text string) error
}

type agentState struct {
	agentID    string
	cfg        config.HeartbeatConfig
	intervalMs int64
	lastRunMs  int64
	nextDueMs  int64
}

type sentDigest struct {
	sum  string
	atMs int64
}

// Runner owns per-agent heartbeat state, the interval timer, and the
// wake coalescer.
type Runner struct {
	deps Deps
	wake *Wake

	mu      sync.Mutex
	agents  map[string]*agentState
	timer   *time.Timer
	digests map[string]sentDigest
	stopped bool
}

// NewRunner builds a runner; call RegisterAgent to activate agents.
func NewRunner(deps Deps) *Runner {
	if deps.NowMs == nil {
		deps.NowMs = func() int64 { return time.Now().UnixMilli() }
	}
	if deps.WorkspaceDir == nil {
		deps.WorkspaceDir = paths.WorkspaceDir
	}
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	r := &Runner{
		deps:    deps,
		agents:  make(map[string]*agentState),
		digests: make(map[string]sentDigest),
	}
	r.wake = NewWake(r.run)
	return r
}

// Wake exposes the coalescer so cron and the gateway can request wakes.
func (r *Runner) Wake() *Wake { return r.wake }

// RequestNow is a convenience passthrough to the coalescer.
func (r *Runner) RequestNow(reason string, coalesce time.Duration) {
	r.wake.RequestNow(reason, coalesce)
}

// RegisterAgent adds or reconfigures an agent. lastRun survives config
// updates; a brand new agent is due immediately.
func (r *Runner) RegisterAgent(agentID string, cfg config.HeartbeatConfig) {
	agentID = normalizeAgent(agentID)
	intervalMs := intervalOf(cfg)
	now := r.deps.NowMs()

	r.mu.Lock()
	state, ok := r.agents[agentID]
	if !ok {
		state = &agentState{agentID: agentID, nextDueMs: now}
		r.agents[agentID] = state
	}
	state.cfg = cfg
	state.intervalMs = intervalMs
	if state.lastRunMs > 0 {
		state.nextDueMs = state.lastRunMs + intervalMs
	}
	r.scheduleLocked()
	r.mu.Unlock()
}

// RemoveAgent drops an agent from the interval scheduler.
func (r *Runner) RemoveAgent(agentID string) {
	r.mu.Lock()
	delete(r.agents, normalizeAgent(agentID))
	r.scheduleLocked()
	r.mu.Unlock()
}

// Stop cancels the interval timer and any pending wake.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
	r.wake.Stop()
}

// scheduleLocked arms a single timer for the earliest due agent,
// clamped to 60 seconds as drift defense.
func (r *Runner) scheduleLocked() {
	if r.stopped {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}

	var next int64
	for _, st := range r.agents {
		if !agentEnabled(st.cfg) {
			continue
		}
		if next == 0 || st.nextDueMs < next {
			next = st.nextDueMs
		}
	}
	if next == 0 {
		return
	}

	delay := time.Duration(next-r.deps.NowMs()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	if delay > maxTimerDelay {
		delay = maxTimerDelay
	}
	r.timer = time.AfterFunc(delay, func() {
		r.wake.RequestNow("interval", 0)
	})
}

// run is the wake handler. Interval wakes fan out to every due agent;
// explicit wakes (cron, exec, retry, operator) run the default agent.
func (r *Runner) run(reason string) (Result, error) {
	if reason == "interval" {
		return r.runDueAgents()
	}
	return r.runOnce(defaultAgentID, reason), nil
}

func (r *Runner) runDueAgents() (Result, error) {
	now := r.deps.NowMs()

	r.mu.Lock()
	var due []*agentState
	for _, st := range r.agents {
		if agentEnabled(st.cfg) && st.nextDueMs <= now {
			due = append(due, st)
		}
	}
	r.mu.Unlock()

	last := Result{Status: StatusSkipped, Reason: "not-due", Indicator: IndicatorNone}
	for _, st := range due {
		result := r.runOnce(st.agentID, "interval")

		r.mu.Lock()
		st.lastRunMs = r.deps.NowMs()
		st.nextDueMs = st.lastRunMs + st.intervalMs
		r.mu.Unlock()

		// A busy main lane retries via the coalescer; report it upward
		if result.Status == StatusSkipped && result.Reason == ReasonRequestsInFlight {
			last = result
			break
		}
		last = result
	}

	r.mu.Lock()
	r.scheduleLocked()
	r.mu.Unlock()
	return last, nil
}

// runOnce walks the gate sequence and, if every gate passes, drains the
// system events and hands the prompt to the agent on the main lane.
func (r *Runner) runOnce(agentID, reason string) Result {
	agentID = normalizeAgent(agentID)
	cfg := r.agentConfig(agentID)
	sessionKey := sessions.MainKey(agentID)

	skip := func(why string) Result {
		L_debug("heartbeat: skipped", "agent", agentID, "reason", why)
		return Result{Status: StatusSkipped, Reason: why, Indicator: IndicatorNone}
	}

	if !r.deps.Config.HeartbeatEnabled() {
		return skip("disabled")
	}
	if !agentEnabled(cfg) {
		return skip("agent-disabled")
	}
	if intervalOf(cfg) <= 0 {
		return skip("invalid-interval")
	}
	if !withinActiveHours(cfg.ActiveHours, time.UnixMilli(r.deps.NowMs())) {
		return skip("outside-active-hours")
	}
	if r.deps.Lanes != nil && r.deps.Lanes.QueueSize(lanes.LaneMain) > 0 {
		return skip(ReasonRequestsInFlight)
	}

	hasEvents := r.deps.Queue != nil && r.deps.Queue.Has(sessionKey)
	hasFileContent := r.heartbeatFileHasContent(agentID)
	if !hasEvents && !hasFileContent {
		return skip("empty")
	}

	channel, to, ok := r.resolveTarget(agentID, cfg)
	if !ok {
		return skip("no-delivery-target")
	}
	if !cfg.ShowAlerts && !cfg.ShowOk && !cfg.UseIndicator {
		return skip("visibility")
	}

	// All gates passed: events are consumed only now, so skipped
	// heartbeats never eat them.
	var events []sysevents.Event
	if r.deps.Queue != nil {
		events = r.deps.Queue.Drain(sessionKey)
	}
	prompt := r.buildPrompt(cfg, reason, events)

	result, err := r.invokeAgent(agentID, sessionKey, cfg, prompt)
	if err != nil {
		L_error("heartbeat: run failed", "agent", agentID, "error", err)
		res := Result{Status: StatusFailed, Reason: err.Error(), Indicator: IndicatorError}
		r.publishResult(agentID, res)
		return res
	}

	res := r.finishRun(agentID, cfg, channel, to, result)
	r.publishResult(agentID, res)
	return res
}

// publishResult announces completed heartbeat runs on the bus; skipped
// gates never ran and stay quiet.
func (r *Runner) publishResult(agentID string, res Result) {
	if r.deps.Events == nil {
		return
	}
	r.deps.Events.PublishWithSource(bus.TopicHeartbeat, map[string]any{
		"agent":     agentID,
		"status":    res.Status,
		"reason":    res.Reason,
		"indicator": res.Indicator,
		"ts":        r.deps.NowMs(),
	}, "heartbeat")
}

func (r *Runner) invokeAgent(agentID, sessionKey string, cfg config.HeartbeatConfig, prompt string) (agent.RunResult, error) {
	if r.deps.Executor == nil {
		return agent.RunResult{}, fmt.Errorf("no agent executor configured")
	}

	sessionID := ""
	if r.deps.Store != nil {
		if err := r.deps.Store.UpdateEntry(sessionKey, func(e *sessions.Entry) {}); err != nil {
			L_warn("heartbeat: session store update failed", "agent", agentID, "error", err)
		}
		if e, ok, _ := r.deps.Store.Get(sessionKey); ok {
			sessionID = e.SessionID
		}
	}

	req := agent.RunRequest{
		SessionID:  sessionID,
		SessionKey: sessionKey,
		Prompt:     prompt,
		ThinkLevel: cfg.Model,
		TimeoutMs:  runTimeout.Milliseconds(),
	}

	run := func(ctx context.Context) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, runTimeout)
		defer cancel()
		return r.deps.Executor.Run(ctx, req)
	}

	var (
		result any
		err    error
	)
	if r.deps.Lanes != nil {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout+10*time.Second)
		defer cancel()
		result, err = r.deps.Lanes.Enqueue(lanes.LaneMain, run).Wait(ctx)
	} else {
		result, err = run(context.Background())
	}
	if err != nil {
		return agent.RunResult{}, err
	}
	return result.(agent.RunResult), nil
}

// finishRun classifies the reply, applies duplicate suppression, and
// performs delivery for content-bearing results.
func (r *Runner) finishRun(agentID string, cfg config.HeartbeatConfig, channel, to string, run agent.RunResult) Result {
	text := strings.TrimSpace(run.Text)
	if text == "" {
		return Result{Status: StatusOkEmpty, Indicator: IndicatorOk}
	}

	ackMax := cfg.AckMaxChars
	if ackMax <= 0 {
		ackMax = defaultAckMax
	}
	if strings.Contains(text, AckToken) {
		rest := strings.TrimSpace(strings.ReplaceAll(text, AckToken, ""))
		if len(rest) <= ackMax {
			return Result{Status: StatusOkToken, Indicator: IndicatorOk}
		}
		text = rest
	}

	if r.isDuplicate(agentID, channel, to, text) {
		return Result{Status: StatusSkipped, Reason: "duplicate", Indicator: IndicatorNone}
	}

	if r.deps.Deliver != nil {
		if err := r.deps.Deliver(channel, to, text); err != nil {
			L_error("heartbeat: delivery failed", "agent", agentID, "channel", channel, "error", err)
			return Result{Status: StatusFailed, Reason: err.Error(), Indicator: IndicatorError}
		}
	}
	return Result{Status: StatusSent, Indicator: IndicatorAlert}
}

// isDuplicate records a digest of outbound content per (agent, target)
// and suppresses identical sends inside a 24-hour window.
func (r *Runner) isDuplicate(agentID, channel, to, text string) bool {
	sum := sha256.Sum256([]byte(text))
	digest := hex.EncodeToString(sum[:])
	key := agentID + "|" + channel + ":" + to
	now := r.deps.NowMs()

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.digests[key]
	if ok && prev.sum == digest && now-prev.atMs < digestWindow.Milliseconds() {
		return true
	}
	r.digests[key] = sentDigest{sum: digest, atMs: now}
	return false
}

// buildPrompt selects the prompt by wake reason and prepends drained
// system events as "System: [hh:mm:ss] text" lines.
func (r *Runner) buildPrompt(cfg config.HeartbeatConfig, reason string, events []sysevents.Event) string {
	prompt := cfg.Prompt
	switch {
	case strings.HasPrefix(reason, "cron:"):
		prompt = CronEventPrompt
	case reason == "exec":
		prompt = ExecEventPrompt
	case prompt == "":
		prompt = DefaultPrompt
	}

	if len(events) == 0 {
		return prompt
	}

	var b strings.Builder
	for _, ev := range events {
		ts := time.UnixMilli(ev.TS).Format("15:04:05")
		fmt.Fprintf(&b, "System: [%s] %s\n", ts, ev.Text)
	}
	b.WriteString("\n")
	b.WriteString(prompt)
	return b.String()
}

// heartbeatFileHasContent reports whether HEARTBEAT.md has any line that
// is neither blank nor a comment heading.
func (r *Runner) heartbeatFileHasContent(agentID string) bool {
	path := filepath.Join(r.deps.WorkspaceDir(agentID), heartbeatFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && !strings.HasPrefix(trimmed, "#") {
			return true
		}
	}
	return false
}

// resolveTarget picks the outbound channel/recipient. "last" (the
// default) resolves from the session store's last-delivery fields.
func (r *Runner) resolveTarget(agentID string, cfg config.HeartbeatConfig) (channel, to string, ok bool) {
	target := strings.TrimSpace(cfg.Target)
	if target == "none" {
		return "", "", false
	}

	var entry sessions.Entry
	if r.deps.Store != nil {
		entry, _, _ = r.deps.Store.Get(sessions.MainKey(agentID))
	}

	if target == "" || target == "last" {
		if entry.LastChannel == "" {
			return "", "", false
		}
		return entry.LastChannel, entry.LastTo, true
	}
	return target, entry.LastTo, true
}

func (r *Runner) agentConfig(agentID string) config.HeartbeatConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.agents[agentID]; ok {
		return st.cfg
	}
	return r.deps.Config.Heartbeat
}

func agentEnabled(cfg config.HeartbeatConfig) bool {
	return cfg.Enabled == nil || *cfg.Enabled
}

func intervalOf(cfg config.HeartbeatConfig) int64 {
	if strings.TrimSpace(cfg.Every) == "" {
		return defaultInterval.Milliseconds()
	}
	d, err := time.ParseDuration(cfg.Every)
	if err != nil || d <= 0 {
		return defaultInterval.Milliseconds()
	}
	return d.Milliseconds()
}

func normalizeAgent(agentID string) string {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return defaultAgentID
	}
	return agentID
}
