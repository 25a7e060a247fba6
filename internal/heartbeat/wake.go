// Package heartbeat drives periodic and event-triggered agent wakes:
// a coalescing wake handler plus an interval scheduler with active-hours
// and visibility gating.
package heartbeat

import (
	"fmt"
	"sync"
	"time"

	. "github.com/openclaw/clawd/internal/logging"
)

// Heartbeat result statuses.
const (
	StatusSent    = "sent"
	StatusOkEmpty = "ok-empty"
	StatusOkToken = "ok-token"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// Indicator tags accompanying a result.
const (
	IndicatorOk    = "ok"
	IndicatorAlert = "alert"
	IndicatorError = "error"
	IndicatorNone  = "none"
)

// ReasonRequestsInFlight is the skip reason that triggers a 1-second
// retry instead of waiting for the next request.
const ReasonRequestsInFlight = "requests-in-flight"

const (
	defaultCoalesce = 250 * time.Millisecond
	retryDelay      = time.Second
)

// Result is the outcome of one heartbeat handler invocation.
type Result struct {
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Indicator string `json:"indicator,omitempty"`
}

// Handler executes a heartbeat for the captured wake reason.
type Handler func(reason string) (Result, error)

// Wake coalesces heartbeat requests into single handler invocations.
// Requests arriving while a wake is pending keep the first reason;
// requests arriving while the handler runs re-arm it for afterwards.
type Wake struct {
	mu            sync.Mutex
	handler       Handler
	pendingReason string
	timer         *time.Timer
	running       bool
}

// NewWake creates a coalescer around the handler.
func NewWake(handler Handler) *Wake {
	return &Wake{handler: handler}
}

// RequestNow asks for a heartbeat. The first pending reason wins;
// coalesce < 0 selects the 250ms default.
func (w *Wake) RequestNow(reason string, coalesce time.Duration) {
	if coalesce < 0 {
		coalesce = defaultCoalesce
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pendingReason == "" {
		w.pendingReason = reason
	}
	w.scheduleLocked(coalesce)
}

// scheduleLocked arms the timer unless one is already pending.
func (w *Wake) scheduleLocked(delay time.Duration) {
	if w.timer != nil {
		return
	}
	w.timer = time.AfterFunc(delay, w.fire)
}

func (w *Wake) fire() {
	w.mu.Lock()
	w.timer = nil

	if w.running {
		// A handler is mid-flight; try again shortly after it finishes.
		w.scheduleLocked(defaultCoalesce)
		w.mu.Unlock()
		return
	}

	reason := w.pendingReason
	w.pendingReason = ""
	if reason == "" {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	result, err := w.invoke(reason)

	w.mu.Lock()
	w.running = false

	delay := defaultCoalesce
	switch {
	case err != nil:
		L_warn("heartbeat: handler failed", "reason", reason, "error", err)
		if w.pendingReason == "" {
			w.pendingReason = "retry"
		}
		delay = retryDelay
	case result.Status == StatusSkipped && result.Reason == ReasonRequestsInFlight:
		// The main lane was busy; keep the original reason and back off.
		if w.pendingReason == "" {
			w.pendingReason = reason
		}
		delay = retryDelay
	}

	if w.pendingReason != "" {
		w.scheduleLocked(delay)
	}
	w.mu.Unlock()
}

// invoke shields the coalescer from handler panics.
func (w *Wake) invoke(reason string) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			L_error("heartbeat: handler panic", "reason", reason, "panic", r)
			result = Result{Status: StatusFailed, Indicator: IndicatorError}
			err = fmt.Errorf("heartbeat handler panic: %v", r)
		}
	}()
	return w.handler(reason)
}

// Stop cancels any pending wake.
func (w *Wake) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.pendingReason = ""
}
