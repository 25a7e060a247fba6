// Package agent defines the executor facade: the narrow interface the
// core calls for model invocation and compaction. Implementations live
// outside the core (LLM providers, channel adapters).
package agent

import (
	"context"
	"errors"
	"time"
)

// Errors surfaced by executor implementations. The gateway maps these to
// wire codes; asynchronous subsystems record them in job state.
var (
	ErrAuth            = errors.New("agent auth failed")
	ErrRateLimit       = errors.New("agent rate limited")
	ErrBilling         = errors.New("agent billing error")
	ErrTimeout         = errors.New("agent run timed out")
	ErrContextOverflow = errors.New("agent context overflow")
)

// Usage reports token consumption for one run.
type Usage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// RunRequest describes one agent turn. Callbacks are invoked on the
// lane's worker goroutine and must not block.
type RunRequest struct {
	SessionID  string
	SessionKey string
	Prompt     string
	ThinkLevel string
	TimeoutMs  int64

	OnPartial   func(text string)
	OnTool      func(name string, input any)
	OnReasoning func(text string)
}

// RunResult is the final output of a run.
type RunResult struct {
	Text       string
	Blocks     []any
	Usage      Usage
	StopReason string
}

// Executor is implemented by the external agent runtime. Run may take
// seconds to minutes; it honors context cancellation. The session file
// remains the source of truth across retries.
type Executor interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
	Compact(ctx context.Context, sessionID string, minReserveTokens int) error
	IsBusy(sessionID string) bool
	EnqueueFollowUp(sessionID, text string) bool
	WaitForIdle(ctx context.Context, sessionID string, timeout time.Duration) bool
}
