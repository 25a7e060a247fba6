package cron

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openclaw/clawd/internal/paths"

	. "github.com/openclaw/clawd/internal/logging"
)

const (
	// MaxSummaryChars is the maximum length for run summaries
	MaxSummaryChars = 2000

	// MaxHistoryBytes is the maximum size for a per-job history file (2MB)
	MaxHistoryBytes = 2 * 1024 * 1024

	// MaxHistoryLines is the maximum number of run entries to keep
	MaxHistoryLines = 2000
)

// History stores per-job run logs as JSONL files under runsDir.
type History struct {
	runsDir string
}

// NewHistory creates a run-history log rooted at runsDir. An empty
// runsDir uses the default state directory.
func NewHistory(runsDir string) *History {
	if runsDir == "" {
		runsDir = paths.CronRunsDir()
	}
	return &History{runsDir: runsDir}
}

// LogRun appends a run entry to the job's history file and prunes the
// file in the background once it outgrows MaxHistoryBytes.
func (h *History) LogRun(jobID string, entry RunLogEntry) error {
	if err := paths.EnsureDir(h.runsDir); err != nil {
		return fmt.Errorf("failed to create runs directory: %w", err)
	}

	entry.Summary = TruncateSummary(entry.Summary)
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal run entry: %w", err)
	}

	historyPath := h.historyPath(jobID)
	f, err := os.OpenFile(historyPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open history file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write run entry: %w", err)
	}

	if stat, err := f.Stat(); err == nil && stat.Size() > MaxHistoryBytes {
		L_debug("cron: history file exceeds size limit, pruning", "job", jobID, "size", stat.Size())
		go h.pruneHistory(jobID)
	}
	return nil
}

// GetRuns returns up to limit recent runs for a job, most recent first.
func (h *History) GetRuns(jobID string, limit int) ([]RunLogEntry, error) {
	f, err := os.Open(h.historyPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer f.Close()

	var entries []RunLogEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry RunLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue // skip malformed lines
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// DeleteHistory removes the history file for a job.
func (h *History) DeleteHistory(jobID string) error {
	err := os.Remove(h.historyPath(jobID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete history: %w", err)
	}
	return nil
}

// pruneHistory rewrites the file keeping only the last MaxHistoryLines
// entries.
func (h *History) pruneHistory(jobID string) {
	historyPath := h.historyPath(jobID)

	f, err := os.Open(historyPath)
	if err != nil {
		L_error("cron: failed to open history for pruning", "job", jobID, "error", err)
		return
	}
	var lines [][]byte
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, append([]byte{}, scanner.Bytes()...))
	}
	f.Close()

	if len(lines) <= MaxHistoryLines {
		return
	}
	lines = lines[len(lines)-MaxHistoryLines:]

	var buf []byte
	for _, line := range lines {
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	if err := paths.AtomicWrite(historyPath, buf, 0600); err != nil {
		L_error("cron: failed to rewrite pruned history", "job", jobID, "error", err)
		return
	}
	L_debug("cron: pruned history", "job", jobID, "keptEntries", len(lines))
}

func (h *History) historyPath(jobID string) string {
	return filepath.Join(h.runsDir, jobID+".jsonl")
}

// TruncateSummary truncates text to MaxSummaryChars.
func TruncateSummary(text string) string {
	if len(text) <= MaxSummaryChars {
		return text
	}
	return text[:MaxSummaryChars-3] + "..."
}

// CreateRunEntry creates a RunLogEntry from execution results.
func CreateRunEntry(startTime time.Time, duration time.Duration, status, summary, errorMsg string) RunLogEntry {
	return RunLogEntry{
		Ts:         startTime.UnixMilli(),
		Status:     status,
		DurationMs: duration.Milliseconds(),
		Summary:    TruncateSummary(summary),
		Error:      errorMsg,
	}
}
