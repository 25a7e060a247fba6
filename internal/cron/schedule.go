package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	cronparser "github.com/robfig/cron/v3"
)

// backoffMs is the retry delay ladder indexed by consecutiveErrors
// (1-based). Five or more failures stay at the last rung.
var backoffMs = []int64{30_000, 60_000, 300_000, 900_000, 3_600_000}

// backoffDelayMs returns the retry delay for a job that has failed
// consecutiveErrors times in a row. Zero errors means no delay.
func backoffDelayMs(consecutiveErrors int) int64 {
	if consecutiveErrors <= 0 {
		return 0
	}
	if consecutiveErrors > len(backoffMs) {
		consecutiveErrors = len(backoffMs)
	}
	return backoffMs[consecutiveErrors-1]
}

var cronExprParser = cronparser.NewParser(
	cronparser.Minute | cronparser.Hour | cronparser.Dom | cronparser.Month | cronparser.Dow,
)

// NextRunTime computes the next natural run time for a job, ignoring
// error backoff. Returns nil when the job will never run again.
func NextRunTime(job *Job, nowMs int64) (*int64, error) {
	switch job.Schedule.Kind {
	case ScheduleKindAt:
		// One-shot: the literal time, even if already past (missed
		// runs replay on startup). Once it has run it is disabled.
		at := job.Schedule.AtMs
		return &at, nil

	case ScheduleKindEvery:
		return nextRunEvery(job, nowMs)

	case ScheduleKindCron:
		return nextRunCron(job, nowMs)

	default:
		return nil, fmt.Errorf("unknown schedule kind: %q", job.Schedule.Kind)
	}
}

// nextRunEvery computes the next run for interval schedules. Anchored
// jobs keep phase with the anchor; unanchored jobs run relative to the
// last completed run (or now for a fresh job).
func nextRunEvery(job *Job, nowMs int64) (*int64, error) {
	every := job.Schedule.EveryMs
	if every <= 0 {
		return nil, fmt.Errorf("every schedule requires everyMs > 0, got %d", every)
	}

	if job.Schedule.AnchorMs != nil {
		anchor := *job.Schedule.AnchorMs
		if nowMs <= anchor {
			return &anchor, nil
		}
		// First anchor-phase tick at or after now.
		periods := (nowMs - anchor + every - 1) / every
		next := anchor + periods*every
		return &next, nil
	}

	base := nowMs
	if job.State.LastRunAtMs != nil {
		base = *job.State.LastRunAtMs
		if job.State.LastDurationMs != nil {
			base += *job.State.LastDurationMs
		}
	}
	next := base + every
	if next < nowMs {
		next = nowMs
	}
	return &next, nil
}

// nextRunCron evaluates a 5-field cron expression in the job's time
// zone (host local when unset). The reference instant is floored to
// the second so a boundary hit within the same second still fires.
func nextRunCron(job *Job, nowMs int64) (*int64, error) {
	expr := strings.TrimSpace(job.Schedule.Expr)
	if expr == "" {
		return nil, fmt.Errorf("cron schedule requires expr")
	}
	sched, err := cronExprParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	loc := time.Local
	if job.Schedule.Tz != "" {
		loc, err = time.LoadLocation(job.Schedule.Tz)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", job.Schedule.Tz, err)
		}
	}

	ref := time.UnixMilli(nowMs).In(loc).Truncate(time.Second)
	next := sched.Next(ref)
	if next.IsZero() {
		return nil, nil
	}
	ms := next.UnixMilli()
	return &ms, nil
}

// effectiveNextRun applies error backoff on top of the natural
// schedule: next = max(naturalNext, lastRunEnd + backoff).
func effectiveNextRun(job *Job, naturalNext *int64) *int64 {
	if naturalNext == nil {
		return nil
	}
	delay := backoffDelayMs(job.State.ConsecutiveErrors)
	if delay == 0 || job.State.LastRunAtMs == nil {
		return naturalNext
	}
	endedAt := *job.State.LastRunAtMs
	if job.State.LastDurationMs != nil {
		endedAt += *job.State.LastDurationMs
	}
	earliest := endedAt + delay
	if earliest > *naturalNext {
		return &earliest
	}
	return naturalNext
}

// ParseDuration parses a duration string, extending time.ParseDuration
// with day ("d") and week ("w") suffixes.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if strings.HasSuffix(s, "d") {
		n, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n * 24 * float64(time.Hour)), nil
	}
	if strings.HasSuffix(s, "w") {
		n, err := strconv.ParseFloat(strings.TrimSuffix(s, "w"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n * 7 * 24 * float64(time.Hour)), nil
	}
	return time.ParseDuration(s)
}

// ParseAt parses a one-shot run time: "+<duration>" relative to now,
// a unix-ms integer, or an RFC3339 timestamp.
func ParseAt(s string, nowMs int64) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty time")
	}
	if strings.HasPrefix(s, "+") {
		d, err := ParseDuration(s[1:])
		if err != nil {
			return 0, err
		}
		return nowMs + d.Milliseconds(), nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q (want +duration, unix ms, or RFC3339)", s)
	}
	return t.UnixMilli(), nil
}

// ValidateSchedule checks a schedule definition without touching state.
func ValidateSchedule(s Schedule) error {
	switch s.Kind {
	case ScheduleKindAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule requires atMs")
		}
	case ScheduleKindEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("every schedule requires everyMs > 0")
		}
	case ScheduleKindCron:
		if strings.TrimSpace(s.Expr) == "" {
			return fmt.Errorf("cron schedule requires expr")
		}
		if _, err := cronExprParser.Parse(s.Expr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", s.Expr, err)
		}
		if s.Tz != "" {
			if _, err := time.LoadLocation(s.Tz); err != nil {
				return fmt.Errorf("invalid timezone %q: %w", s.Tz, err)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind: %q", s.Kind)
	}
	return nil
}
