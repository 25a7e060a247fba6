package cron

import (
	"testing"
	"time"
)

func int64Ptr(v int64) *int64 { return &v }

func TestBackoffDelayLadder(t *testing.T) {
	cases := []struct {
		errors int
		want   int64
	}{
		{0, 0},
		{1, 30_000},
		{2, 60_000},
		{3, 300_000},
		{4, 900_000},
		{5, 3_600_000},
		{6, 3_600_000},
		{20, 3_600_000},
	}
	for _, c := range cases {
		if got := backoffDelayMs(c.errors); got != c.want {
			t.Errorf("backoffDelayMs(%d) = %d, want %d", c.errors, got, c.want)
		}
	}
}

func TestBackoffDominatesShortInterval(t *testing.T) {
	endedAt := int64(1_000_000)
	job := &Job{
		Schedule: Schedule{Kind: ScheduleKindEvery, EveryMs: 1000},
		State: JobState{
			LastRunAtMs:       int64Ptr(endedAt - 500),
			LastDurationMs:    int64Ptr(500),
			ConsecutiveErrors: 6,
		},
	}
	natural, err := NextRunTime(job, endedAt)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	next := effectiveNextRun(job, natural)
	if next == nil {
		t.Fatal("expected a next run")
	}
	want := endedAt + 3_600_000
	if *next != want {
		t.Fatalf("next run = %d, want %d (ended + 1h backoff)", *next, want)
	}
}

func TestAnchoredEveryKeepsPhase(t *testing.T) {
	anchor := int64(1000)
	job := &Job{
		Schedule: Schedule{Kind: ScheduleKindEvery, EveryMs: 600, AnchorMs: &anchor},
	}

	next, err := NextRunTime(job, 2500)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	if *next != 2800 {
		t.Fatalf("next = %d, want 2800 (anchor + 3 periods)", *next)
	}

	// Exactly on a tick stays on that tick.
	next, _ = NextRunTime(job, 2800)
	if *next != 2800 {
		t.Fatalf("next on boundary = %d, want 2800", *next)
	}

	// Before the anchor, the anchor itself is next.
	next, _ = NextRunTime(job, 500)
	if *next != anchor {
		t.Fatalf("next before anchor = %d, want %d", *next, anchor)
	}
}

func TestUnanchoredEveryRunsFromLastEnd(t *testing.T) {
	job := &Job{
		Schedule: Schedule{Kind: ScheduleKindEvery, EveryMs: 10_000},
	}

	// Fresh job: first run one interval from now.
	next, err := NextRunTime(job, 50_000)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	if *next != 60_000 {
		t.Fatalf("fresh next = %d, want 60000", *next)
	}

	job.State.LastRunAtMs = int64Ptr(50_000)
	job.State.LastDurationMs = int64Ptr(2_000)
	next, _ = NextRunTime(job, 53_000)
	if *next != 62_000 {
		t.Fatalf("next after run = %d, want 62000 (end + interval)", *next)
	}
}

func TestCronExpressionTimezoneBoundary(t *testing.T) {
	job := &Job{
		Schedule: Schedule{Kind: ScheduleKindCron, Expr: "0 9 * * MON-FRI", Tz: "America/New_York"},
	}

	// 2025-01-03 is a Friday; 13:59:59.500Z is half a second before
	// 09:00 Eastern. Sub-second remainder must not skip the boundary.
	now := time.Date(2025, 1, 3, 13, 59, 59, 500_000_000, time.UTC).UnixMilli()
	next, err := NextRunTime(job, now)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want := time.Date(2025, 1, 3, 14, 0, 0, 0, time.UTC).UnixMilli()
	if *next != want {
		t.Fatalf("next = %s, want %s",
			time.UnixMilli(*next).UTC().Format(time.RFC3339),
			time.UnixMilli(want).UTC().Format(time.RFC3339))
	}

	// Just past 09:00 on Friday rolls over the weekend to Monday.
	now = time.Date(2025, 1, 3, 14, 0, 1, 0, time.UTC).UnixMilli()
	next, _ = NextRunTime(job, now)
	want = time.Date(2025, 1, 6, 14, 0, 0, 0, time.UTC).UnixMilli()
	if *next != want {
		t.Fatalf("weekend rollover: next = %s, want %s",
			time.UnixMilli(*next).UTC().Format(time.RFC3339),
			time.UnixMilli(want).UTC().Format(time.RFC3339))
	}
}

func TestAtScheduleLiteral(t *testing.T) {
	job := &Job{Schedule: Schedule{Kind: ScheduleKindAt, AtMs: 123_456}}
	next, err := NextRunTime(job, 999_999)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	if *next != 123_456 {
		t.Fatalf("at schedule must report the literal time, got %d", *next)
	}
}

func TestValidateSchedule(t *testing.T) {
	bad := []Schedule{
		{Kind: "hourly"},
		{Kind: ScheduleKindAt},
		{Kind: ScheduleKindEvery, EveryMs: 0},
		{Kind: ScheduleKindCron, Expr: ""},
		{Kind: ScheduleKindCron, Expr: "not a cron"},
		{Kind: ScheduleKindCron, Expr: "0 9 * * *", Tz: "Mars/Olympus"},
	}
	for _, sch := range bad {
		if err := ValidateSchedule(sch); err == nil {
			t.Errorf("ValidateSchedule(%+v) accepted invalid schedule", sch)
		}
	}
	good := []Schedule{
		{Kind: ScheduleKindAt, AtMs: 1},
		{Kind: ScheduleKindEvery, EveryMs: 1000},
		{Kind: ScheduleKindCron, Expr: "*/5 * * * *"},
		{Kind: ScheduleKindCron, Expr: "0 9 * * MON-FRI", Tz: "America/New_York"},
	}
	for _, sch := range good {
		if err := ValidateSchedule(sch); err != nil {
			t.Errorf("ValidateSchedule(%+v) rejected valid schedule: %v", sch, err)
		}
	}
}

func TestParseDurationExtensions(t *testing.T) {
	cases := map[string]time.Duration{
		"90m":  90 * time.Minute,
		"2h":   2 * time.Hour,
		"1d":   24 * time.Hour,
		"1.5d": 36 * time.Hour,
		"2w":   14 * 24 * time.Hour,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		if err != nil {
			t.Errorf("ParseDuration(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseDuration(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseDuration(""); err == nil {
		t.Error("empty duration accepted")
	}
}

func TestParseAt(t *testing.T) {
	now := int64(1_000_000)

	got, err := ParseAt("+30m", now)
	if err != nil {
		t.Fatalf("ParseAt relative: %v", err)
	}
	if got != now+30*60*1000 {
		t.Fatalf("ParseAt(+30m) = %d", got)
	}

	got, err = ParseAt("1735689600000", now)
	if err != nil || got != 1735689600000 {
		t.Fatalf("ParseAt unix ms = %d, err %v", got, err)
	}

	got, err = ParseAt("2025-01-01T00:00:00Z", now)
	if err != nil {
		t.Fatalf("ParseAt RFC3339: %v", err)
	}
	if got != time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli() {
		t.Fatalf("ParseAt RFC3339 = %d", got)
	}

	if _, err := ParseAt("tomorrow-ish", now); err == nil {
		t.Fatal("garbage time accepted")
	}
}
