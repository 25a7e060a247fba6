package heartbeat

import (
	"regexp"
	"strconv"
	"time"

	"github.com/openclaw/clawd/internal/config"

	. "github.com/openclaw/clawd/internal/logging"
)

var activeHoursTimeRe = regexp.MustCompile(`^([01]?\d|2[0-3]|24):([0-5]\d)$`)

// parseActiveHoursTime converts "HH:MM" to minutes since local midnight.
// "24:00" maps to 1440 so it can serve as an exclusive end bound.
func parseActiveHoursTime(s string) (int, bool) {
	m := activeHoursTimeRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	hours, _ := strconv.Atoi(m[1])
	minutes, _ := strconv.Atoi(m[2])
	if hours == 24 && minutes != 0 {
		return 0, false
	}
	return hours*60 + minutes, true
}

// withinActiveHours reports whether now falls inside the configured
// window, evaluated in the window's IANA time zone. The window wraps
// midnight when end <= start. Missing or malformed config fails open.
func withinActiveHours(ah *config.ActiveHours, now time.Time) bool {
	if ah == nil {
		return true
	}
	start, okStart := parseActiveHoursTime(ah.Start)
	end, okEnd := parseActiveHoursTime(ah.End)
	if !okStart || !okEnd {
		L_warn("heartbeat: invalid activeHours, ignoring", "start", ah.Start, "end", ah.End)
		return true
	}

	loc := time.Local
	if ah.Timezone != "" {
		if l, err := time.LoadLocation(ah.Timezone); err == nil {
			loc = l
		} else {
			L_warn("heartbeat: unknown timezone in activeHours", "timezone", ah.Timezone)
		}
	}

	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	if start == end {
		return true
	}
	if end > start {
		return minute >= start && minute < end
	}
	// Wraps midnight
	return minute >= start || minute < end
}
