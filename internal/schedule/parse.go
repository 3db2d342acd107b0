package schedule

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Heuristic time parsing with ordered precedence; first match wins. The
// ordering is deliberate policy: relative minutes, relative hours,
// "tomorrow", "next week", a bare clock time / "today", a generic date-time
// parse, and finally now+24h.

const (
	defaultMinutes = 30
	defaultHours   = 2
)

var clockRe = regexp.MustCompile(`\b(\d{1,2})(?::(\d{2}))?\s*(am|pm)\b`)
var clock24Re = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)

// ParseWhen converts a natural-language time expression into a concrete
// timestamp relative to now. It never fails; unparseable input falls back to
// now+24h.
func ParseWhen(expr string, now time.Time) time.Time {
	s := strings.ToLower(strings.TrimSpace(expr))
	if s == "" {
		return now.Add(24 * time.Hour)
	}

	if strings.Contains(s, "minute") || strings.Contains(s, "min") {
		return now.Add(time.Duration(allDigits(s, defaultMinutes)) * time.Minute)
	}

	if strings.Contains(s, "hour") || strings.Contains(s, "hr") {
		return now.Add(time.Duration(allDigits(s, defaultHours)) * time.Hour)
	}

	if strings.Contains(s, "tomorrow") {
		tomorrow := now.AddDate(0, 0, 1)
		if h, m, ok := clockIn(s); ok {
			return atClock(tomorrow, h, m)
		}
		return atClock(tomorrow, 10, 0)
	}

	if strings.Contains(s, "next week") {
		return now.AddDate(0, 0, 7)
	}

	if strings.Contains(s, "today") || strings.Contains(s, "pm") || strings.Contains(s, "am") {
		if h, m, ok := clockIn(s); ok {
			return atClock(now, h, m)
		}
	}

	if t, err := dateparse.ParseIn(expr, now.Location()); err == nil {
		return t
	}

	return now.Add(24 * time.Hour)
}

// allDigits concatenates every digit in s, mirroring the lenient numeric
// extraction the scheduling flow has always used ("in 5 minutes" -> 5).
func allDigits(s string, def int) int {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return def
	}
	n, err := strconv.Atoi(b.String())
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// clockIn extracts an "H:MM am/pm" or "HH:MM" clock time from s.
func clockIn(s string) (hour, minute int, ok bool) {
	if m := clockRe.FindStringSubmatch(s); m != nil {
		hour, _ = strconv.Atoi(m[1])
		if m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		}
		if m[3] == "pm" && hour < 12 {
			hour += 12
		} else if m[3] == "am" && hour == 12 {
			hour = 0
		}
		return hour, minute, hour < 24 && minute < 60
	}
	if m := clock24Re.FindStringSubmatch(s); m != nil {
		hour, _ = strconv.Atoi(m[1])
		minute, _ = strconv.Atoi(m[2])
		return hour, minute, hour < 24 && minute < 60
	}
	return 0, 0, false
}

func atClock(day time.Time, hour, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, day.Location())
}

// OptimalTime picks a contact time when no expression was given: within
// business hours (9-16) schedule an hour out for high priority and two
// otherwise; outside business hours, next day at 10:00.
func OptimalTime(priority string, now time.Time) time.Time {
	h := now.Hour()
	if h >= 9 && h < 16 {
		if priority == "high" {
			return now.Add(time.Hour)
		}
		return now.Add(2 * time.Hour)
	}
	return atClock(now.AddDate(0, 0, 1), 10, 0)
}
