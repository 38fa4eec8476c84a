package calendar

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	rfc3339Re  = regexp.MustCompile(`(?i)(?:\b(?:at|on)\s+)?(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}(?::\d{2})?(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2}))`)
	dateRe     = regexp.MustCompile(`\b(?:on\s+)?(\d{4}-\d{2}-\d{2})\b`)
	dayRe      = regexp.MustCompile(`(?i)\b(?:on\s+)?(today|tonight|tomorrow|(?:next\s+)?(?:monday|tuesday|wednesday|thursday|friday|saturday|sunday))\b`)
	clockRe    = regexp.MustCompile(`(?i)\b(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*((?:am|pm)\b|a\.m\.|p\.m\.)`)
	clock24Re  = regexp.MustCompile(`(?i)\b(?:at\s+)?([01]?\d|2[0-3]):([0-5]\d)\b`)
	noonRe     = regexp.MustCompile(`(?i)\b(?:at\s+)?(noon|midnight)\b`)
	durationRe = regexp.MustCompile(`(?i)\bfor\s+(\d+(?:\.\d+)?|an?|one|half\s+an?)\s*(hours?|hrs?|h|minutes?|mins?|m)\b`)
	leadRe     = regexp.MustCompile(`(?i)^\s*(?:please\s+)?(?:can you\s+|could you\s+)?(?:schedule|book|set\s+up|add|create|put|plan|remind\s+me\s+(?:to|about|of))\s+(?:an?\s+|the\s+)?`)
	tailRe     = regexp.MustCompile(`(?i)\s+(?:on|in|to)\s+my\s+calendar\b|\s+for\s+me\b`)
	spaceRe    = regexp.MustCompile(`\s+`)

	weekdays = map[string]time.Weekday{
		"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
		"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
	}
)

// Parse extracts an event from a natural-language request relative to now.
// It understands RFC 3339 datetimes, ISO dates, today/tomorrow/weekday names,
// clock times like "3pm" or "15:30", noon and an optional "for N hours|minutes".
// A request without a time of day returns ErrInvalidTime.
func Parse(query string, now time.Time) (Event, error) {
	rest := query
	loc := now.Location()

	var start time.Time
	if m := rfc3339Re.FindStringSubmatch(rest); m != nil {
		t, err := time.Parse(time.RFC3339, m[1])
		if err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrInvalidTime, err)
		}
		start = t
		rest = cut(rest, m[0])
	} else {
		day, hasDay, r := parseDay(rest, now)
		rest = r
		hour, minute, ok, r := parseClock(rest)
		rest = r
		if !ok {
			return Event{}, fmt.Errorf("%w: no time of day in %q", ErrInvalidTime, query)
		}
		start = time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
		if !hasDay && !start.After(now) {
			start = start.AddDate(0, 0, 1)
		}
	}
	if !start.After(now) {
		return Event{}, fmt.Errorf("%w: %s is in the past", ErrInvalidTime, start.Format(time.RFC3339))
	}

	dur, rest := parseDuration(rest)
	return Event{
		Title: title(rest),
		Start: start,
		End:   start.Add(dur),
	}, nil
}

func parseDay(s string, now time.Time) (time.Time, bool, string) {
	if m := dateRe.FindStringSubmatch(s); m != nil {
		if d, err := time.ParseInLocation(time.DateOnly, m[1], now.Location()); err == nil {
			return d, true, cut(s, m[0])
		}
	}
	m := dayRe.FindStringSubmatch(s)
	if m == nil {
		return now, false, s
	}
	word := strings.ToLower(m[1])
	rest := cut(s, m[0])
	switch word {
	case "today", "tonight":
		return now, true, rest
	case "tomorrow":
		return now.AddDate(0, 0, 1), true, rest
	}
	// "friday" and "next friday" both mean the coming one, a week out on the day itself.
	wd := weekdays[strings.TrimSpace(strings.TrimPrefix(word, "next"))]
	ahead := (int(wd) - int(now.Weekday()) + 7) % 7
	if ahead == 0 {
		ahead = 7
	}
	return now.AddDate(0, 0, ahead), true, rest
}

func parseClock(s string) (int, int, bool, string) {
	if m := clockRe.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		mins := 0
		if m[2] != "" {
			mins, _ = strconv.Atoi(m[2])
		}
		if h < 1 || h > 12 || mins > 59 {
			return 0, 0, false, s
		}
		pm := strings.HasPrefix(strings.ToLower(m[3]), "p")
		switch {
		case pm && h != 12:
			h += 12
		case !pm && h == 12:
			h = 0
		}
		return h, mins, true, cut(s, m[0])
	}
	if m := clock24Re.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		mins, _ := strconv.Atoi(m[2])
		return h, mins, true, cut(s, m[0])
	}
	if m := noonRe.FindStringSubmatch(s); m != nil {
		if strings.EqualFold(m[1], "noon") {
			return 12, 0, true, cut(s, m[0])
		}
		return 0, 0, true, cut(s, m[0])
	}
	return 0, 0, false, s
}

func parseDuration(s string) (time.Duration, string) {
	m := durationRe.FindStringSubmatch(s)
	if m == nil {
		return DefaultDuration, s
	}
	qty := strings.ToLower(m[1])
	var n float64
	switch {
	case qty == "a" || qty == "an" || qty == "one":
		n = 1
	case strings.HasPrefix(qty, "half"):
		n = 0.5
	default:
		n, _ = strconv.ParseFloat(qty, 64)
	}
	unit := time.Minute
	if strings.HasPrefix(strings.ToLower(m[2]), "h") {
		unit = time.Hour
	}
	d := time.Duration(n * float64(unit))
	if d <= 0 {
		return DefaultDuration, cut(s, m[0])
	}
	return d, cut(s, m[0])
}

func title(rest string) string {
	t := leadRe.ReplaceAllString(rest, "")
	t = tailRe.ReplaceAllString(t, "")
	t = spaceRe.ReplaceAllString(t, " ")
	t = strings.Trim(t, " \t,.;:!?-")
	if t == "" {
		return "Meeting"
	}
	r := []rune(t)
	return strings.ToUpper(string(r[0])) + string(r[1:])
}

func cut(s, part string) string {
	return strings.Replace(s, part, " ", 1)
}

// schedulingRes match requests, not mentions: "schedule" as a command, a
// booking verb with an article, a reminder or an explicit calendar entry.
// "my calendar felt packed" and "my schedule was full" match none of them.
var schedulingRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:^|[.!?;]\s*|\b(?:please|can you|could you|would you|will you|help me|want to|need to|let's|lets)\s+)(?:schedule|book|set up|arrange)\b`),
	regexp.MustCompile(`(?i)\b(?:schedule|book|set up|arrange)\s+(?:a|an|me|us|some time|time)\b`),
	regexp.MustCompile(`(?i)\bremind me\b`),
	regexp.MustCompile(`(?i)\b(?:add|put)\b.{0,60}?\b(?:to|on|in|into)\s+(?:my|the)\s+calendar\b`),
}

// ImpliesScheduling reports whether query asks for a calendar action.
func ImpliesScheduling(query string) bool {
	query = strings.TrimSpace(query)
	for _, re := range schedulingRes {
		if re.MatchString(query) {
			return true
		}
	}
	return false
}
