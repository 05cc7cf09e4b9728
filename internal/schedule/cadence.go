// Package schedule parses cadence expressions and answers "is this due yet".
package schedule

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts the standard 5-field crontab form plus descriptors
// like "@hourly" and "@every 45m".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cadence is a parsed cadence expression.
//
// Supported forms:
//   - Cron (crontab.guru-style): "*/30 * * * *", "55 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
//
// Malformed expressions fail here, at load time, never during a cycle.
type Cadence struct {
	raw   string
	sched cron.Schedule // nil for fixed intervals
	every time.Duration // 0 for cron forms
}

func (c *Cadence) String() string { return c.raw }

// Next returns the first activation strictly after t.
func (c *Cadence) Next(t time.Time) time.Time {
	if c.sched != nil {
		return c.sched.Next(t)
	}
	return t.Add(c.every)
}

// DueAt reports whether the cadence fires in (lastChecked, now].
func (c *Cadence) DueAt(lastChecked, now time.Time) bool {
	return !c.Next(lastChecked).After(now)
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseCadence parses a cadence string.
func ParseCadence(raw string) (*Cadence, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("cadence required")
	}

	// Prefixes (explicit)
	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return nil, fmt.Errorf("cron cadence required after 'cron:'")
		}
		return parseCron(raw, expr)
	}
	if strings.HasPrefix(low, "interval:") {
		d, err := parseInterval(s[len("interval:"):])
		if err != nil {
			return nil, err
		}
		return &Cadence{raw: raw, every: d}, nil
	}
	if strings.HasPrefix(low, "every:") {
		d, err := parseInterval(s[len("every:"):])
		if err != nil {
			return nil, err
		}
		return &Cadence{raw: raw, every: d}, nil
	}

	// Heuristics:
	// - any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(raw, s)
	}

	// - HH:MM => interval duration
	if reHHMM.MatchString(s) {
		d, err := parseHHMMDuration(s)
		if err != nil {
			return nil, err
		}
		return &Cadence{raw: raw, every: d}, nil
	}

	// - Go duration => interval duration
	d, err := time.ParseDuration(s)
	if err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("interval must be > 0")
		}
		return &Cadence{raw: raw, every: d}, nil
	}

	return nil, fmt.Errorf(
		"invalid cadence %q (use cron like '*/30 * * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

func parseCron(raw, expr string) (*Cadence, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron cadence %q: %w", raw, err)
	}
	return &Cadence{raw: raw, sched: sched}, nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		return parseHHMMDuration(v)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	// safe parse: hours up to 999, minutes 0..59
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
