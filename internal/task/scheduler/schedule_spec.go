package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a job schedule: a cron expression or a fixed interval.
//
// ParseSchedule accepts a cron expression ("*/20 * * * *", "@hourly",
// "@every 20m"), a Go duration ("20m") or HH:MM ("00:20" is twenty minutes).
// A "cron:", "interval:" or "every:" prefix forces one reading.
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
	// Source records how the value was written: cron, duration, hhmm or minutes.
	Source string
}

var forced = []struct {
	prefix string
	kind   SpecKind
}{
	{"cron:", SpecCron},
	{"interval:", SpecInterval},
	{"every:", SpecInterval},
}

func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errors.New("schedule required")
	}
	for _, f := range forced {
		if len(s) < len(f.prefix) || !strings.EqualFold(s[:len(f.prefix)], f.prefix) {
			continue
		}
		rest := strings.TrimSpace(s[len(f.prefix):])
		if f.kind == SpecInterval {
			return interval(rest)
		}
		if rest == "" {
			return ParsedSpec{}, errors.New("cron: expression missing")
		}
		return ParsedSpec{Kind: SpecCron, Cron: rest, Source: "cron"}, nil
	}
	if s[0] == '@' || strings.ContainsAny(s, " \t") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}
	spec, err := interval(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid schedule %q: want a cron expression, HH:MM or a duration such as 20m", raw)
	}
	return spec, nil
}

// ParseMinutes reads a whole number of minutes, the FETCH_INTERVAL_MINUTES form.
func ParseMinutes(raw string) (ParsedSpec, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return ParsedSpec{}, fmt.Errorf("invalid minutes %q", raw)
	}
	return ParsedSpec{Kind: SpecInterval, Every: time.Duration(n) * time.Minute, Source: "minutes"}, nil
}

func (p ParsedSpec) String() string {
	if p.Kind == SpecCron {
		return p.Cron
	}
	return "every " + p.Every.String()
}

func interval(v string) (ParsedSpec, error) {
	if v == "" {
		return ParsedSpec{}, errors.New("interval required")
	}
	spec := ParsedSpec{Kind: SpecInterval, Source: "duration"}
	if h, m, ok := clock(v); ok {
		if m > 59 {
			return ParsedSpec{}, fmt.Errorf("interval %q: minutes above 59", v)
		}
		spec.Every = time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
		spec.Source = "hhmm"
	} else {
		d, err := time.ParseDuration(v)
		if err != nil {
			return ParsedSpec{}, fmt.Errorf("interval %q: %w", v, err)
		}
		spec.Every = d
	}
	if spec.Every <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval %q must be positive", v)
	}
	return spec, nil
}

// clock splits "H:MM" with one to three hour digits.
func clock(v string) (h, m int, ok bool) {
	hs, ms, found := strings.Cut(v, ":")
	if !found || !digits(hs, 1, 3) || !digits(ms, 2, 2) {
		return 0, 0, false
	}
	h, _ = strconv.Atoi(hs)
	m, _ = strconv.Atoi(ms)
	return h, m, true
}

func digits(s string, lo, hi int) bool {
	if len(s) < lo || len(s) > hi {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
