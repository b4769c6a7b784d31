package job

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// SpecKind describes the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
	// SpecManual jobs never fire on their own; they run through a manual trigger.
	SpecManual
)

func (k SpecKind) String() string {
	switch k {
	case SpecCron:
		return "cron"
	case SpecInterval:
		return "interval"
	case SpecManual:
		return "manual"
	default:
		return "unknown"
	}
}

// ParsedSpec represents a parsed schedule string.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 */10 * * * *" (seconds), "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - Manual only: "" or "@manual"
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm" | "manual"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a schedule string into a cron expression, an interval
// duration or a manual-only marker. Cron expressions are validated here.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	low := strings.ToLower(s)
	if s == "" || low == "@manual" {
		return ParsedSpec{Kind: SpecManual, Source: "manual"}, nil
	}

	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, errors.New("cron schedule required after 'cron:'")
		}
		return parseCron(expr)
	case strings.HasPrefix(low, "interval:"):
		return intervalSpec(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return intervalSpec(s[len("every:"):])
	}

	// Heuristics: any whitespace or leading '@' => cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	if reHHMM.MatchString(s) {
		return intervalSpec(s)
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return ParsedSpec{}, errors.New("interval must be > 0")
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
	}

	return ParsedSpec{}, errors.WithHint(
		errors.Newf("invalid schedule %q", raw),
		"use cron like '*/5 * * * *', HH:MM like '02:30', a duration like '55m', or '@manual'",
	)
}

func parseCron(expr string) (ParsedSpec, error) {
	if _, err := cronParser.Parse(expr); err != nil {
		return ParsedSpec{}, errors.Wrapf(err, "invalid cron expression %q", expr)
	}
	return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
}

func intervalSpec(v string) (ParsedSpec, error) {
	d, src, err := parseInterval(v)
	if err != nil {
		return ParsedSpec{}, err
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: src}, nil
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", errors.New("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		return d, "hhmm", err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", errors.Newf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, "", errors.New("interval must be > 0")
	}
	return d, "duration", nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, errors.Newf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, errors.Newf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, errors.New("interval must be > 0")
	}
	return d, nil
}

// Schedule computes fire times for a registered job.
type Schedule interface {
	Kind() SpecKind
	// Next returns the first fire time strictly after prev. The zero time
	// means the schedule never fires on its own.
	Next(prev time.Time) time.Time
}

// Compile turns a parsed spec into a Schedule evaluated in loc (nil = UTC).
func Compile(p ParsedSpec, loc *time.Location) (Schedule, error) {
	if loc == nil {
		loc = time.UTC
	}
	switch p.Kind {
	case SpecManual:
		return manualSchedule{}, nil
	case SpecInterval:
		if p.Every <= 0 {
			return nil, errors.New("interval must be > 0")
		}
		return intervalSchedule{every: p.Every}, nil
	case SpecCron:
		cs, err := cronParser.Parse(p.Cron)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid cron expression %q", p.Cron)
		}
		return cronSchedule{s: cs, loc: loc}, nil
	}
	return nil, errors.Newf("unknown schedule kind %d", int(p.Kind))
}

type manualSchedule struct{}

func (manualSchedule) Kind() SpecKind           { return SpecManual }
func (manualSchedule) Next(time.Time) time.Time { return time.Time{} }

type intervalSchedule struct{ every time.Duration }

func (intervalSchedule) Kind() SpecKind { return SpecInterval }
func (s intervalSchedule) Next(prev time.Time) time.Time {
	return prev.Add(s.every)
}

// Every exposes the interval length.
func (s intervalSchedule) Every() time.Duration { return s.every }

type cronSchedule struct {
	s   cron.Schedule
	loc *time.Location
}

func (cronSchedule) Kind() SpecKind { return SpecCron }
func (c cronSchedule) Next(prev time.Time) time.Time {
	return c.s.Next(prev.In(c.loc))
}
