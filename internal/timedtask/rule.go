package timedtask

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts both 5-field and 6-field (with seconds) specs plus
// descriptors such as "@hourly" and "@every 5m".
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseRule parses a schedule string into a Rule.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "*/10 * * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m", "45s" (whole seconds)
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
//
// Cron rules are evaluated against start plus the elapsed counter, so they
// follow the scheduler's simulated clock, not the wall clock.
func ParseRule(raw string, start time.Time) (Rule, error) {
	return ParseRuleFrom(raw, start, start)
}

// ParseRuleFrom is ParseRule for a rule added to a scheduler that is already
// running: cron activations at or before from are not fired.
func ParseRuleFrom(raw string, start, from time.Time) (Rule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Rule{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Rule{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return cronRule(expr, start, from)
	case strings.HasPrefix(low, "interval:"):
		return intervalRule(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return intervalRule(s[len("every:"):])
	}

	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return cronRule(s, start, from)
	}
	if _, err := time.ParseDuration(s); err == nil || reHHMM.MatchString(s) {
		return intervalRule(s)
	}
	return Rule{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

func cronRule(expr string, start, from time.Time) (Rule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Rule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Rule{Predicate: CronPredicateFrom(sched, start, from), Spec: "cron " + expr}, nil
}

func intervalRule(v string) (Rule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Rule{}, fmt.Errorf("interval required")
	}
	var d time.Duration
	if reHHMM.MatchString(v) {
		hd, err := parseHHMMDuration(v)
		if err != nil {
			return Rule{}, err
		}
		d = hd
	} else {
		pd, err := time.ParseDuration(v)
		if err != nil {
			return Rule{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
		}
		d = pd
	}
	if d < time.Second {
		return Rule{}, fmt.Errorf("interval must be >= 1s")
	}
	if d%time.Second != 0 {
		return Rule{}, fmt.Errorf("interval %s must be a whole number of seconds", d)
	}
	secs := int(d / time.Second)
	return Rule{Interval: secs, Spec: fmt.Sprintf("every %ds", secs)}, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
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

// CronPredicate fires whenever start+elapsed seconds reaches the schedule's
// next activation. Activations skipped between two checks collapse into one
// firing.
func CronPredicate(sched cron.Schedule, start time.Time) Predicate {
	return CronPredicateFrom(sched, start, start)
}

// CronPredicateFrom looks for the first activation after from instead of
// after start. from is usually start plus the scheduler's current elapsed
// count.
func CronPredicateFrom(sched cron.Schedule, start, from time.Time) Predicate {
	var mu sync.Mutex
	if from.Before(start) {
		from = start
	}
	next := sched.Next(from)
	return func(_ context.Context, elapsed int) (bool, error) {
		now := start.Add(time.Duration(elapsed) * time.Second)
		mu.Lock()
		defer mu.Unlock()
		if next.IsZero() || now.Before(next) {
			return false, nil
		}
		next = sched.Next(now)
		return true, nil
	}
}
