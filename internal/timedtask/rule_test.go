package timedtask

import (
	"context"
	"reflect"
	"testing"
	"time"
)

var ruleStart = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestParseRuleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		custom   bool
		interval int
		spec     string
	}{
		{name: "cron", raw: "*/5 * * * *", custom: true, spec: "cron */5 * * * *"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", custom: true, spec: "cron 0 0 * * *"},
		{name: "descriptor", raw: "@every 5m", custom: true, spec: "cron @every 5m"},
		{name: "duration", raw: "10m", interval: 600, spec: "every 600s"},
		{name: "prefixed interval", raw: "interval:45s", interval: 45, spec: "every 45s"},
		{name: "every prefix", raw: "every: 2s", interval: 2, spec: "every 2s"},
		{name: "hhmm", raw: "01:30", interval: 5400, spec: "every 5400s"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseRule(tt.raw, ruleStart)
			if err != nil {
				t.Fatalf("ParseRule(%q) error: %v", tt.raw, err)
			}
			if (got.Predicate != nil) != tt.custom {
				t.Fatalf("custom = %v, want %v", got.Predicate != nil, tt.custom)
			}
			if got.Interval != tt.interval {
				t.Fatalf("Interval = %d, want %d", got.Interval, tt.interval)
			}
			if got.Spec != tt.spec {
				t.Fatalf("Spec = %q, want %q", got.Spec, tt.spec)
			}
		})
	}
}

func TestParseRuleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "500ms", "1500ms", "cron:", "cron:61 * * * *", "interval:", "00:00", "01:75"} {
		if _, err := ParseRule(raw, ruleStart); err == nil {
			t.Fatalf("ParseRule(%q): expected error", raw)
		}
	}
}

func firesAt(t *testing.T, p Predicate, upTo int) []int {
	t.Helper()
	var out []int
	for e := 1; e <= upTo; e++ {
		ok, err := p(context.Background(), e)
		if err != nil {
			t.Fatalf("predicate error at %d: %v", e, err)
		}
		if ok {
			out = append(out, e)
		}
	}
	return out
}

func TestCronPredicateFollowsElapsedClock(t *testing.T) {
	t.Parallel()
	r, err := ParseRule("*/2 * * * * *", ruleStart)
	if err != nil {
		t.Fatalf("ParseRule error: %v", err)
	}
	if got, want := firesAt(t, r.Predicate, 7), []int{2, 4, 6}; !reflect.DeepEqual(got, want) {
		t.Fatalf("fired at %v, want %v", got, want)
	}

	r, err = ParseRule("@every 5s", ruleStart)
	if err != nil {
		t.Fatalf("ParseRule error: %v", err)
	}
	if got, want := firesAt(t, r.Predicate, 12), []int{5, 10}; !reflect.DeepEqual(got, want) {
		t.Fatalf("fired at %v, want %v", got, want)
	}
}

func TestParseRuleFromSkipsPastActivations(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
	from := start.Add(2 * time.Hour)

	// registered at start: the 03:00 activation is due by 04:00
	r, err := ParseRule("0 3 * * *", start)
	if err != nil {
		t.Fatalf("ParseRule error: %v", err)
	}
	if ok, _ := r.Predicate(context.Background(), 7201); !ok {
		t.Fatal("rule anchored at start should fire for 03:00")
	}

	// added at 04:00: the next activation is tomorrow 03:00
	r, err = ParseRuleFrom("0 3 * * *", start, from)
	if err != nil {
		t.Fatalf("ParseRuleFrom error: %v", err)
	}
	for _, e := range []int{7201, 7205, 89999} {
		if ok, _ := r.Predicate(context.Background(), e); ok {
			t.Fatalf("fired at elapsed %d before the next activation", e)
		}
	}
	if ok, _ := r.Predicate(context.Background(), 90000); !ok {
		t.Fatal("expected firing at next day's 03:00")
	}
}

func TestCronPredicateCollapsesMissedActivations(t *testing.T) {
	t.Parallel()
	r, err := ParseRule("* * * * * *", ruleStart)
	if err != nil {
		t.Fatalf("ParseRule error: %v", err)
	}
	// Checked only every 5 elapsed seconds: one firing per check.
	for _, e := range []int{5, 10, 15} {
		ok, _ := r.Predicate(context.Background(), e)
		if !ok {
			t.Fatalf("expected firing at %d", e)
		}
	}
	ok, _ := r.Predicate(context.Background(), 15)
	if ok {
		t.Fatal("same elapsed value must not fire twice")
	}
}

func TestParsedRuleDrivesScheduler(t *testing.T) {
	t.Parallel()
	r, err := ParseRule("interval:3s", ruleStart)
	if err != nil {
		t.Fatalf("ParseRule error: %v", err)
	}
	s := New(WithSleeper(ticks(6)))
	var rec recorder
	s.Register(WithRule(r), Named("parsed")).Do(rec.action(s, "parsed"))
	if err := s.Run(context.Background(), 1); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if got, want := rec.elapsedOf("parsed"), []int{3, 6}; !reflect.DeepEqual(got, want) {
		t.Fatalf("fired at %v, want %v", got, want)
	}
	if got := s.Tasks()[0].Spec; got != "every 3s" {
		t.Fatalf("Spec = %q, want %q", got, "every 3s")
	}
}
