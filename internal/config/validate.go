package config

import (
	"fmt"
	"strings"
	"time"

	"tickd/internal/actions"
	"tickd/internal/timedtask"
	logx "tickd/pkg/logx"
)

// Validate rejects configs that cannot be applied. It is used both at
// startup and before committing a hot-reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if cfg.Scheduler.Step < 0 {
		return fmt.Errorf("scheduler.step must be >= 0")
	}
	if cfg.Scheduler.FailureLogRate < 0 {
		return fmt.Errorf("scheduler.failure_log_rate must be >= 0")
	}
	if cfg.Scheduler.FailureLogBurst < 0 {
		return fmt.Errorf("scheduler.failure_log_burst must be >= 0")
	}
	if h := cfg.History; h != nil {
		switch strings.ToLower(strings.TrimSpace(h.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("history.driver: unknown driver %q", h.Driver)
		}
		if _, err := ParseDurationField("history.busy_timeout", h.BusyTimeout); err != nil {
			return err
		}
		if h.Keep < 0 {
			return fmt.Errorf("history.keep must be >= 0")
		}
	}

	if d := cfg.Debug; d != nil {
		if d.MutexProfileFraction < 0 || d.BlockProfileRate < 0 {
			return fmt.Errorf("debug: profile rates must be >= 0")
		}
	}

	seen := map[string]bool{}
	for i, t := range cfg.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return fmt.Errorf("%s.name required", path)
		}
		if seen[name] {
			return fmt.Errorf("%s: duplicate task name %q", path, name)
		}
		seen[name] = true

		if _, err := t.Rule(time.Now()); err != nil {
			return fmt.Errorf("%s (%s): %w", path, name, err)
		}
		if _, err := t.Action.Spec(path + ".action"); err != nil {
			return fmt.Errorf("%s (%s): %w", path, name, err)
		}
	}
	return nil
}

// Rule resolves the task's firing rule. Every and Schedule are exclusive.
func (t TaskConfig) Rule(start time.Time) (timedtask.Rule, error) {
	return t.RuleFrom(start, start)
}

// RuleFrom resolves the rule for a task added while the scheduler clock
// already reads from.
func (t TaskConfig) RuleFrom(start, from time.Time) (timedtask.Rule, error) {
	sched := strings.TrimSpace(t.Schedule)
	switch {
	case t.Every != 0 && sched != "":
		return timedtask.Rule{}, fmt.Errorf("set either every or schedule, not both")
	case t.Every < 0:
		return timedtask.Rule{}, fmt.Errorf("every must be > 0")
	case t.Every > 0:
		return timedtask.Rule{Interval: t.Every, Spec: fmt.Sprintf("every %ds", t.Every)}, nil
	case sched != "":
		return timedtask.ParseRuleFrom(sched, start, from)
	default:
		return timedtask.Rule{}, fmt.Errorf("every or schedule required")
	}
}

// Spec maps the action block to an actions.Spec.
func (a ActionConfig) Spec(path string) (actions.Spec, error) {
	timeout, err := ParseDurationField(path+".timeout", a.Timeout)
	if err != nil {
		return actions.Spec{}, err
	}
	spec := actions.Spec{
		Kind:    a.Kind,
		Message: a.Message,
		URL:     a.URL,
		Method:  a.Method,
		Headers: a.Headers,
		Body:    a.Body,
		Command: a.Command,
		Dir:     a.Dir,
		Unit:    a.Unit,
		Op:      a.Op,
		Timeout: timeout,
	}
	if err := spec.Validate(); err != nil {
		return actions.Spec{}, err
	}
	return spec, nil
}

// Step returns the effective tick step in seconds.
func (c *Config) Step() int {
	if c == nil || c.Scheduler.Step <= 0 {
		return 1
	}
	return c.Scheduler.Step
}
