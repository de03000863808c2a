package timedtask

import (
	"fmt"

	"tickd/internal/eventbus"
	logx "tickd/pkg/logx"
)

// Rule is a firing rule: an interval in seconds, or a predicate that
// overrides it. Spec is a human-readable description used in logs.
type Rule struct {
	Interval  int
	Predicate Predicate
	Spec      string
}

type registration struct {
	name string
	rule Rule
}

// RuleOption configures a registration.
type RuleOption func(*registration)

// Every fires the task at every positive multiple of seconds.
func Every(seconds int) RuleOption {
	return func(r *registration) { r.rule.Interval = seconds }
}

// When fires the task whenever p returns true. It overrides Every.
func When(p Predicate) RuleOption {
	return func(r *registration) { r.rule.Predicate = p }
}

// WithRule applies a parsed rule (see ParseRule).
func WithRule(rule Rule) RuleOption {
	return func(r *registration) { r.rule = rule }
}

// Named labels the task in logs and run history.
func Named(name string) RuleOption {
	return func(r *registration) { r.name = name }
}

// Handle accepts the action for a registration. Each Do call appends a new
// task that shares the handle's rule.
type Handle struct {
	s   *Scheduler
	reg registration
}

// Register returns a handle for a new task. Registration never fails: a
// rule that can never fire (no interval, interval <= 0) is accepted as is.
func (s *Scheduler) Register(opts ...RuleOption) *Handle {
	var reg registration
	for _, o := range opts {
		if o != nil {
			o(&reg)
		}
	}
	return &Handle{s: s, reg: reg}
}

// Do registers action under the handle's rule. A nil action is ignored.
func (h *Handle) Do(action Action) {
	if h == nil || h.s == nil || action == nil {
		return
	}
	h.s.add(h.reg, action)
}

func (s *Scheduler) add(reg registration, action Action) {
	s.mu.Lock()
	idx := len(s.tasks)
	name := reg.name
	if name == "" {
		name = fmt.Sprintf("task-%d", idx+1)
	}
	t := NewTask(name, action, reg.rule.Interval, reg.rule.Predicate)
	if reg.rule.Spec != "" {
		t.spec = reg.rule.Spec
	}
	// Copy-on-append: a running tick iterates its own snapshot.
	next := make([]*Task, idx, idx+1)
	copy(next, s.tasks)
	s.tasks = append(next, t)
	s.mu.Unlock()

	info := t.info(idx)
	s.log.Debug("task registered", logx.String("task", info.Name), logx.String("rule", info.Spec), logx.Int("index", idx))
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskRegistered, Data: info})
}
