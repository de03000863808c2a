package timedtask

import (
	"context"
	"fmt"
)

// Action is one unit of deferred work. A returned error is logged and
// otherwise ignored.
type Action func(ctx context.Context) error

// Predicate decides whether a task fires at the given elapsed seconds.
type Predicate func(ctx context.Context, elapsed int) (bool, error)

// Func adapts a plain function to an Action.
func Func(fn func()) Action {
	return func(context.Context) error {
		fn()
		return nil
	}
}

// PredicateFunc adapts a plain elapsed-time test to a Predicate.
func PredicateFunc(fn func(elapsed int) bool) Predicate {
	return func(_ context.Context, elapsed int) (bool, error) {
		return fn(elapsed), nil
	}
}

// Task is an immutable pairing of an action and its firing rule.
type Task struct {
	name      string
	spec      string
	action    Action
	interval  int
	predicate Predicate
}

// NewTask builds a Task. A non-nil predicate overrides interval; a task with
// neither rule never fires.
func NewTask(name string, action Action, interval int, predicate Predicate) *Task {
	return &Task{
		name:      name,
		spec:      describeRule(interval, predicate),
		action:    action,
		interval:  interval,
		predicate: predicate,
	}
}

func (t *Task) Name() string       { return t.name }
func (t *Task) Interval() int      { return t.interval }
func (t *Task) HasPredicate() bool { return t.predicate != nil }

// Check reports whether the task is due at elapsed. It never runs the action.
func (t *Task) Check(ctx context.Context, elapsed int) (bool, error) {
	if t.predicate != nil {
		return t.predicate(ctx, elapsed)
	}
	if t.interval > 0 {
		return elapsed >= t.interval && elapsed%t.interval == 0, nil
	}
	return false, nil
}

// TaskInfo is a read-only view of a registered task.
type TaskInfo struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	Interval int    `json:"interval,omitempty"`
	Custom   bool   `json:"custom"`
	Spec     string `json:"spec"`
}

func (t *Task) info(idx int) TaskInfo {
	return TaskInfo{
		Index:    idx,
		Name:     t.name,
		Interval: t.interval,
		Custom:   t.predicate != nil,
		Spec:     t.spec,
	}
}

func describeRule(interval int, predicate Predicate) string {
	switch {
	case predicate != nil:
		return "custom"
	case interval > 0:
		return fmt.Sprintf("every %ds", interval)
	default:
		return "never"
	}
}
