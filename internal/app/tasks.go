package app

import (
	"fmt"
	"strings"
	"time"

	"tickd/internal/config"
	"tickd/internal/timedtask"
	logx "tickd/pkg/logx"
)

// registerTasks registers config-defined tasks in order. Every task is
// resolved before any is registered so a bad entry leaves the list untouched.
// Cron rules only fire for activations after the scheduler's current clock.
func (a *App) registerTasks(tasks []config.TaskConfig) error {
	from := a.start.Add(time.Duration(a.sched.Elapsed()) * time.Second)
	type resolved struct {
		name   string
		rule   timedtask.Rule
		action timedtask.Action
	}
	out := make([]resolved, 0, len(tasks))
	for i, t := range tasks {
		name := strings.TrimSpace(t.Name)
		path := fmt.Sprintf("tasks[%d]", i)
		rule, err := t.RuleFrom(a.start, from)
		if err != nil {
			return fmt.Errorf("%s (%s): %w", path, name, err)
		}
		spec, err := t.Action.Spec(path + ".action")
		if err != nil {
			return fmt.Errorf("%s (%s): %w", path, name, err)
		}
		action, err := a.builder.Build(name, spec)
		if err != nil {
			return fmt.Errorf("%s (%s): %w", path, name, err)
		}
		out = append(out, resolved{name: name, rule: rule, action: action})
	}

	a.regMu.Lock()
	defer a.regMu.Unlock()
	for _, r := range out {
		a.registered[r.name] = true
		a.sched.Register(timedtask.Named(r.name), timedtask.WithRule(r.rule)).Do(r.action)
		a.log.Debug("task registered from config", logx.String("name", r.name), logx.String("rule", r.rule.Spec))
	}
	return nil
}

func (a *App) isRegistered(name string) bool {
	a.regMu.Lock()
	defer a.regMu.Unlock()
	return a.registered[name]
}
