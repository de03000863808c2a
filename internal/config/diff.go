package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tickd/pkg/logx"
)

// TaskChanges lists task names by how they differ between two configs.
type TaskChanges struct {
	Added   []string
	Changed []string
	Removed []string
}

func (c TaskChanges) Empty() bool {
	return len(c.Added) == 0 && len(c.Changed) == 0 && len(c.Removed) == 0
}

// SummarizeConfigChange returns the changed sections, attrs safe for logging
// and the task-level diff. Header values, bodies and tokens never appear in
// the attrs.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, TaskChanges) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.step", newCfg.Step()),
			logx.Any("scheduler.failure_log_rate", newCfg.Scheduler.FailureLogRate),
		)
	}

	if !reflect.DeepEqual(oldCfg.History, newCfg.History) {
		changed = append(changed, "history")
		if newCfg.History != nil {
			attrs = append(attrs, logx.String("history.driver", strings.TrimSpace(newCfg.History.Driver)))
		}
	}

	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		changed = append(changed, "debug")
		if newCfg.Debug != nil {
			attrs = append(attrs, logx.Bool("debug.enabled", newCfg.Debug.Enabled), logx.Bool("debug.token_set", newCfg.Debug.Token != ""))
		}
	}

	tc := diffTasks(oldCfg.Tasks, newCfg.Tasks)
	if !tc.Empty() {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.added", len(tc.Added)),
			logx.Int("tasks.changed", len(tc.Changed)),
			logx.Int("tasks.removed", len(tc.Removed)),
		)
	}
	return changed, attrs, tc
}

func diffTasks(oldTasks, newTasks []TaskConfig) TaskChanges {
	prev := make(map[string]TaskConfig, len(oldTasks))
	for _, t := range oldTasks {
		prev[strings.TrimSpace(t.Name)] = t
	}
	var tc TaskChanges
	for _, t := range newTasks {
		name := strings.TrimSpace(t.Name)
		old, ok := prev[name]
		switch {
		case !ok:
			tc.Added = append(tc.Added, name)
		case !reflect.DeepEqual(old, t):
			tc.Changed = append(tc.Changed, name)
		}
		delete(prev, name)
	}
	for name := range prev {
		tc.Removed = append(tc.Removed, name)
	}
	sort.Strings(tc.Removed)
	return tc
}
