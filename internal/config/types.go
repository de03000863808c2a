package config

// Config is the tickd config file (JSON or YAML).
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	History   *HistoryConfig  `json:"history,omitempty"`
	Debug     *DebugConfig    `json:"debug,omitempty"`
	Tasks     []TaskConfig    `json:"tasks"`
}

// DebugConfig controls the optional status + pprof listener. Non-loopback
// addresses require a token.
type DebugConfig struct {
	Enabled              bool   `json:"enabled"`
	Addr                 string `json:"addr,omitempty"`
	Token                string `json:"token,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the tick loop.
//
// Defaults (when fields are omitted/zero):
//   - step: 1 (seconds per tick)
//   - failure_log_rate: 0 (log every task failure)
//   - failure_log_burst: 5
type SchedulerConfig struct {
	Step            int     `json:"step,omitempty"`
	FailureLogRate  float64 `json:"failure_log_rate,omitempty"`
	FailureLogBurst int     `json:"failure_log_burst,omitempty"`
}

// HistoryConfig controls run-history persistence.
//
// Example:
//
//	history: { driver: sqlite, path: ./tickd.sqlite, busy_timeout: 1s, keep: 200 }
type HistoryConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	// Keep bounds the in-memory ring of recent runs.
	Keep int `json:"keep,omitempty"`
}

// TaskConfig registers one task at startup. Exactly one of Every or
// Schedule must be set.
type TaskConfig struct {
	Name string `json:"name"`
	// Every is an interval in seconds.
	Every int `json:"every,omitempty"`
	// Schedule is a cron expression, "@every 5m", a duration like "55m" or HH:MM.
	Schedule string       `json:"schedule,omitempty"`
	Action   ActionConfig `json:"action"`
}

type ActionConfig struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`

	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`

	Command []string `json:"command,omitempty"`
	Dir     string   `json:"dir,omitempty"`

	// Unit and Op drive the systemd kind; op defaults to restart.
	Unit string `json:"unit,omitempty"`
	Op   string `json:"op,omitempty"`

	// Timeout is a Go duration string bounding a single http/exec/systemd run.
	Timeout string `json:"timeout,omitempty"`
}
