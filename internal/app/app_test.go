package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tickd/internal/config"
	"tickd/internal/eventbus"
	"tickd/internal/lifecycle"
	"tickd/internal/storage"
	"tickd/internal/timedtask"
	logx "tickd/pkg/logx"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "tickd.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func baseConfig(dir string) string {
	return `
logging:
  level: debug
  file: { enabled: true, path: ` + filepath.Join(dir, "tickd.log") + ` }
history:
  driver: file
  path: ` + filepath.Join(dir, "hist") + `
tasks:
  - name: heartbeat
    every: 1
    action: { kind: log, message: alive }
`
}

type notifyRecorder struct {
	mu     sync.Mutex
	states []string
}

func (n *notifyRecorder) notify(state string) {
	n.mu.Lock()
	n.states = append(n.states, state)
	n.mu.Unlock()
}

func (n *notifyRecorder) joined() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return strings.Join(n.states, ",")
}

func TestAppRunsConfiguredTasks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a, err := New(writeConfig(t, dir, baseConfig(dir)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	n := &notifyRecorder{}
	a.sdNotify = n.notify

	if got := a.Scheduler().Len(); got != 1 {
		t.Fatalf("registered tasks = %d, want 1", got)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if ok, _ := a.History().Counts(); ok >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never fired")
		}
		time.Sleep(50 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, lifecycle.StopAppStop); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if a.Scheduler().Alive() {
		t.Fatalf("scheduler still alive after Stop")
	}
	if got := a.Shutdown().Reason(); got != lifecycle.StopAppStop {
		t.Fatalf("shutdown reason = %q", got)
	}
	if got := n.joined(); got != "READY=1,STOPPING=1" {
		t.Fatalf("systemd states = %q", got)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}

	// second Stop is a no-op
	if err := a.Stop(ctx, lifecycle.StopSIGTERM); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "hist")}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st.Close()
	runs, err := st.RecentRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) == 0 || runs[0].Task != "heartbeat" || !runs[0].OK {
		t.Fatalf("persisted runs = %+v", runs)
	}

	logs, err := os.ReadFile(filepath.Join(dir, "tickd.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	for _, want := range []string{"app started", "stopping", "alive"} {
		if !strings.Contains(string(logs), want) {
			t.Fatalf("log missing %q", want)
		}
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"unknown field", "bogus: 1\n"},
		{"bad schedule", "tasks:\n  - { name: a, schedule: whenever, action: { kind: log } }\n"},
		{"sqlite without path", "history: { driver: sqlite }\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			if _, err := New(writeConfig(t, dir, tt.body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a, err := New(writeConfig(t, dir, baseConfig(dir)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a.sdNotify = func(string) {}
	if err := a.Stop(context.Background(), lifecycle.StopSIGINT); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if a.Scheduler().Alive() {
		t.Fatalf("scheduler still alive")
	}
}

func TestApplyConfigAppendsNewTasks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a, err := New(writeConfig(t, dir, baseConfig(dir)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a.sdNotify = func(string) {}
	defer a.Stop(context.Background(), lifecycle.StopAppStop)

	oldCfg := a.cfgm.Get()
	newCfg := *oldCfg
	newCfg.Tasks = append([]config.TaskConfig{
		// changed definition: warns, not re-registered
		{Name: "heartbeat", Every: 5, Action: config.ActionConfig{Kind: "log"}},
	}, config.TaskConfig{Name: "report", Schedule: "@every 1m", Action: config.ActionConfig{Kind: "log"}})

	a.applyConfig(context.Background(), oldCfg, &newCfg)

	infos := a.Scheduler().Tasks()
	if len(infos) != 2 {
		t.Fatalf("tasks = %+v", infos)
	}
	if infos[0].Name != "heartbeat" || infos[0].Interval != 1 {
		t.Fatalf("existing task modified: %+v", infos[0])
	}
	if infos[1].Name != "report" || !infos[1].Custom {
		t.Fatalf("new task = %+v", infos[1])
	}

	// re-applying the same config registers nothing
	a.applyConfig(context.Background(), &newCfg, &newCfg)
	if got := a.Scheduler().Len(); got != 2 {
		t.Fatalf("tasks after no-op reload = %d", got)
	}
}

func TestReaddedTaskIsNotRegisteredTwice(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a, err := New(writeConfig(t, dir, baseConfig(dir)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a.sdNotify = func(string) {}
	defer a.Stop(context.Background(), lifecycle.StopAppStop)

	orig := a.cfgm.Get()
	without := *orig
	without.Tasks = nil

	a.applyConfig(context.Background(), orig, &without)
	a.applyConfig(context.Background(), &without, orig)

	infos := a.Scheduler().Tasks()
	if len(infos) != 1 || infos[0].Name != "heartbeat" {
		t.Fatalf("tasks after remove and re-add = %+v", infos)
	}
}

func TestReloadedCronTaskWaitsForNextActivation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a, err := New(writeConfig(t, dir, baseConfig(dir)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a.sdNotify = func(string) {}
	defer a.Stop(context.Background(), lifecycle.StopAppStop)

	oldCfg := a.cfgm.Get()
	newCfg := *oldCfg
	newCfg.Tasks = append(append([]config.TaskConfig(nil), oldCfg.Tasks...), config.TaskConfig{
		Name: "nightly", Schedule: "0 3 * * *", Action: config.ActionConfig{Kind: "log", Message: "nightly"},
	})

	// 02:00 start, the reload lands at elapsed 7200 (04:00)
	a.start = time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
	calls := 0
	a.sched = timedtask.New(timedtask.WithBus(a.bus), timedtask.WithSleeper(func(context.Context, time.Duration) error {
		calls++
		switch {
		case calls == 7201:
			a.applyConfig(context.Background(), oldCfg, &newCfg)
		case calls > 7205:
			return context.Canceled
		}
		return nil
	}))
	a.sched.Register(timedtask.Every(1000000), timedtask.Named("idle")).Do(timedtask.Func(func() {}))

	events, unsub := a.bus.Subscribe(64)
	defer unsub()
	if err := a.sched.Run(context.Background(), 1); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := a.sched.Len(); got != 2 {
		t.Fatalf("tasks = %d, want 2", got)
	}
	for {
		select {
		case e := <-events:
			if ev, ok := e.Data.(timedtask.RunEvent); ok && ev.Task == "nightly" {
				t.Fatalf("nightly fired at elapsed %d before its next activation", ev.Elapsed)
			}
			if e.Type == eventbus.SchedulerStopped {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("scheduler stop event not seen")
		}
	}
}

func TestSchedulerStopIsNotFatal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a, err := New(writeConfig(t, dir, baseConfig(dir)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a.sdNotify = func(string) {}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	a.Scheduler().Stop()
	select {
	case <-a.loopDone:
	case <-time.After(3 * time.Second):
		t.Fatalf("scheduler loop did not exit after Stop")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("app error after scheduler Stop: %v", err)
	}
	select {
	case <-a.Done():
		t.Fatalf("app canceled by a requested scheduler stop")
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, lifecycle.StopAppStop); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		hist    *config.HistoryConfig
		enabled bool
		wantErr bool
		busy    time.Duration
	}{
		{"absent", nil, false, false, 0},
		{"none", &config.HistoryConfig{Driver: "none"}, false, false, 0},
		{"file", &config.HistoryConfig{Driver: "file", Path: "x"}, true, false, 0},
		{"sqlite default busy", &config.HistoryConfig{Driver: "SQLite", Path: "x.db"}, true, false, time.Second},
		{"sqlite busy", &config.HistoryConfig{Driver: "sqlite3", Path: "x.db", BusyTimeout: "3s"}, true, false, 3 * time.Second},
		{"sqlite no path", &config.HistoryConfig{Driver: "sqlite"}, false, true, 0},
		{"unknown", &config.HistoryConfig{Driver: "redis"}, false, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, enabled, err := mapStorageConfig(&config.Config{History: tt.hist})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if enabled != tt.enabled {
				t.Fatalf("enabled = %v", enabled)
			}
			if sc.BusyTimeout != tt.busy {
				t.Fatalf("busy = %v", sc.BusyTimeout)
			}
		})
	}
}

func TestStatusSnapshot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a, err := New(writeConfig(t, dir, baseConfig(dir)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a.sdNotify = func(string) {}
	defer a.Stop(context.Background(), lifecycle.StopAppStop)

	st, ok := a.status().(Status)
	if !ok {
		t.Fatalf("status type = %T", a.status())
	}
	if !st.Alive || st.Step != 1 || len(st.Tasks) != 1 || st.Tasks[0].Name != "heartbeat" {
		t.Fatalf("status = %+v", st)
	}
	if st.Supervisor != nil {
		t.Fatalf("supervisor snapshot before Start")
	}
	if st.EventsDropped != 0 || st.Uptime == "" {
		t.Fatalf("status = %+v", st)
	}

	a.recorder.Handle(context.Background(), eventbus.Event{
		Type: eventbus.TaskFired,
		Data: timedtask.RunEvent{Task: "heartbeat", Elapsed: 1, StartedAt: time.Now().Add(-time.Minute)},
	})
	st = a.status().(Status)
	if len(st.Recent) != 1 || st.Recent[0].Task != "heartbeat" || st.Recent[0].Ago != "1 minute ago" || st.RunsOK != 1 {
		t.Fatalf("recent = %+v", st.Recent)
	}
}
