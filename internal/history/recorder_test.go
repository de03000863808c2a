package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"tickd/internal/eventbus"
	"tickd/internal/storage"
	"tickd/internal/timedtask"
	logx "tickd/pkg/logx"
)

func ticks(n int) timedtask.Sleeper {
	count := 0
	return func(ctx context.Context, d time.Duration) error {
		if count >= n {
			return context.Canceled
		}
		count++
		return nil
	}
}

func TestRecorderPersistsRuns(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "runs")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()

	rec := New(bus, st, 2, logx.Nop())

	s := timedtask.New(timedtask.WithBus(bus), timedtask.WithSleeper(ticks(3)))
	s.Register(timedtask.Every(1), timedtask.Named("ok")).Do(timedtask.Func(func() {}))
	s.Register(timedtask.Every(2), timedtask.Named("bad")).Do(func(context.Context) error { return errors.New("nope") })
	if err := s.Run(context.Background(), 1); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Events are already buffered; a canceled context drains them and returns.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rec.Run(ctx); err != nil {
		t.Fatalf("recorder Run: %v", err)
	}

	okN, failed := rec.Counts()
	if okN != 3 || failed != 1 {
		t.Fatalf("Counts = (%d, %d), want (3, 1)", okN, failed)
	}
	if recent := rec.Recent(10); len(recent) != 2 {
		t.Fatalf("Recent kept %d records, want 2 (keep limit)", len(recent))
	}

	stored, err := st.RecentRuns(context.Background(), 100)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(stored) != 4 {
		t.Fatalf("store has %d runs, want 4", len(stored))
	}
	var sawFail bool
	for _, r := range stored {
		if r.Task == "bad" {
			sawFail = true
			if r.OK || r.Error != "nope" || r.Elapsed != 2 {
				t.Fatalf("bad run stored as %+v", r)
			}
		}
		if r.RunID == "" {
			t.Fatalf("run stored without id: %+v", r)
		}
	}
	if !sawFail {
		t.Fatalf("store has no failed run: %+v", stored)
	}
}

func TestRecorderIgnoresOtherEvents(t *testing.T) {
	t.Parallel()
	rec := New(eventbus.New(), nil, 0, logx.Nop())
	rec.Handle(context.Background(), eventbus.Event{Type: eventbus.TaskRegistered, Data: timedtask.TaskInfo{Name: "x"}})
	rec.Handle(context.Background(), eventbus.Event{Type: eventbus.TaskFired, Data: "not a run"})
	if got := rec.Recent(0); len(got) != 0 {
		t.Fatalf("Recent = %+v, want empty", got)
	}

	rec.Handle(context.Background(), eventbus.Event{Type: eventbus.TaskFired, Data: timedtask.RunEvent{Task: "a", Elapsed: 1}})
	rec.Handle(context.Background(), eventbus.Event{Type: eventbus.TaskFailed, Data: timedtask.RunEvent{Task: "b", Elapsed: 1, Error: "x"}})
	got := rec.Recent(0)
	if len(got) != 2 || got[0].Task != "b" || got[1].Task != "a" {
		t.Fatalf("Recent = %+v, want newest first [b a]", got)
	}
	if okN, failed := rec.Counts(); okN != 1 || failed != 1 {
		t.Fatalf("Counts = (%d, %d), want (1, 1)", okN, failed)
	}
}

func TestRecorderLoadsStoredRuns(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "runs")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()
	for _, name := range []string{"first", "second", "third"} {
		if err := st.AppendRun(context.Background(), storage.RunRecord{RunID: name, Task: name, OK: true}); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}

	rec := New(eventbus.New(), st, 2, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.Recent(0)) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("stored runs never loaded: %+v", rec.Recent(0))
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("recorder Run: %v", err)
	}

	got := rec.Recent(0)
	if len(got) != 2 || got[0].Task != "third" || got[1].Task != "second" {
		t.Fatalf("Recent = %+v, want [third second]", got)
	}
	if okN, failed := rec.Counts(); okN != 0 || failed != 0 {
		t.Fatalf("Counts = (%d, %d), loaded runs must not count", okN, failed)
	}

	// new runs go in front of loaded ones
	rec.Handle(context.Background(), eventbus.Event{Type: eventbus.TaskFired, Data: timedtask.RunEvent{Task: "fourth"}})
	got = rec.Recent(0)
	if len(got) != 2 || got[0].Task != "fourth" || got[1].Task != "third" {
		t.Fatalf("Recent after new run = %+v", got)
	}
}
