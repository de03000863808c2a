package timedtask

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tickd/internal/eventbus"
	"tickd/internal/lifecycle"
	logx "tickd/pkg/logx"
)

// ErrAlreadyRunning is returned by Run when another Run call is active.
var ErrAlreadyRunning = errors.New("timedtask: scheduler already running")

// Sleeper blocks for d or until ctx is done. It returns ctx.Err() when
// interrupted.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Scheduler owns the registered tasks and the tick loop.
type Scheduler struct {
	mu    sync.Mutex
	tasks []*Task

	alive   atomic.Bool
	running atomic.Bool
	elapsed atomic.Int64

	log   logx.Logger
	bus   eventbus.Bus
	sleep Sleeper
	unit  time.Duration

	failures *failureLimiter
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithBus publishes registration, run and failure events to bus.
func WithBus(bus eventbus.Bus) Option {
	return func(s *Scheduler) {
		if bus != nil {
			s.bus = bus
		}
	}
}

// WithSleeper replaces the loop's suspension primitive.
func WithSleeper(fn Sleeper) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

// WithTickUnit sets the wall-clock length of one elapsed second (default 1s).
func WithTickUnit(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.unit = d
		}
	}
}

// WithShutdown subscribes Stop to the host's shutdown signal.
func WithShutdown(sd *lifecycle.Shutdown) Option {
	return func(s *Scheduler) {
		if sd != nil {
			sd.OnShutdown(s.Stop)
		}
	}
}

// WithFailureLogRate throttles repeated failure logs per task to perSec with
// the given burst. perSec <= 0 logs every failure.
func WithFailureLogRate(perSec float64, burst int) Option {
	return func(s *Scheduler) { s.failures = newFailureLimiter(perSec, burst) }
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		log:      logx.Nop(),
		bus:      eventbus.Nop{},
		sleep:    sleepCtx,
		unit:     time.Second,
		failures: newFailureLimiter(0, 0),
	}
	s.alive.Store(true)
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// Stop marks the scheduler as no longer alive. It does not interrupt a sleep
// or a running action; the loop exits at its next check. Safe to call more
// than once.
func (s *Scheduler) Stop() {
	if s.alive.CompareAndSwap(true, false) {
		s.log.Info("scheduler stop requested", logx.Int("elapsed", s.Elapsed()))
	}
}

func (s *Scheduler) Alive() bool { return s.alive.Load() }

// Elapsed returns the elapsed counter of the current (or last) Run.
func (s *Scheduler) Elapsed() int { return int(s.elapsed.Load()) }

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) Tasks() []TaskInfo {
	tasks := s.snapshot()
	out := make([]TaskInfo, len(tasks))
	for i, t := range tasks {
		out[i] = t.info(i)
	}
	return out
}

func (s *Scheduler) snapshot() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks
}

// Run drives the tick loop until Stop is called or ctx is canceled. Each
// tick sleeps step seconds (step <= 0 means 1). Cancellation is a clean exit
// and returns nil.
func (s *Scheduler) Run(ctx context.Context, step int) error {
	if step <= 0 {
		step = 1
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	s.elapsed.Store(0)
	s.log.Info("scheduler started", logx.Int("step", step), logx.Int("tasks", s.Len()))
	s.bus.Publish(eventbus.Event{Type: eventbus.SchedulerStarted, Data: step})
	defer func() {
		s.log.Info("scheduler stopped", logx.Int("elapsed", s.Elapsed()))
		s.bus.Publish(eventbus.Event{Type: eventbus.SchedulerStopped, Data: s.Elapsed()})
	}()

	wait := time.Duration(step) * s.unit
	for s.alive.Load() {
		if err := s.sleep(ctx, wait); err != nil {
			s.log.Debug("tick loop interrupted", logx.Err(err))
			return nil
		}
		if !s.alive.Load() {
			return nil
		}

		tasks := s.snapshot()
		if len(tasks) == 0 {
			continue
		}
		elapsed := int(s.elapsed.Add(int64(step)))

		for i, t := range tasks {
			s.tick(ctx, i, t, elapsed)
		}
	}
	return nil
}

// RunEvent describes one fired or failed task.
type RunEvent struct {
	RunID      uuid.UUID     `json:"run_id"`
	Task       string        `json:"task"`
	Index      int           `json:"index"`
	Elapsed    int           `json:"elapsed"`
	Phase      string        `json:"phase"` // "check" | "action"
	StartedAt  time.Time     `json:"started_at"`
	Took       time.Duration `json:"took"`
	Error      string        `json:"error,omitempty"`
	Panicked   bool          `json:"panicked,omitempty"`
	Suppressed int           `json:"suppressed,omitempty"`
}

// PanicError wraps a value recovered from a task.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// guard runs fn and converts a panic into a *PanicError.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn()
}

func (s *Scheduler) tick(ctx context.Context, idx int, t *Task, elapsed int) {
	var due bool
	startedAt := time.Now()
	err := guard(func() error {
		var err error
		due, err = t.Check(ctx, elapsed)
		return err
	})
	if err != nil {
		s.failed(idx, t, elapsed, "check", startedAt, err)
		return
	}
	if !due {
		return
	}

	startedAt = time.Now()
	if err := guard(func() error { return t.action(ctx) }); err != nil {
		s.failed(idx, t, elapsed, "action", startedAt, err)
		return
	}
	took := time.Since(startedAt)
	s.log.Debug("task fired", logx.String("task", t.name), logx.Int("elapsed", elapsed), logx.Duration("took", took))
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskFired, Data: RunEvent{
		RunID:     uuid.New(),
		Task:      t.name,
		Index:     idx,
		Elapsed:   elapsed,
		Phase:     "action",
		StartedAt: startedAt,
		Took:      took,
	}})
}

func (s *Scheduler) failed(idx int, t *Task, elapsed int, phase string, startedAt time.Time, err error) {
	ev := RunEvent{
		RunID:     uuid.New(),
		Task:      t.name,
		Index:     idx,
		Elapsed:   elapsed,
		Phase:     phase,
		StartedAt: startedAt,
		Took:      time.Since(startedAt),
		Error:     err.Error(),
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		ev.Panicked = true
	}

	if ok, suppressed := s.failures.allow(t.name); ok {
		ev.Suppressed = suppressed
		fields := []logx.Field{
			logx.String("task", t.name),
			logx.String("phase", phase),
			logx.Int("elapsed", elapsed),
			logx.Err(err),
		}
		if pe != nil {
			fields = append(fields, logx.Stack(pe.Stack))
		}
		if suppressed > 0 {
			fields = append(fields, logx.Int("suppressed", suppressed))
		}
		s.log.Error("timed task error", fields...)
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: ev})
}
