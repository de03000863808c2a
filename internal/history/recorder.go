// Package history records scheduler runs from the event bus.
package history

import (
	"context"
	"sync"
	"time"

	"tickd/internal/eventbus"
	"tickd/internal/storage"
	"tickd/internal/timedtask"
	logx "tickd/pkg/logx"
)

const defaultKeep = 200

// Recorder keeps the last runs in memory and, when a store is configured,
// appends every run to it.
type Recorder struct {
	log   logx.Logger
	store storage.Store

	events <-chan eventbus.Event
	unsub  func()

	mu    sync.Mutex
	keep  int
	ring  []storage.RunRecord
	next  int
	fired uint64
	fails uint64
}

// New creates a recorder subscribed to bus. store may be nil. Events
// published after New returns are buffered until Run consumes them.
func New(bus eventbus.Bus, store storage.Store, keep int, log logx.Logger) *Recorder {
	if keep <= 0 {
		keep = defaultKeep
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	events, unsub := bus.Subscribe(256)
	return &Recorder{log: log, store: store, keep: keep, events: events, unsub: unsub}
}

// Run loads the newest stored runs into memory, then consumes bus events
// until ctx is done and unsubscribes.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.unsub()
	r.load(ctx)
	for {
		select {
		case <-ctx.Done():
			r.drain(ctx)
			return nil
		case e, ok := <-r.events:
			if !ok {
				return nil
			}
			r.Handle(ctx, e)
		}
	}
}

// drain records whatever is already buffered so the final runs before
// shutdown are not lost.
func (r *Recorder) drain(ctx context.Context) {
	for {
		select {
		case e, ok := <-r.events:
			if !ok {
				return
			}
			r.Handle(context.WithoutCancel(ctx), e)
		default:
			return
		}
	}
}

// load seeds the ring from the store so Recent survives a restart. Loaded
// runs are not added to Counts.
func (r *Recorder) load(ctx context.Context) {
	if r.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	runs, err := r.store.RecentRuns(sctx, r.keep)
	if err != nil {
		r.log.Warn("run history load failed", logx.Err(err))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// store returns newest first
	for i := len(runs) - 1; i >= 0; i-- {
		r.push(runs[i])
	}
	if len(runs) > 0 {
		r.log.Debug("run history loaded", logx.Int("runs", len(runs)))
	}
}

func (r *Recorder) Handle(ctx context.Context, e eventbus.Event) {
	if e.Type != eventbus.TaskFired && e.Type != eventbus.TaskFailed {
		return
	}
	ev, ok := e.Data.(timedtask.RunEvent)
	if !ok {
		return
	}
	rec := toRecord(ev)
	r.add(rec)

	if r.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.store.AppendRun(sctx, rec); err != nil {
		r.log.Warn("run history append failed", logx.String("task", rec.Task), logx.Err(err))
	}
}

func toRecord(ev timedtask.RunEvent) storage.RunRecord {
	return storage.RunRecord{
		RunID:     ev.RunID.String(),
		Task:      ev.Task,
		Elapsed:   ev.Elapsed,
		Phase:     ev.Phase,
		StartedAt: ev.StartedAt,
		TookMS:    ev.Took.Milliseconds(),
		OK:        ev.Error == "",
		Error:     ev.Error,
		Panicked:  ev.Panicked,
	}
}

func (r *Recorder) add(rec storage.RunRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.OK {
		r.fired++
	} else {
		r.fails++
	}
	r.push(rec)
}

// push requires r.mu.
func (r *Recorder) push(rec storage.RunRecord) {
	if len(r.ring) < r.keep {
		r.ring = append(r.ring, rec)
		return
	}
	r.ring[r.next] = rec
	r.next = (r.next + 1) % r.keep
}

// Recent returns up to n in-memory records, newest first.
func (r *Recorder) Recent(n int) []storage.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.ring) {
		n = len(r.ring)
	}
	out := make([]storage.RunRecord, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + 2*len(r.ring)) % len(r.ring)
		out = append(out, r.ring[idx])
	}
	return out
}

// Counts returns the number of successful and failed runs seen.
func (r *Recorder) Counts() (ok, failed uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fired, r.fails
}
