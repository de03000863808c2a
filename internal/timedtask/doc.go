// Package timedtask is an in-process periodic task scheduler.
//
// Host code registers recurring work on a Scheduler, either on a fixed
// interval (seconds) or under a custom predicate of elapsed time:
//
//	s := timedtask.New(timedtask.WithLogger(log), timedtask.WithShutdown(sd))
//	s.Register(timedtask.Every(30), timedtask.Named("heartbeat")).Do(beat)
//	s.Register(timedtask.When(isPrime)).Do(report)
//	go s.Run(ctx, 1)
//
// A single goroutine drives every task. Each tick the loop sleeps for step
// seconds, advances the elapsed counter (only when at least one task is
// registered) and checks tasks in registration order. Due tasks run
// sequentially, each behind its own failure boundary: an error or panic is
// logged and the loop moves on.
//
// Timing is approximately periodic. Time spent checking and running tasks is
// not subtracted from the next sleep, so firing drifts under load. There is no
// per-task timeout: an action that never returns stalls every later tick.
package timedtask
