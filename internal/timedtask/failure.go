package timedtask

import (
	"sync"

	"golang.org/x/time/rate"
)

// failureLimiter throttles failure logs per task name. Suppressed failures
// are counted and reported with the next log line that gets through.
type failureLimiter struct {
	mu         sync.Mutex
	limit      rate.Limit
	burst      int
	limiters   map[string]*rate.Limiter
	suppressed map[string]int
}

func newFailureLimiter(perSec float64, burst int) *failureLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &failureLimiter{
		limit:      rate.Limit(perSec),
		burst:      burst,
		limiters:   map[string]*rate.Limiter{},
		suppressed: map[string]int{},
	}
}

func (f *failureLimiter) allow(name string) (bool, int) {
	if f == nil || f.limit <= 0 {
		return true, 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	lim := f.limiters[name]
	if lim == nil {
		lim = rate.NewLimiter(f.limit, f.burst)
		f.limiters[name] = lim
	}
	if !lim.Allow() {
		f.suppressed[name]++
		return false, 0
	}
	n := f.suppressed[name]
	delete(f.suppressed, name)
	return true, n
}
