// Package lifecycle provides the host's one-shot shutdown signal.
//
// Components that must stop when the host shuts down subscribe with
// OnShutdown at construction time. The host fires the signal exactly once.
package lifecycle

import (
	"sync"
)

type StopReason string

const (
	StopUnknown     StopReason = "unknown"
	StopSIGINT      StopReason = "sigint"
	StopSIGTERM     StopReason = "sigterm"
	StopFatalError  StopReason = "fatal_error"
	StopAppStop     StopReason = "app_stop"
	StopConfigError StopReason = "config_error"
)

// Shutdown is an ordered list of subscribers invoked once when the host stops.
// The zero value is ready to use.
type Shutdown struct {
	mu     sync.Mutex
	subs   []func()
	fired  bool
	reason StopReason
	done   chan struct{}
}

func NewShutdown() *Shutdown {
	return &Shutdown{done: make(chan struct{})}
}

func (s *Shutdown) doneLocked() chan struct{} {
	if s.done == nil {
		s.done = make(chan struct{})
	}
	return s.done
}

// OnShutdown appends fn to the subscriber list. If the signal already fired,
// fn runs immediately on the caller's goroutine.
func (s *Shutdown) OnShutdown(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	if s.fired {
		s.mu.Unlock()
		fn()
		return
	}
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// Fire runs every subscriber in subscription order. Only the first call has an
// effect; it reports whether this call fired the signal.
func (s *Shutdown) Fire(reason StopReason) bool {
	s.mu.Lock()
	if s.fired {
		s.mu.Unlock()
		return false
	}
	s.fired = true
	if reason == "" {
		reason = StopUnknown
	}
	s.reason = reason
	subs := s.subs
	s.subs = nil
	done := s.doneLocked()
	s.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
	close(done)
	return true
}

// Fired is closed after Fire has run all subscribers.
func (s *Shutdown) Fired() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doneLocked()
}

// Reason returns the reason passed to Fire, or "" if it has not fired.
func (s *Shutdown) Reason() StopReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}
