// Package versionreq repeats the version request until the controller
// answers or an attempt budget runs out.
package versionreq

import (
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/librescoot/scooter-ota/pkg/log"
)

const (
	DefaultInterval    = time.Second
	DefaultMaxAttempts = 10
)

// Scheduler runs fn once after d. The returned function cancels it if it has
// not run yet.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) (cancel func())
}

// ClockScheduler schedules on a k8s clock.
type ClockScheduler struct {
	Clock clock.WithTickerAndDelayedExecution
}

func (s ClockScheduler) Schedule(d time.Duration, fn func()) func() {
	c := s.Clock
	if c == nil {
		c = clock.RealClock{}
	}
	t := c.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// Requester sends Send once on Start and again every Interval while
// Predicate holds, up to MaxAttempts sends in total. When the budget is
// exhausted or Predicate turns false, OnTimeout is called once.
type Requester struct {
	Send      func() error
	Predicate func() bool
	OnTimeout func(attempts int)

	Interval    time.Duration
	MaxAttempts int
	Scheduler   Scheduler
	Logger      log.Logger

	mu       sync.Mutex
	gen      uint64
	attempts int
	running  bool
	stop     func()
}

// Start cancels any previous run and begins a fresh attempt count.
func (r *Requester) Start() {
	r.mu.Lock()
	r.cancelLocked()
	r.gen++
	r.running = true
	r.attempts = 0
	gen := r.gen
	r.mu.Unlock()

	r.send()
	r.schedule(gen)
}

// Cancel abandons the pending check. It is safe to call at any time.
func (r *Requester) Cancel() {
	r.mu.Lock()
	r.cancelLocked()
	r.mu.Unlock()
}

// Attempts returns the number of requests sent by the current run.
func (r *Requester) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Running reports whether a check is pending.
func (r *Requester) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Requester) cancelLocked() {
	if r.stop != nil {
		r.stop()
		r.stop = nil
	}
	r.running = false
}

func (r *Requester) send() {
	r.mu.Lock()
	r.attempts++
	n := r.attempts
	r.mu.Unlock()

	if err := r.Send(); err != nil {
		r.logger().Warn("version request failed", "attempt", n, "error", err)
		return
	}
	r.logger().Debug("version request sent", "attempt", n)
}

func (r *Requester) schedule(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || gen != r.gen {
		return
	}
	r.stop = r.scheduler().Schedule(r.interval(), func() { r.check(gen) })
}

func (r *Requester) check(gen uint64) {
	r.mu.Lock()
	if !r.running || gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.stop = nil
	attempts := r.attempts
	exhausted := attempts >= r.maxAttempts()
	r.mu.Unlock()

	if exhausted || (r.Predicate != nil && !r.Predicate()) {
		r.mu.Lock()
		// Cancel may have raced with the predicate call.
		fire := r.running && gen == r.gen
		r.running = false
		r.mu.Unlock()
		if fire && r.OnTimeout != nil {
			r.OnTimeout(attempts)
		}
		return
	}

	r.send()
	r.schedule(gen)
}

func (r *Requester) interval() time.Duration {
	if r.Interval <= 0 {
		return DefaultInterval
	}
	return r.Interval
}

func (r *Requester) maxAttempts() int {
	if r.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return r.MaxAttempts
}

func (r *Requester) scheduler() Scheduler {
	if r.Scheduler == nil {
		return ClockScheduler{}
	}
	return r.Scheduler
}

func (r *Requester) logger() log.Logger {
	if r.Logger == nil {
		return log.Std()
	}
	return r.Logger
}
