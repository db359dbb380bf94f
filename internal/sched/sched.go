// Package sched is the single timer primitive behind every debounce window,
// send timeout, retry backoff, and periodic refresh in the sync core. A
// Scheduler owns all outstanding tasks for one component and cancels them on
// teardown, so no callback can fire after its owner is gone.
package sched

import (
	"sync"
	"time"
)

// Clock abstracts wall time and delayed callbacks so tests can substitute a
// fake.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable pending callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the callback was
	// prevented from running.
	Stop() bool
}

type realClock struct{}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Task is a scheduled callback owned by a Scheduler.
type Task struct {
	s        *Scheduler
	mu       sync.Mutex
	timer    Timer
	stopped  bool
	periodic bool
	interval time.Duration
	fn       func()
}

// Stop cancels the task, including future firings of periodic tasks.
func (t *Task) Stop() {
	t.mu.Lock()
	t.stopped = true
	timer := t.timer
	t.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	t.s.forget(t)
}

func (t *Task) fire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.periodic {
		t.timer = t.s.clock.AfterFunc(t.interval, t.fire)
	}
	t.mu.Unlock()

	t.fn()

	if !t.periodic {
		t.s.forget(t)
	}
}

// Scheduler tracks every outstanding task for one component.
type Scheduler struct {
	clock  Clock
	mu     sync.Mutex
	tasks  map[*Task]struct{}
	closed bool
}

// NewScheduler builds a scheduler on the given clock.
func NewScheduler(clock Clock) *Scheduler {
	return &Scheduler{clock: clock, tasks: make(map[*Task]struct{})}
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() Clock { return s.clock }

// After schedules fn once after d. Returns nil if the scheduler is stopped.
func (s *Scheduler) After(d time.Duration, fn func()) *Task {
	return s.schedule(d, fn, false)
}

// Every schedules fn repeatedly with interval d, first firing after d.
func (s *Scheduler) Every(d time.Duration, fn func()) *Task {
	return s.schedule(d, fn, true)
}

func (s *Scheduler) schedule(d time.Duration, fn func(), periodic bool) *Task {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	t := &Task{s: s, periodic: periodic, interval: d, fn: fn}
	s.tasks[t] = struct{}{}
	s.mu.Unlock()

	t.mu.Lock()
	if !t.stopped {
		t.timer = s.clock.AfterFunc(d, t.fire)
	}
	t.mu.Unlock()
	return t
}

// Stop cancels every outstanding task and rejects new ones.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	tasks := make([]*Task, 0, len(s.tasks))
	for t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.tasks = make(map[*Task]struct{})
	s.mu.Unlock()

	for _, t := range tasks {
		t.mu.Lock()
		t.stopped = true
		timer := t.timer
		t.mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *Scheduler) forget(t *Task) {
	s.mu.Lock()
	delete(s.tasks, t)
	s.mu.Unlock()
}

// Sleep blocks for d on the given clock, or until ctx-style done is closed.
// Used by retry loops so backoff delays honor fake clocks in tests.
func Sleep(clock Clock, d time.Duration, done <-chan struct{}) bool {
	if d <= 0 {
		return true
	}
	ch := make(chan struct{})
	timer := clock.AfterFunc(d, func() { close(ch) })
	select {
	case <-ch:
		return true
	case <-done:
		timer.Stop()
		return false
	}
}
