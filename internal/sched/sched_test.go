package sched

import (
	"testing"
	"time"
)

func TestFakeClockFiresInDeadlineOrder(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	var order []string
	clock.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	clock.AfterFunc(time.Second, func() { order = append(order, "a") })
	clock.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	clock.Advance(5 * time.Second)

	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("unexpected firing order %v", order)
	}
	if clock.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", clock.Pending())
	}
}

func TestFakeClockStopPreventsFiring(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	fired := false
	timer := clock.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("Stop on armed timer should report true")
	}
	clock.Advance(2 * time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
}

func TestSchedulerEveryReschedules(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := NewScheduler(clock)

	count := 0
	s.Every(time.Minute, func() { count++ })

	clock.Advance(3 * time.Minute)
	if count != 3 {
		t.Fatalf("expected 3 periodic firings, got %d", count)
	}
}

func TestSchedulerStopCancelsEverything(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := NewScheduler(clock)

	fired := 0
	s.After(time.Second, func() { fired++ })
	s.Every(time.Second, func() { fired++ })

	s.Stop()
	clock.Advance(10 * time.Second)
	if fired != 0 {
		t.Fatalf("tasks fired after Stop: %d", fired)
	}

	if task := s.After(time.Second, func() { fired++ }); task != nil {
		t.Fatal("stopped scheduler should reject new tasks")
	}
}

func TestTaskStopHaltsPeriodic(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := NewScheduler(clock)

	count := 0
	task := s.Every(time.Second, func() { count++ })

	clock.Advance(2 * time.Second)
	task.Stop()
	clock.Advance(5 * time.Second)

	if count != 2 {
		t.Fatalf("expected 2 firings before Stop, got %d", count)
	}
}

func TestSleepHonorsDone(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	if !Sleep(clock, 0, nil) {
		t.Fatal("zero duration sleep should complete immediately")
	}

	done := make(chan struct{})
	close(done)
	if Sleep(clock, time.Hour, done) {
		t.Fatal("sleep should abort when done is closed")
	}

	completed := make(chan bool, 1)
	go func() { completed <- Sleep(clock, time.Second, nil) }()
	// Wait for the sleeper to arm its timer before advancing.
	for clock.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}
	clock.Advance(time.Second)
	if !<-completed {
		t.Fatal("sleep should complete after the clock advances past it")
	}
}
