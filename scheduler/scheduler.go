// Package scheduler runs delayed, cancellable tasks on a clock.Clock. Manual
// gives tests a mock clock they advance by hand.
package scheduler

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Task is a scheduled function.
type Task interface {
	// Cancel stops the task. It reports false if the task already ran or
	// was cancelled.
	Cancel() bool
}

// Scheduler runs fn after d.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Task
	Now() time.Time
}

var wall = clock.New()

// Real schedules on the wall clock.
type Real struct{}

type timerTask struct {
	t *clock.Timer
}

func (t timerTask) Cancel() bool {
	return t.t.Stop()
}

func (Real) AfterFunc(d time.Duration, fn func()) Task {
	return timerTask{t: wall.AfterFunc(d, fn)}
}

func (Real) Now() time.Time {
	return wall.Now()
}

type manualTask struct {
	m         *Manual
	due       time.Time
	timer     *clock.Timer
	fn        func()
	done      bool
	cancelled bool
}

func (t *manualTask) Cancel() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.done || t.cancelled {
		return false
	}
	t.cancelled = true
	t.timer.Stop()
	t.m.removeLocked(t)
	return true
}

// Manual is a deterministic scheduler on a clock.Mock. Time only moves on
// Advance, and due tasks run on the caller's goroutine in due order, ties
// in scheduling order.
type Manual struct {
	clock *clock.Mock

	mu    sync.Mutex
	tasks []*manualTask
}

func NewManual(start time.Time) *Manual {
	mock := clock.NewMock()
	mock.Set(start)
	return &Manual{clock: mock}
}

// Clock exposes the mock so callers can share its time source.
func (m *Manual) Clock() *clock.Mock {
	return m.clock
}

func (m *Manual) Now() time.Time {
	return m.clock.Now()
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTask{m: m, due: m.clock.Now().Add(d), fn: fn}
	t.timer = m.clock.Timer(d)
	m.tasks = append(m.tasks, t)
	return t
}

func (m *Manual) removeLocked(t *manualTask) {
	for i, x := range m.tasks {
		if x == t {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			return
		}
	}
}

func (m *Manual) nextDue() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next time.Time
	for i, t := range m.tasks {
		if i == 0 || t.due.Before(next) {
			next = t.due
		}
	}
	return next, len(m.tasks) > 0
}

// runFired runs every task whose timer has fired. A task cancelled by an
// earlier one in the same pass is skipped.
func (m *Manual) runFired() {
	m.mu.Lock()
	snapshot := append([]*manualTask(nil), m.tasks...)
	m.mu.Unlock()

	for _, t := range snapshot {
		select {
		case <-t.timer.C:
		default:
			continue
		}
		m.mu.Lock()
		if t.cancelled {
			m.mu.Unlock()
			continue
		}
		t.done = true
		m.removeLocked(t)
		m.mu.Unlock()
		t.fn()
	}
}

// Advance moves the clock forward by d, running due tasks in order. Tasks
// scheduled by running tasks also run if they fall due within d.
func (m *Manual) Advance(d time.Duration) {
	target := m.clock.Now().Add(d)
	for {
		next, ok := m.nextDue()
		if !ok || next.After(target) {
			break
		}
		if next.After(m.clock.Now()) {
			m.clock.Set(next)
		} else {
			m.clock.Add(0)
		}
		m.runFired()
	}
	m.clock.Set(target)
}

// Pending returns the number of scheduled tasks.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}
