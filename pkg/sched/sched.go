// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sched is a cooperative multi-core task scheduler.
//
// Tasks are bound statically to a core and run to completion by that core's
// dispatch loop. There is no preemption and no time slicing. Every wait is a
// polling loop; the only escape is the global termination flag.
//
// Lock order:
//
//	Scheduler.mu
//	  (no nested locks)
package sched

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"ktf.dev/ktf/pkg/hostarch"
	"ktf.dev/ktf/pkg/log"
	ksync "ktf.dev/ktf/pkg/sync"
)

// FrameAllocator provides the page backing each task record.
type FrameAllocator interface {
	// AllocFrame returns a free frame. Exhaustion is reported as an error
	// the caller may retry after.
	AllocFrame() (hostarch.Frame, error)
}

// stallInterval bounds how often long waits report progress.
const stallInterval = time.Second

// Scheduler owns the global task collection.
type Scheduler struct {
	frames FrameAllocator

	// mu protects the structure of tasks and nextID. It does not protect
	// the fields of individual tasks.
	mu     ksync.SpinLock
	tasks  taskList
	nextID uint64

	terminate atomic.Bool

	// stalls reports waits that are taking a while.
	stalls log.Logger
}

// NewScheduler returns an empty scheduler allocating task records from
// frames.
func NewScheduler(frames FrameAllocator) *Scheduler {
	return &Scheduler{
		frames: frames,
		stalls: log.BasicRateLimitedLogger(stallInterval),
	}
}

// Create allocates a task in StateNew and appends it to the collection.
//
// Allocation failure is returned wrapped; the caller decides whether to
// retry.
func (s *Scheduler) Create() (*Task, error) {
	frame, err := s.frames.AllocFrame()
	if err != nil {
		return nil, fmt.Errorf("allocating task record: %w", err)
	}
	t := &Task{frame: frame}
	t.cpu.Store(InvalidCPU)
	t.setState(StateNew)

	s.mu.Lock()
	t.ID = s.nextID
	s.nextID++
	s.tasks.PushBack(t)
	s.mu.Unlock()

	log.Debugf("sched: created task %d at %v", t.ID, frame)
	return t, nil
}

// Prepare attaches the name, entry point and argument to t and moves it to
// StateReady. t may already be ready, in which case the previous values are
// replaced.
//
// Preconditions: t.State() <= StateReady.
func (s *Scheduler) Prepare(t *Task, name string, fn Func, arg any) {
	if st := t.State(); st > StateReady {
		panic(fmt.Sprintf("prepare of task %v in state %v", t, st))
	}
	if fn == nil {
		panic(fmt.Sprintf("prepare of task %d with nil function", t.ID))
	}
	t.info.Store(&taskInfo{name: name, fn: fn, arg: arg})
	t.setState(StateReady)
}

// New creates and prepares a task.
func (s *Scheduler) New(name string, fn Func, arg any) (*Task, error) {
	t, err := s.Create()
	if err != nil {
		return nil, err
	}
	s.Prepare(t, name, fn, arg)
	return t, nil
}

// find returns the first task, in creation order, satisfying match.
func (s *Scheduler) find(match func(*Task) bool) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t := s.tasks.Front(); t != nil; t = t.Next() {
		if match(t) {
			return t
		}
	}
	return nil
}

// TaskByID returns the task with the given id, or nil.
func (s *Scheduler) TaskByID(id uint64) *Task {
	return s.find(func(t *Task) bool { return t.ID == id })
}

// TaskByName returns the first task with the given name, or nil.
func (s *Scheduler) TaskByName(name string) *Task {
	return s.find(func(t *Task) bool { return t.Name() == name })
}

// TaskForCPU returns the task bound to cpu, or nil.
func (s *Scheduler) TaskForCPU(cpu int) *Task {
	return s.find(func(t *Task) bool { return t.CPU() == cpu })
}

// Tasks returns a snapshot of the collection in creation order.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := make([]*Task, 0, s.tasks.Len())
	for t := s.tasks.Front(); t != nil; t = t.Next() {
		ts = append(ts, t)
	}
	return ts
}

// Schedule binds t to cpu and moves it to StateScheduled.
//
// A core is bound to at most one task for the life of the scheduler.
//
// Preconditions: t.State() == StateReady, cpu >= 0 and no other task is
// bound to cpu.
func (s *Scheduler) Schedule(t *Task, cpu int) {
	if cpu < 0 {
		panic(fmt.Sprintf("schedule of task %v on invalid cpu %d", t, cpu))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st := t.State(); st != StateReady {
		panic(fmt.Sprintf("schedule of task %v in state %v", t, st))
	}
	for o := s.tasks.Front(); o != nil; o = o.Next() {
		if o != t && o.CPU() == cpu {
			panic(fmt.Sprintf("schedule of task %v on cpu %d already bound to task %v", t, cpu, o))
		}
	}
	// The binding must be visible before the state is.
	t.cpu.Store(int64(cpu))
	t.setState(StateScheduled)
	log.Debugf("sched: task %v scheduled on cpu %d", t, cpu)
}

// RunOnce runs the task bound to cpu, if there is one that has not finished.
// It reports whether a task ran.
func (s *Scheduler) RunOnce(cpu int) bool {
	t := s.TaskForCPU(cpu)
	if t == nil || t.State() == StateDone {
		return false
	}
	if !s.WaitState(t, StateScheduled) {
		return false
	}
	info := t.info.Load()

	t.setState(StateRunning)
	log.Debugf("sched: cpu %d running task %v", cpu, t)
	info.fn(t, info.arg)
	t.setState(StateDone)
	log.Debugf("sched: cpu %d finished task %v", cpu, t)
	return true
}

// Run is the dispatch loop of cpu. It returns once Terminate is called.
//
// The calling goroutine is wired to its thread for the duration.
func (s *Scheduler) Run(cpu int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	log.Infof("sched: cpu %d dispatching", cpu)
	for !s.Terminated() {
		s.RunOnce(cpu)
		runtime.Gosched()
	}
	log.Infof("sched: cpu %d stopped", cpu)
}

// Terminate raises the global termination flag. Loops observe it between
// iterations.
func (s *Scheduler) Terminate() {
	s.terminate.Store(true)
}

// Terminated returns true once Terminate has been called.
func (s *Scheduler) Terminated() bool {
	return s.terminate.Load()
}

// WaitState spins until t has reached state st. It returns false if the
// scheduler was terminated first.
func (s *Scheduler) WaitState(t *Task, st State) bool {
	reached := false
	ksync.SpinUntil(func() bool {
		cur := t.State()
		if cur >= st {
			reached = true
			return true
		}
		if s.Terminated() {
			return true
		}
		if s.stalls.IsLogging(log.Debug) {
			s.stalls.Debugf("sched: waiting for task %v to reach %v, currently %v", t, st, cur)
		}
		return false
	})
	return reached
}

// WaitAll spins until every task in the collection is done. Tasks created
// while waiting are waited for too. It returns false if the scheduler was
// terminated first.
func (s *Scheduler) WaitAll() bool {
	for {
		busy := false
		for _, t := range s.Tasks() {
			if t.State() == StateDone {
				continue
			}
			busy = true
			if !s.WaitState(t, StateDone) {
				return false
			}
		}
		if !busy {
			return true
		}
	}
}
