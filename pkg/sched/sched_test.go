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

package sched_test

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"ktf.dev/ktf/pkg/hostarch"
	"ktf.dev/ktf/pkg/physmem"
	"ktf.dev/ktf/pkg/sched"
)

func newScheduler(t *testing.T) (*sched.Scheduler, *physmem.Memory) {
	t.Helper()
	mem, err := physmem.New(2 * hostarch.MB)
	if err != nil {
		t.Fatalf("physmem.New failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	return sched.NewScheduler(mem), mem
}

func expectPanic(t *testing.T, substr string, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatalf("no panic, want one containing %q", substr)
		}
		if got := fmt.Sprint(r); !strings.Contains(got, substr) {
			t.Errorf("panic %q does not contain %q", got, substr)
		}
	}()
	fn()
}

func nop(*sched.Task, any) {}

func mustNew(t *testing.T, s *sched.Scheduler, name string, fn sched.Func, arg any) *sched.Task {
	t.Helper()
	task, err := s.New(name, fn, arg)
	if err != nil {
		t.Fatalf("New(%q) failed: %v", name, err)
	}
	return task
}

func TestStateString(t *testing.T) {
	for _, tc := range []struct {
		state sched.State
		want  string
	}{
		{sched.StateNew, "NEW"},
		{sched.StateReady, "READY"},
		{sched.StateScheduled, "SCHEDULED"},
		{sched.StateRunning, "RUNNING"},
		{sched.StateDone, "DONE"},
		{sched.State(9), "State(9)"},
	} {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", uint32(tc.state), got, tc.want)
		}
	}
}

func TestCreate(t *testing.T) {
	s, mem := newScheduler(t)
	a, err := s.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	b, err := s.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if a.ID >= b.ID {
		t.Errorf("ids not increasing: %d then %d", a.ID, b.ID)
	}
	if got := a.State(); got != sched.StateNew {
		t.Errorf("State() = %v, want NEW", got)
	}
	if got := a.CPU(); got != sched.InvalidCPU {
		t.Errorf("CPU() = %d, want %d", got, sched.InvalidCPU)
	}
	if a.Frame() == b.Frame() || !mem.FrameValid(a.Frame()) {
		t.Errorf("bad task frames %v and %v", a.Frame(), b.Frame())
	}
	if got := mem.Allocated(); got != 2 {
		t.Errorf("Allocated() = %d, want 2", got)
	}
}

func TestCreateOutOfMemory(t *testing.T) {
	s, mem := newScheduler(t)
	mem.SetLimit(1)
	if _, err := s.Create(); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	task, err := s.Create()
	if !errors.Is(err, physmem.ErrNoMemory) {
		t.Fatalf("Create = %v, want ErrNoMemory", err)
	}
	if task != nil {
		t.Errorf("Create returned task %v on failure", task)
	}
	if got := len(s.Tasks()); got != 1 {
		t.Errorf("len(Tasks()) = %d, want 1", got)
	}

	// The condition is recoverable.
	mem.SetLimit(0)
	if _, err := s.Create(); err != nil {
		t.Errorf("Create after raising limit failed: %v", err)
	}
}

func TestPrepare(t *testing.T) {
	s, _ := newScheduler(t)
	task, err := s.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	s.Prepare(task, "first", nop, nil)
	if got := task.State(); got != sched.StateReady {
		t.Errorf("State() = %v, want READY", got)
	}

	// Preparing again while READY replaces the name.
	s.Prepare(task, "second", nop, nil)
	if got := task.Name(); got != "second" {
		t.Errorf("Name() = %q, want second", got)
	}

	s.Schedule(task, 0)
	expectPanic(t, "prepare of task", func() { s.Prepare(task, "third", nop, nil) })
}

func TestScheduleNotReady(t *testing.T) {
	s, _ := newScheduler(t)
	task, err := s.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	expectPanic(t, "in state NEW", func() { s.Schedule(task, 0) })
	if got := task.CPU(); got != sched.InvalidCPU {
		t.Errorf("CPU() = %d after rejected Schedule, want %d", got, sched.InvalidCPU)
	}

	s.Prepare(task, "t", nop, nil)
	s.Schedule(task, 0)
	expectPanic(t, "in state SCHEDULED", func() { s.Schedule(task, 1) })
}

func TestScheduleBoundCPU(t *testing.T) {
	s, _ := newScheduler(t)
	a := mustNew(t, s, "a", nop, nil)
	b := mustNew(t, s, "b", nop, nil)
	s.Schedule(a, 3)
	expectPanic(t, "already bound", func() { s.Schedule(b, 3) })
	expectPanic(t, "invalid cpu", func() { s.Schedule(b, -1) })
	s.Schedule(b, 4)
}

func TestLookup(t *testing.T) {
	s, _ := newScheduler(t)
	a := mustNew(t, s, "alpha", nop, nil)
	b := mustNew(t, s, "beta", nop, nil)
	dup := mustNew(t, s, "alpha", nop, nil)
	s.Schedule(b, 1)

	if got := s.TaskByID(b.ID); got != b {
		t.Errorf("TaskByID(%d) = %v, want %v", b.ID, got, b)
	}
	if got := s.TaskByID(1000); got != nil {
		t.Errorf("TaskByID(1000) = %v, want nil", got)
	}
	if got := s.TaskByName("alpha"); got != a {
		t.Errorf("TaskByName(alpha) = %v, want first match %v", got, a)
	}
	if got := s.TaskByName("gamma"); got != nil {
		t.Errorf("TaskByName(gamma) = %v, want nil", got)
	}
	if got := s.TaskForCPU(1); got != b {
		t.Errorf("TaskForCPU(1) = %v, want %v", got, b)
	}
	if got := s.TaskForCPU(0); got != nil {
		t.Errorf("TaskForCPU(0) = %v, want nil", got)
	}

	var ids []uint64
	for _, task := range s.Tasks() {
		ids = append(ids, task.ID)
	}
	if diff := cmp.Diff([]uint64{a.ID, b.ID, dup.ID}, ids); diff != "" {
		t.Errorf("Tasks() order mismatch (-want +got):\n%s", diff)
	}
}

// TestLifecycle drives one task through its states while another goroutine
// polls it as fast as it can.
func TestLifecycle(t *testing.T) {
	s, _ := newScheduler(t)

	release := make(chan struct{})
	var ran atomic.Int32
	task := mustNew(t, s, "lifecycle", func(_ *sched.Task, arg any) {
		<-release
		ran.Add(int32(arg.(int)))
	}, 5)

	// The poller records every distinct state it sees.
	var (
		seen []sched.State
		wg   sync.WaitGroup
	)
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		last := sched.State(^uint32(0))
		for {
			st := task.State()
			if st != last {
				seen = append(seen, st)
				last = st
			}
			if st == sched.StateDone {
				return
			}
			select {
			case <-stop:
				return
			default:
			}
		}
	}()

	var observed []sched.State
	observe := func(want sched.State) {
		t.Helper()
		deadline := time.Now().Add(10 * time.Second)
		for task.State() != want {
			if time.Now().After(deadline) {
				close(stop)
				t.Fatalf("task stuck in %v waiting for %v", task.State(), want)
			}
			time.Sleep(time.Millisecond)
		}
		observed = append(observed, want)
	}

	observe(sched.StateReady)
	s.Schedule(task, 0)
	observe(sched.StateScheduled)

	done := make(chan bool)
	go func() { done <- s.RunOnce(0) }()
	observe(sched.StateRunning)
	close(release)
	if !<-done {
		t.Errorf("RunOnce(0) = false, want true")
	}
	observe(sched.StateDone)
	wg.Wait()

	want := []sched.State{sched.StateReady, sched.StateScheduled, sched.StateRunning, sched.StateDone}
	if diff := cmp.Diff(want, observed); diff != "" {
		t.Errorf("observed states mismatch (-want +got):\n%s", diff)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Errorf("poller saw %v after %v", seen[i], seen[i-1])
		}
	}
	if got := ran.Load(); got != 5 {
		t.Errorf("task ran with %d, want 5", got)
	}

	// A finished task is not run again.
	if s.RunOnce(0) {
		t.Errorf("RunOnce(0) ran a finished task")
	}
}

func TestRunOnceNoTask(t *testing.T) {
	s, _ := newScheduler(t)
	mustNew(t, s, "unbound", nop, nil)
	if s.RunOnce(0) {
		t.Errorf("RunOnce(0) = true with no bound task")
	}
}

func TestRunAndWaitAll(t *testing.T) {
	s, _ := newScheduler(t)
	const cpus = 4
	var sum atomic.Int64
	for i := 0; i < cpus; i++ {
		task := mustNew(t, s, fmt.Sprintf("task%d", i), func(_ *sched.Task, arg any) {
			sum.Add(int64(arg.(int)))
		}, i+1)
		s.Schedule(task, i)
	}

	var wg sync.WaitGroup
	for cpu := 0; cpu < cpus; cpu++ {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			s.Run(cpu)
		}(cpu)
	}

	if !s.WaitAll() {
		t.Errorf("WaitAll() = false, want true")
	}
	s.Terminate()
	wg.Wait()

	if got := sum.Load(); got != 1+2+3+4 {
		t.Errorf("sum = %d, want 10", got)
	}
	for _, task := range s.Tasks() {
		if got := task.State(); got != sched.StateDone {
			t.Errorf("task %v in state %v, want DONE", task, got)
		}
	}
}

func TestWaitAllTerminate(t *testing.T) {
	s, _ := newScheduler(t)
	// Never scheduled, so never done.
	stuck := mustNew(t, s, "stuck", nop, nil)

	done := make(chan bool)
	go func() { done <- s.WaitAll() }()

	time.Sleep(10 * time.Millisecond)
	s.Terminate()
	select {
	case got := <-done:
		if got {
			t.Errorf("WaitAll() = true after Terminate, want false")
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("WaitAll did not observe Terminate")
	}
	if got := stuck.State(); got != sched.StateReady {
		t.Errorf("stuck task in state %v, want READY", got)
	}
}

func TestWaitAllEmpty(t *testing.T) {
	s, _ := newScheduler(t)
	if !s.WaitAll() {
		t.Errorf("WaitAll() = false on empty scheduler")
	}
}

func TestWaitState(t *testing.T) {
	s, _ := newScheduler(t)
	task := mustNew(t, s, "t", nop, nil)
	// Already past the target.
	if !s.WaitState(task, sched.StateNew) {
		t.Errorf("WaitState(NEW) = false for a READY task")
	}
	s.Terminate()
	if s.WaitState(task, sched.StateDone) {
		t.Errorf("WaitState(DONE) = true after Terminate")
	}
	if !s.Terminated() {
		t.Errorf("Terminated() = false after Terminate")
	}
}
