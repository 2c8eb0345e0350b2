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

package sched

import (
	"fmt"
	"sync/atomic"

	"ktf.dev/ktf/pkg/hostarch"
)

// State is the lifecycle state of a task. States only move forward.
type State uint32

// Task states.
const (
	StateNew State = iota
	StateReady
	StateScheduled
	StateRunning
	StateDone
)

var stateNames = [...]string{
	StateNew:       "NEW",
	StateReady:     "READY",
	StateScheduled: "SCHEDULED",
	StateRunning:   "RUNNING",
	StateDone:      "DONE",
}

// String implements fmt.Stringer.String.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// InvalidCPU marks a task not bound to any core.
const InvalidCPU = -1

// Func is the entry point of a task.
type Func func(t *Task, arg any)

// taskInfo is what Prepare attaches to a task. It is replaced as a whole so
// readers never see a half-written name and function.
type taskInfo struct {
	name string
	fn   Func
	arg  any
}

// Task is a cooperative, run-to-completion unit of work.
//
// The lifecycle state, the core binding and the prepared info are each
// accessed atomically. A write to state is a release of every field written
// before it, and a read of state acquires them, so a core that observes
// StateScheduled also observes the info and core set before the transition.
type Task struct {
	taskEntry

	// ID is unique and increases in creation order. It is immutable.
	ID uint64

	// frame backs the task record.
	frame hostarch.Frame

	info  atomic.Pointer[taskInfo]
	cpu   atomic.Int64
	state atomic.Uint32
}

// State returns the current state.
func (t *Task) State() State {
	return State(t.state.Load())
}

// setState publishes a transition. Transitions are strictly forward.
func (t *Task) setState(s State) {
	old := State(t.state.Swap(uint32(s)))
	if s < old {
		panic(fmt.Sprintf("task %v moved backwards from %v to %v", t, old, s))
	}
}

// Name returns the name given by Prepare.
func (t *Task) Name() string {
	if info := t.info.Load(); info != nil {
		return info.name
	}
	return ""
}

// CPU returns the core the task is bound to, or InvalidCPU.
func (t *Task) CPU() int {
	return int(t.cpu.Load())
}

// Frame returns the frame backing the task record.
func (t *Task) Frame() hostarch.Frame {
	return t.frame
}

// String implements fmt.Stringer.String.
func (t *Task) String() string {
	return fmt.Sprintf("%s[%d]", t.Name(), t.ID)
}
