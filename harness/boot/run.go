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

package boot

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"
	"ktf.dev/ktf/harness/config"
	"ktf.dev/ktf/pkg/acpi"
	"ktf.dev/ktf/pkg/log"
	"ktf.dev/ktf/pkg/sched"
)

// TaskReport describes one task after the run.
type TaskReport struct {
	ID     uint64 `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	CPU    int    `json:"cpu" yaml:"cpu"`
	State  string `json:"state" yaml:"state"`
	Output string `json:"output,omitempty" yaml:"output,omitempty"`
}

// Report is the outcome of a boot.
type Report struct {
	Paging     string           `json:"paging" yaml:"paging"`
	Memory     uint64           `json:"memory" yaml:"memory"`
	Tables     []string         `json:"tables" yaml:"tables"`
	Processors []acpi.Processor `json:"processors" yaml:"processors"`
	Tasks      []TaskReport     `json:"tasks" yaml:"tasks"`

	// Completed is false if the run was terminated before every task
	// finished.
	Completed bool          `json:"completed" yaml:"completed"`
	Elapsed   time.Duration `json:"elapsed" yaml:"elapsed"`
}

// Boot sets up a machine, runs one task per enabled processor and tears the
// machine down.
func Boot(ctx context.Context, conf *config.Config) (*Report, error) {
	m, err := Setup(conf)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	return m.Run(ctx)
}

// Run creates a task for every enabled processor, dispatches them and waits
// for all of them, terminating the dispatch loops on timeout or when ctx is
// done.
func (m *Machine) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	procs := m.Processors()

	// Only task records count against the cap.
	if m.conf.TaskFrames != 0 {
		m.Mem.SetLimit(m.Mem.Allocated() + m.conf.TaskFrames)
		defer m.Mem.SetLimit(0)
	}

	s := sched.NewScheduler(m.Mem)
	for _, p := range procs {
		t, err := m.createTask(s, p)
		if err != nil {
			return nil, err
		}
		s.Schedule(t, int(p.ID))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range procs {
		cpu := int(p.ID)
		g.Go(func() error {
			s.Run(cpu)
			return nil
		})
	}

	done := make(chan bool, 1)
	go func() { done <- s.WaitAll() }()

	var timeout <-chan time.Time
	if m.conf.Timeout > 0 {
		timer := time.NewTimer(m.conf.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var completed bool
	select {
	case completed = <-done:
	case <-timeout:
		log.Warningf("Tasks did not finish within %v, terminating", m.conf.Timeout)
		s.Terminate()
		completed = <-done
	case <-gctx.Done():
		log.Warningf("Boot cancelled: %v", gctx.Err())
		s.Terminate()
		completed = <-done
	}
	s.Terminate()
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r := &Report{
		Paging:     m.PT.Geometry.Name,
		Memory:     m.Mem.Size(),
		Processors: procs,
		Completed:  completed,
		Elapsed:    time.Since(start),
	}
	for _, t := range m.ACPI.Tables() {
		r.Tables = append(r.Tables, t.Signature.String())
	}
	for _, t := range s.Tasks() {
		tr := TaskReport{
			ID:    t.ID,
			Name:  t.Name(),
			CPU:   t.CPU(),
			State: t.State().String(),
		}
		if t.State() == sched.StateDone {
			tr.Output = m.taskOutput(t)
		}
		r.Tasks = append(r.Tasks, tr)
	}
	return r, nil
}

// createTask creates the task of processor p, retrying while memory is
// exhausted.
func (m *Machine) createTask(s *sched.Scheduler, p acpi.Processor) (*sched.Task, error) {
	name := fmt.Sprintf("cpu%d", p.ID)
	var t *sched.Task
	op := func() error {
		var err error
		t, err = s.New(name, m.greet, p)
		return err
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(m.conf.CreateBackoff), uint64(m.conf.CreateRetries))
	notify := func(err error, d time.Duration) {
		log.Warningf("Creating task %q failed, retrying in %v: %v", name, d, err)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, fmt.Errorf("creating task %q: %w", name, err)
	}
	return t, nil
}

// greet is the task run on every processor. It leaves a message in the task
// record.
func (m *Machine) greet(t *sched.Task, arg any) {
	p := arg.(acpi.Processor)
	msg := fmt.Sprintf("hello from processor %d, APIC ID %d", p.ID, p.APICID)
	if p.BSP {
		msg += " (BSP)"
	}
	copy(m.Mem.FrameBytes(t.Frame()), msg)
	log.Infof("Task %v: %s", t, msg)
}

// taskOutput returns the message left by greet.
func (m *Machine) taskOutput(t *sched.Task) string {
	rec := m.Mem.FrameBytes(t.Frame())
	if i := bytes.IndexByte(rec, 0); i >= 0 {
		rec = rec[:i]
	}
	return string(rec)
}
