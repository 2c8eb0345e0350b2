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

package log

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	want := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Fatalf("unexpected lines (-want +got):\n%s", diff)
	}
}

func TestAppendsNewline(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("no newline")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}
	want := []string{"no newline", "\n"}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Fatalf("unexpected lines (-want +got):\n%s", diff)
	}
}

func TestEmitWritesWholeLine(t *testing.T) {
	tw := &testWriter{}
	w := &Writer{Next: tw}
	w.Emit(0, Info, time.Time{}, "cpu %d", 3)
	w.Emit(0, Info, time.Time{}, "done\n")
	if diff := cmp.Diff([]string{"cpu 3\n", "done\n"}, tw.lines); diff != "" {
		t.Errorf("unexpected lines (-want +got):\n%s", diff)
	}
}

func TestLevelFiltering(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	l.Warningf("shown %d", 3)
	l.SetLevel(Debug)
	l.Debugf("shown %d", 4)

	got := strings.Join(tw.lines, "")
	want := "shown 2\nshown 3\nshown 4\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestGoogleEmitterFormat(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{Writer: &Writer{Next: tw}}
	ts := time.Date(2024, time.May, 7, 13, 4, 5, 6000, time.UTC)
	e.Emit(0, Warning, ts, "table %s", "APIC")

	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(tw.lines), tw.lines)
	}
	line := tw.lines[0]
	if !strings.HasPrefix(line, "W0507 13:04:05.000006 ") {
		t.Errorf("bad header in %q", line)
	}
	if !strings.Contains(line, "log_test.go:") {
		t.Errorf("caller missing from %q", line)
	}
	if !strings.HasSuffix(line, "] table APIC\n") {
		t.Errorf("bad message in %q", line)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	rl := RateLimitedLogger(&BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}, time.Hour)
	for i := 0; i < 10; i++ {
		rl.Infof("spin %d", i)
	}
	if diff := cmp.Diff([]string{"spin 0\n"}, tw.lines); diff != "" {
		t.Errorf("unexpected lines (-want +got):\n%s", diff)
	}

	// Once the budget refills, the drops are reported.
	rl.(*throttledLogger).limit.SetLimit(rate.Inf)
	rl.Infof("spin %s", "done")
	rl.Infof("quiet")
	want := []string{"spin 0\n", "spin done (9 similar suppressed)\n", "quiet\n"}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("unexpected lines (-want +got):\n%s", diff)
	}
}

func TestBasicRateLimitedLoggerFollowsTarget(t *testing.T) {
	prev := Log()
	t.Cleanup(func() { log.Store(prev) })

	rl := BasicRateLimitedLogger(time.Hour)
	tw := &testWriter{}
	SetTarget(&Writer{Next: tw})
	SetLevel(Info)
	if rl.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = true at Info level")
	}
	SetLevel(Debug)
	if !rl.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false after SetLevel(Debug)")
	}
	rl.Debugf("stalled on %s", "cpu1")
	if diff := cmp.Diff([]string{"stalled on cpu1\n"}, tw.lines); diff != "" {
		t.Errorf("unexpected lines (-want +got):\n%s", diff)
	}
}
