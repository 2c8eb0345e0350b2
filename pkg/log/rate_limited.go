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
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// throttledLogger forwards at most one statement per limiter token. Dropped
// statements are counted and the count is appended to the next one that
// gets through.
type throttledLogger struct {
	// next receives statements. If nil, the global logger current at the
	// time of each statement does.
	next       Logger
	limit      *rate.Limiter
	suppressed atomic.Uint64
}

// pass reports whether a statement may be emitted, and if so returns the
// format with any pending suppression count attached.
func (tl *throttledLogger) pass(format string) (string, bool) {
	if !tl.limit.Allow() {
		tl.suppressed.Add(1)
		return "", false
	}
	if n := tl.suppressed.Swap(0); n > 0 {
		format += fmt.Sprintf(" (%d similar suppressed)", n)
	}
	return format, true
}

func (tl *throttledLogger) logger() Logger {
	if tl.next == nil {
		return Log()
	}
	return tl.next
}

func (tl *throttledLogger) Debugf(format string, v ...any) {
	if f, ok := tl.pass(format); ok {
		tl.logger().Debugf(f, v...)
	}
}

func (tl *throttledLogger) Infof(format string, v ...any) {
	if f, ok := tl.pass(format); ok {
		tl.logger().Infof(f, v...)
	}
}

func (tl *throttledLogger) Warningf(format string, v ...any) {
	if f, ok := tl.pass(format); ok {
		tl.logger().Warningf(f, v...)
	}
}

func (tl *throttledLogger) IsLogging(level Level) bool {
	return tl.logger().IsLogging(level)
}

// BasicRateLimitedLogger is RateLimitedLogger on the global logger. The
// global logger is looked up per statement, so SetTarget and SetLevel take
// effect.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return &throttledLogger{limit: rate.NewLimiter(rate.Every(every), 1)}
}

// RateLimitedLogger returns a Logger that emits to logger at most once per
// every. The first statement always passes.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &throttledLogger{
		next:  logger,
		limit: rate.NewLimiter(rate.Every(every), 1),
	}
}
