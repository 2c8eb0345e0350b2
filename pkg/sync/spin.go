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

// Package sync provides synchronization primitives for code that must not
// depend on a scheduler beneath it: spinlocks and busy-wait helpers.
package sync

import (
	"sync/atomic"
)

// SpinLock is a test-and-test-and-set lock. Waiters never park; they poll the
// lock word and relax between polls.
//
// The zero value is an unlocked lock.
type SpinLock struct {
	locked atomic.Uint32
}

// Lock acquires l, spinning until it is available.
func (l *SpinLock) Lock() {
	for iter := 0; !l.locked.CompareAndSwap(0, 1); {
		for l.locked.Load() != 0 {
			Relax(iter)
			iter++
		}
	}
}

// TryLock acquires l if it is free and reports whether it did.
func (l *SpinLock) TryLock() bool {
	return l.locked.CompareAndSwap(0, 1)
}

// Unlock releases l.
//
// Unlocking an unlocked SpinLock is a fatal error.
func (l *SpinLock) Unlock() {
	if l.locked.Swap(0) == 0 {
		panic("sync: unlock of unlocked SpinLock")
	}
}

// SpinUntil polls cond, relaxing between polls, until it returns true.
func SpinUntil(cond func() bool) {
	for iter := 0; !cond(); iter++ {
		Relax(iter)
	}
}
