// Copyright 2024 The gVisor Authors.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Check go:linkname function signatures when updating Go version.

package sync

import (
	"runtime"
	_ "unsafe" // for go:linkname
)

//go:linkname canSpin sync.runtime_canSpin
func canSpin(i int) bool

//go:linkname doSpin sync.runtime_doSpin
func doSpin()

// Relax is the busy-wait hint issued between polls of a shared location.
//
// For the first few iterations it executes the processor's spin-wait
// instruction (PAUSE on x86); once spinning is no longer profitable it yields
// the processor instead.
func Relax(iter int) {
	if canSpin(iter) {
		doSpin()
		return
	}
	runtime.Gosched()
}
