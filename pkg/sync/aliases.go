// Copyright 2024 The gVisor Authors.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd.

package sync

import (
	"sync"
)

type (
	// Mutex is a sleeping lock for hosted state that is never touched from a
	// dispatch loop, such as the frame allocator.
	Mutex = sync.Mutex

	// Locker is satisfied by both Mutex and SpinLock.
	Locker = sync.Locker

	// WaitGroup is an alias of sync.WaitGroup.
	WaitGroup = sync.WaitGroup
)

var _ Locker = (*SpinLock)(nil)
