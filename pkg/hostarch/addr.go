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

// Package hostarch contains address and frame arithmetic shared by the
// memory, page table and platform discovery packages.
package hostarch

import (
	"fmt"
	"math"
)

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a page in bytes.
	PageSize = 1 << PageShift

	// PageMask masks off the offset within a page.
	PageMask = ^uint64(PageSize - 1)

	// KB and MB are convenience size units.
	KB = 1 << 10
	MB = 1 << 20
)

// Addr is a virtual address.
type Addr uint64

// PhysAddr is a physical address.
type PhysAddr uint64

// Frame is a physical frame number.
type Frame uint64

// InvalidFrame is returned by lookups that fail to resolve a frame.
const InvalidFrame = Frame(math.MaxUint64)

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & Addr(PageMask)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// IsPageAligned returns true if v is aligned to a page boundary.
func (v Addr) IsPageAligned() bool {
	return v&(PageSize-1) == 0
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v) & (PageSize - 1)
}

// String implements fmt.Stringer.String.
func (p PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(p))
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (p PhysAddr) RoundDown() PhysAddr {
	return p & PhysAddr(PageMask)
}

// IsPageAligned returns true if p is aligned to a page boundary.
func (p PhysAddr) IsPageAligned() bool {
	return p&(PageSize-1) == 0
}

// PageOffset returns the offset of p into the current frame.
func (p PhysAddr) PageOffset() uint64 {
	return uint64(p) & (PageSize - 1)
}

// Frame returns the frame containing p.
func (p PhysAddr) Frame() Frame {
	return Frame(p >> PageShift)
}

// Valid returns true if f is not InvalidFrame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Addr returns the physical address of the first byte of f.
func (f Frame) Addr() PhysAddr {
	return PhysAddr(f << PageShift)
}

// String implements fmt.Stringer.String.
func (f Frame) String() string {
	if !f.Valid() {
		return "invalid"
	}
	return fmt.Sprintf("mfn:%#x", uint64(f))
}

// PhysRange is a half-open range of physical addresses.
type PhysRange struct {
	Start PhysAddr
	End   PhysAddr
}

// Length returns the length of the range in bytes.
func (r PhysRange) Length() uint64 {
	return uint64(r.End - r.Start)
}

// Contains returns true if p is inside the range.
func (r PhysRange) Contains(p PhysAddr) bool {
	return r.Start <= p && p < r.End
}

// Overlaps returns true if r and o share at least one byte.
func (r PhysRange) Overlaps(o PhysRange) bool {
	return r.Start < o.End && o.Start < r.End
}

// String implements fmt.Stringer.String.
func (r PhysRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}
