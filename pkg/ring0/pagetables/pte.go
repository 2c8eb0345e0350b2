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

package pagetables

import (
	"fmt"
	"strings"

	"ktf.dev/ktf/pkg/hostarch"
)

// Bits in page table entries.
const (
	Present        = 0x001
	Writable       = 0x002
	User           = 0x004
	WriteThrough   = 0x008
	CacheDisable   = 0x010
	Accessed       = 0x020
	Dirty          = 0x040
	Super          = 0x080
	Global         = 0x100
	ExecuteDisable = 1 << 63
)

const (
	// flagsMask covers every bit an entry may carry besides the frame.
	flagsMask = 0xfff | ExecuteDisable

	// addrMask selects the frame field, bits 12 through 51.
	addrMask = 0x000ffffffffff000
)

// PTE is a page table entry at any level.
//
// The same value is read three ways: as raw bits, as an address plus flags,
// and through the named bit accessors below.
type PTE uint64

// MakePTE builds an entry for pa. The address is aligned down to its frame
// and anything outside the frame field is dropped; flags outside the legal
// set are dropped too.
func MakePTE(pa hostarch.PhysAddr, flags uint64) PTE {
	return PTE(uint64(pa)&addrMask | flags&flagsMask)
}

// MakePTEFromFrame builds an entry for frame f.
func MakePTEFromFrame(f hostarch.Frame, flags uint64) PTE {
	return MakePTE(f.Addr(), flags)
}

// Raw returns the entry bits.
func (p PTE) Raw() uint64 {
	return uint64(p)
}

// Address returns the physical address in the frame field.
func (p PTE) Address() hostarch.PhysAddr {
	return hostarch.PhysAddr(uint64(p) & addrMask)
}

// Frame returns the frame in the frame field.
func (p PTE) Frame() hostarch.Frame {
	return p.Address().Frame()
}

// Flags returns the non-address bits.
func (p PTE) Flags() uint64 {
	return uint64(p) & flagsMask
}

// Present returns true if the entry is valid.
func (p PTE) Present() bool { return p&Present != 0 }

// Writable returns true if writes are allowed.
func (p PTE) Writable() bool { return p&Writable != 0 }

// User returns true if user mode may access the mapping.
func (p PTE) User() bool { return p&User != 0 }

// WriteThrough returns true if the PWT bit is set.
func (p PTE) WriteThrough() bool { return p&WriteThrough != 0 }

// CacheDisable returns true if the PCD bit is set.
func (p PTE) CacheDisable() bool { return p&CacheDisable != 0 }

// Accessed returns true if the accessed bit is set.
func (p PTE) Accessed() bool { return p&Accessed != 0 }

// Dirty returns true if the dirty bit is set.
func (p PTE) Dirty() bool { return p&Dirty != 0 }

// Super returns true if this entry maps a large page rather than pointing
// at the next level.
func (p PTE) Super() bool { return p&Super != 0 }

// Global returns true if the global bit is set.
func (p PTE) Global() bool { return p&Global != 0 }

// NoExecute returns true if instruction fetches are disallowed.
func (p PTE) NoExecute() bool { return p&ExecuteDisable != 0 }

// MemoryType returns the caching mode selected by the PWT and PCD bits.
func (p PTE) MemoryType() hostarch.MemoryType {
	switch {
	case p.CacheDisable():
		return hostarch.MemoryTypeUncached
	case p.WriteThrough():
		return hostarch.MemoryTypeWriteThrough
	default:
		return hostarch.MemoryTypeWriteBack
	}
}

// CacheFlags returns the PWT and PCD bits selecting mt.
func CacheFlags(mt hostarch.MemoryType) uint64 {
	switch mt {
	case hostarch.MemoryTypeUncached:
		return CacheDisable | WriteThrough
	case hostarch.MemoryTypeWriteThrough:
		return WriteThrough
	default:
		return 0
	}
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	if !p.Present() {
		return fmt.Sprintf("%#016x (not present)", p.Raw())
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%v ", p.Address())
	bit := func(set bool, c byte) {
		if set {
			b.WriteByte(c)
		} else {
			b.WriteByte('-')
		}
	}
	bit(p.Writable(), 'w')
	bit(p.User(), 'u')
	bit(p.Accessed(), 'a')
	bit(p.Dirty(), 'd')
	bit(p.Global(), 'g')
	bit(p.Super(), 's')
	bit(p.NoExecute(), 'x')
	fmt.Fprintf(&b, " %s", p.MemoryType().ShortString())
	return b.String()
}
