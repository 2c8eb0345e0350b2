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

	"ktf.dev/ktf/pkg/hostarch"
)

// Level names one level of the hierarchy. L1 holds the entries mapping 4K
// pages; the root is L4 on 64-bit and L3 on 32-bit PAE.
type Level int

// Levels.
const (
	L1 Level = iota + 1
	L2
	L3
	L4
)

// MaxLevels is the depth of the deepest supported hierarchy.
const MaxLevels = 4

// String implements fmt.Stringer.String.
func (l Level) String() string {
	switch l {
	case L1:
		return "pte"
	case L2:
		return "pde"
	case L3:
		return "pdpe"
	case L4:
		return "pml4"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

const (
	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	entriesPerPage = 512
)

// Geometry describes the shape of a hierarchy: how many levels it has and
// which address bits each level consumes.
type Geometry struct {
	// Name is a short description for diagnostics.
	Name string

	// Levels is the depth. The root is Level(Levels).
	Levels int

	// VABits is the number of significant virtual address bits.
	VABits uint

	shift   [MaxLevels]uint
	entries [MaxLevels]uint
}

// Geometry64 is the 4-level long mode hierarchy.
var Geometry64 = Geometry{
	Name:    "4-level",
	Levels:  4,
	VABits:  48,
	shift:   [MaxLevels]uint{pteShift, pmdShift, pudShift, pgdShift},
	entries: [MaxLevels]uint{entriesPerPage, entriesPerPage, entriesPerPage, entriesPerPage},
}

// Geometry32 is the 3-level PAE hierarchy. Its root has only four entries.
var Geometry32 = Geometry{
	Name:    "3-level PAE",
	Levels:  3,
	VABits:  32,
	shift:   [MaxLevels]uint{pteShift, pmdShift, pudShift},
	entries: [MaxLevels]uint{entriesPerPage, entriesPerPage, 4},
}

// Root returns the level of the root table.
func (g Geometry) Root() Level {
	return Level(g.Levels)
}

// LargePage returns true if a present entry at level may map a page
// directly. Only pde and non-root pdpe entries can; a PAE pdpte cannot.
func (g Geometry) LargePage(level Level) bool {
	return level == L2 || (level == L3 && level < g.Root())
}

func (g Geometry) checkLevel(level Level) {
	if level < L1 || int(level) > g.Levels {
		panic(fmt.Sprintf("level %d out of range for %s hierarchy", level, g.Name))
	}
}

// Shift returns the position of the lowest address bit consumed by level.
func (g Geometry) Shift(level Level) uint {
	g.checkLevel(level)
	return g.shift[level-1]
}

// Entries returns the number of entries in a table at level.
func (g Geometry) Entries(level Level) uint {
	g.checkLevel(level)
	return g.entries[level-1]
}

// Size returns the number of bytes mapped by one entry at level.
func (g Geometry) Size(level Level) uint64 {
	return 1 << g.Shift(level)
}

// Index returns the index selecting the entry for va in a table at level.
func (g Geometry) Index(va hostarch.Addr, level Level) uint {
	return uint(uint64(va)>>g.Shift(level)) & (g.Entries(level) - 1)
}

// IndexToVirt returns the part of a virtual address contributed by idx at
// level.
func (g Geometry) IndexToVirt(idx uint, level Level) hostarch.Addr {
	if idx >= g.Entries(level) {
		panic(fmt.Sprintf("index %d out of range at %v", idx, level))
	}
	return hostarch.Addr(uint64(idx) << g.Shift(level))
}

// Indices splits va into per-level indices. indices[level-1] is the index
// at level; unused slots are zero.
func (g Geometry) Indices(va hostarch.Addr) (indices [MaxLevels]uint) {
	for l := L1; int(l) <= g.Levels; l++ {
		indices[l-1] = g.Index(va, l)
	}
	return
}

// VirtFromIndex composes the address selected by indices, laid out as
// returned by Indices. Bits below the page size are zero, and on 64-bit the
// result is sign extended to canonical form.
func (g Geometry) VirtFromIndex(indices [MaxLevels]uint) hostarch.Addr {
	var va hostarch.Addr
	for l := L1; int(l) <= g.Levels; l++ {
		va |= g.IndexToVirt(indices[l-1], l)
	}
	return g.canonicalize(va)
}

// canonicalize sign extends va from VABits. PAE addresses are not sign
// extended.
func (g Geometry) canonicalize(va hostarch.Addr) hostarch.Addr {
	if g.VABits == 32 || va&(1<<(g.VABits-1)) == 0 {
		return va
	}
	return va | ^hostarch.Addr(0)<<g.VABits
}

// Canonical returns true if va is representable in this hierarchy.
func (g Geometry) Canonical(va hostarch.Addr) bool {
	if g.VABits == 32 {
		return uint64(va) < 1<<32
	}
	return g.canonicalize(va&(1<<g.VABits-1)) == va
}

// CheckRange returns an error unless every address of [va, va+size) is
// canonical. Ranges may not straddle the non-canonical hole.
func (g Geometry) CheckRange(va hostarch.Addr, size uint64) error {
	if size == 0 {
		return nil
	}
	last := va + hostarch.Addr(size-1)
	ok := last >= va && g.Canonical(va) && g.Canonical(last)
	if ok && g.VABits != 32 {
		// Both ends must be in the same half.
		sign := hostarch.Addr(1) << (g.VABits - 1)
		ok = va&sign == last&sign
	}
	if !ok {
		return fmt.Errorf("range %v size %#x does not fit the %s hierarchy", va, size, g.Name)
	}
	return nil
}

// mustCanonical panics if va is not canonical.
func (g Geometry) mustCanonical(va hostarch.Addr) {
	if !g.Canonical(va) {
		panic(fmt.Sprintf("non-canonical address %v for %s hierarchy", va, g.Name))
	}
}
