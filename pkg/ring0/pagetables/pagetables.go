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

// Package pagetables provides a generic implementation of pagetables.
//
// The hierarchy is a radix tree of PTEs tables whose depth is given by a
// Geometry. Every walk starts from the table designated by the CR3 value
// last loaded; tables are reached from their parent's frame field through
// the Allocator.
//
// Structures are built during single-threaded initialization and are not
// internally locked.
package pagetables

import (
	"fmt"

	"ktf.dev/ktf/pkg/hostarch"
)

// cr3AddrMask selects the root frame from a CR3 value, dropping the PCID and
// cache control bits.
const cr3AddrMask = addrMask

// PageTables is a set of page tables.
type PageTables struct {
	// Allocator is used to allocate and look up tables.
	Allocator Allocator

	// Geometry is the shape of the hierarchy.
	Geometry Geometry

	// cr3 is the current root register value.
	cr3 uint64
}

// New returns new PageTables with an empty root table loaded into CR3.
func New(a Allocator, g Geometry) (*PageTables, error) {
	root, err := a.NewPTEs()
	if err != nil {
		return nil, err
	}
	p := &PageTables{Allocator: a, Geometry: g}
	p.LoadCR3(uint64(a.PhysicalFor(root)))
	return p, nil
}

// CR3 returns the current root register value.
func (p *PageTables) CR3() uint64 {
	return p.cr3
}

// LoadCR3 switches the root table. Subsequent walks start from the table at
// the frame in cr3.
func (p *PageTables) LoadCR3(cr3 uint64) {
	p.cr3 = cr3
}

// Root returns the root table.
func (p *PageTables) Root() *PTEs {
	root := p.Allocator.LookupPTEs(hostarch.PhysAddr(p.cr3 & cr3AddrMask).Frame())
	if root == nil {
		panic(fmt.Sprintf("CR3 %#x does not designate a page table", p.cr3))
	}
	return root
}

// table returns the table at level governing va, or nil if an intermediate
// entry above it is not present.
func (p *PageTables) table(va hostarch.Addr, level Level) *PTEs {
	g := p.Geometry
	g.checkLevel(level)
	g.mustCanonical(va)

	tab := p.Root()
	for l := g.Root(); l > level; l-- {
		e := g.Entry(tab, va, l)
		if !e.Present() || (e.Super() && g.LargePage(l)) {
			return nil
		}
		if tab = p.Allocator.LookupPTEs(e.Frame()); tab == nil {
			return nil
		}
	}
	return tab
}

// Lookup returns the entry governing va at level, or nil if an intermediate
// table is missing.
func (p *PageTables) Lookup(level Level, va hostarch.Addr) *PTE {
	tab := p.table(va, level)
	if tab == nil {
		return nil
	}
	return p.Geometry.Entry(tab, va, level)
}

// SetEntry walks to level and overwrites the entry governing va with an
// entry for pa and flags.
//
// Precondition: every table above level is present. A missing table is a
// fatal error; tables are not allocated implicitly.
func (p *PageTables) SetEntry(level Level, va hostarch.Addr, pa hostarch.PhysAddr, flags uint64) {
	e := p.Lookup(level, va)
	if e == nil {
		panic(fmt.Sprintf("no %v table for %v", level, va))
	}
	*e = MakePTE(pa, flags)
}

// SetL4 sets the pml4 entry for va.
func (p *PageTables) SetL4(va hostarch.Addr, pa hostarch.PhysAddr, flags uint64) {
	p.SetEntry(L4, va, pa, flags)
}

// SetL3 sets the pdpe entry for va.
func (p *PageTables) SetL3(va hostarch.Addr, pa hostarch.PhysAddr, flags uint64) {
	p.SetEntry(L3, va, pa, flags)
}

// SetL2 sets the pde entry for va.
func (p *PageTables) SetL2(va hostarch.Addr, pa hostarch.PhysAddr, flags uint64) {
	p.SetEntry(L2, va, pa, flags)
}

// SetL1 sets the pte for va. va must be page aligned.
func (p *PageTables) SetL1(va hostarch.Addr, pa hostarch.PhysAddr, flags uint64) {
	if !va.IsPageAligned() {
		panic(fmt.Sprintf("unaligned virtual address %v", va))
	}
	p.SetEntry(L1, va, pa, flags)
}

// GetPTE returns the lowest level entry for va without modifying anything,
// or nil if an intermediate table is missing.
func (p *PageTables) GetPTE(va hostarch.Addr) *PTE {
	return p.Lookup(L1, va)
}

// Translate returns the physical address va maps to. Large pages are honored
// at the levels that support them; the size bit of a PAE root entry is
// ignored.
func (p *PageTables) Translate(va hostarch.Addr) (hostarch.PhysAddr, bool) {
	g := p.Geometry
	g.mustCanonical(va)

	tab := p.Root()
	for l := g.Root(); l >= L1; l-- {
		e := g.Entry(tab, va, l)
		if !e.Present() {
			return 0, false
		}
		if l == L1 || (e.Super() && g.LargePage(l)) {
			offset := uint64(va) & (g.Size(l) - 1)
			return e.Address()&^hostarch.PhysAddr(g.Size(l)-1) + hostarch.PhysAddr(offset), true
		}
		if tab = p.Allocator.LookupPTEs(e.Frame()); tab == nil {
			return 0, false
		}
	}
	panic("unreachable")
}
