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
	"io"

	"ktf.dev/ktf/pkg/hostarch"
	"ktf.dev/ktf/pkg/log"
)

// addrEnd returns the next boundary of size after addr, or end if that comes
// earlier. size is a power of two.
func addrEnd(addr, end hostarch.Addr, size uint64) hostarch.Addr {
	next := (addr + hostarch.Addr(size)) &^ hostarch.Addr(size-1)
	if next < addr || next > end {
		return end
	}
	return next
}

// intermediateFlags are the flags given to entries pointing at tables
// allocated by Map. Leaf entries carry the restrictive bits.
const intermediateFlags = Present | Writable | User

// Map installs 4K mappings for [va, va+size) to [pa, pa+size), allocating
// missing intermediate tables. Existing leaf entries are overwritten.
//
// va, pa and size must be page aligned. Map is how tables get populated at
// initialization; SetEntry afterwards never allocates.
func (p *PageTables) Map(va hostarch.Addr, pa hostarch.PhysAddr, size uint64, flags uint64) error {
	if !va.IsPageAligned() || !pa.IsPageAligned() || size%hostarch.PageSize != 0 {
		panic(fmt.Sprintf("unaligned mapping %v -> %v size %#x", va, pa, size))
	}
	if size == 0 {
		return nil
	}
	end := va + hostarch.Addr(size)
	if end <= va {
		panic(fmt.Sprintf("mapping %v size %#x wraps", va, size))
	}
	g := p.Geometry
	g.mustCanonical(va)
	g.mustCanonical(end - 1)
	log.Debugf("pagetables: map %v-%v -> %v flags %#x", va, end, pa, flags)
	return p.mapLevel(p.Root(), g.Root(), va, end, pa, flags, true)
}

// Prepare allocates every table needed to map [va, va+size) with SetL1,
// leaving the leaf entries themselves absent. It returns an error if the
// range does not fit the hierarchy.
func (p *PageTables) Prepare(va hostarch.Addr, size uint64) error {
	if !va.IsPageAligned() || size%hostarch.PageSize != 0 {
		panic(fmt.Sprintf("unaligned range %v size %#x", va, size))
	}
	if err := p.Geometry.CheckRange(va, size); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	log.Debugf("pagetables: prepare %v-%v", va, va+hostarch.Addr(size))
	return p.mapLevel(p.Root(), p.Geometry.Root(), va, va+hostarch.Addr(size), 0, 0, false)
}

// mapLevel fills [start, end) below tab. With leaves false it stops at the
// L1 tables.
func (p *PageTables) mapLevel(tab *PTEs, level Level, start, end hostarch.Addr, pa hostarch.PhysAddr, flags uint64, leaves bool) error {
	g := p.Geometry
	if level == L1 && !leaves {
		return nil
	}
	for start < end {
		e := g.Entry(tab, start, level)
		if level == L1 {
			*e = MakePTE(pa, flags|Present)
			start += hostarch.PageSize
			pa += hostarch.PageSize
			continue
		}

		next := addrEnd(start, end, g.Size(level))
		var child *PTEs
		switch {
		case !e.Present():
			var err error
			if child, err = p.Allocator.NewPTEs(); err != nil {
				return err
			}
			*e = MakePTE(p.Allocator.PhysicalFor(child), intermediateFlags)
		case e.Super() && g.LargePage(level):
			panic(fmt.Sprintf("%v entry for %v maps a large page", level, start))
		default:
			child = p.Allocator.LookupPTEs(e.Frame())
		}
		if err := p.mapLevel(child, level-1, start, next, pa, flags, leaves); err != nil {
			return err
		}
		pa += hostarch.PhysAddr(next - start)
		start = next
	}
	return nil
}

// Visitor is called for each present leaf entry by Walk.
type Visitor func(va hostarch.Addr, level Level, pte PTE) bool

// Walk calls fn for every present leaf entry in index order. A leaf is an
// L1 entry or a large page. Walk stops when fn returns false.
func (p *PageTables) Walk(fn Visitor) {
	var idx [MaxLevels]uint
	p.walkLevel(p.Root(), p.Geometry.Root(), &idx, fn)
}

func (p *PageTables) walkLevel(tab *PTEs, level Level, idx *[MaxLevels]uint, fn Visitor) bool {
	g := p.Geometry
	for i := uint(0); i < g.Entries(level); i++ {
		e := tab[i]
		if !e.Present() {
			continue
		}
		idx[level-1] = i
		if level == L1 || (e.Super() && g.LargePage(level)) {
			// Indices below a leaf are zero.
			for l := L1; l < level; l++ {
				idx[l-1] = 0
			}
			if !fn(g.VirtFromIndex(*idx), level, e) {
				return false
			}
			continue
		}
		child := p.Allocator.LookupPTEs(e.Frame())
		if child == nil {
			log.Warningf("pagetables: %v entry %d points outside memory: %v", level, i, e)
			continue
		}
		if !p.walkLevel(child, level-1, idx, fn) {
			return false
		}
	}
	return true
}

// Dump writes every present leaf entry to w, one per line.
func (p *PageTables) Dump(w io.Writer) error {
	fmt.Fprintf(w, "%s page tables, cr3 %#x\n", p.Geometry.Name, p.cr3)
	var err error
	p.Walk(func(va hostarch.Addr, level Level, pte PTE) bool {
		_, err = fmt.Fprintf(w, "%-4v 0x%016x -> %v\n", level, uint64(va), pte)
		return err == nil
	})
	return err
}
