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
	"ktf.dev/ktf/pkg/physmem"
)

// PTEs is a collection of entries.
type PTEs [entriesPerPage]PTE

// Entry returns the entry of tab governing va at level.
func (g Geometry) Entry(tab *PTEs, va hostarch.Addr, level Level) *PTE {
	return &tab[g.Index(va, level)]
}

// Allocator is used to allocate and map PTEs.
//
// Tables are never freed.
type Allocator interface {
	// NewPTEs returns a new, zeroed set of PTEs.
	NewPTEs() (*PTEs, error)

	// PhysicalFor gives the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) hostarch.PhysAddr

	// LookupPTEs looks up PTEs by frame. It returns nil if f does not name
	// memory the allocator can address.
	LookupPTEs(f hostarch.Frame) *PTEs
}

// PhysAllocator backs tables with frames of physical memory.
type PhysAllocator struct {
	mem *physmem.Memory

	// frames maps every table handed out to its frame.
	frames map[*PTEs]hostarch.Frame
}

// NewPhysAllocator returns an allocator drawing frames from mem.
func NewPhysAllocator(mem *physmem.Memory) *PhysAllocator {
	return &PhysAllocator{
		mem:    mem,
		frames: make(map[*PTEs]hostarch.Frame),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (a *PhysAllocator) NewPTEs() (*PTEs, error) {
	f, err := a.mem.AllocFrame()
	if err != nil {
		return nil, fmt.Errorf("allocating page table: %w", err)
	}
	ptes := a.LookupPTEs(f)
	a.frames[ptes] = f
	return ptes, nil
}

// PhysicalFor implements Allocator.PhysicalFor.
func (a *PhysAllocator) PhysicalFor(ptes *PTEs) hostarch.PhysAddr {
	f, ok := a.frames[ptes]
	if !ok {
		panic(fmt.Sprintf("page table %p was not allocated here", ptes))
	}
	return f.Addr()
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *PhysAllocator) LookupPTEs(f hostarch.Frame) *PTEs {
	if !a.mem.FrameValid(f) {
		return nil
	}
	return ptesOf(a.mem.FrameBytes(f))
}
