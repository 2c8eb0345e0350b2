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

// Package kmap maps physical memory into the kernel window.
//
// The window is a linear mapping of physical memory at a fixed virtual base.
// Its intermediate tables are built once by Prepare. Map installs the leaf
// entries for the requested range and then resolves every access through
// the page tables, never reading physical memory directly.
package kmap

import (
	"fmt"

	"ktf.dev/ktf/pkg/hostarch"
	"ktf.dev/ktf/pkg/log"
	"ktf.dev/ktf/pkg/physmem"
	"ktf.dev/ktf/pkg/ring0/pagetables"
)

// Default window bases.
const (
	KernelBase64 hostarch.Addr = 0xffff_8000_0000_0000
	KernelBase32 hostarch.Addr = 0xc000_0000
)

// windowFlags are the flags of kernel window entries.
const windowFlags = pagetables.Present | pagetables.Writable | pagetables.Global | pagetables.ExecuteDisable

// KernelBase returns the default window base for g.
func KernelBase(g pagetables.Geometry) hostarch.Addr {
	if g.VABits == 32 {
		return KernelBase32
	}
	return KernelBase64
}

// Mapper maps physical ranges into the kernel window.
type Mapper struct {
	pt   *pagetables.PageTables
	mem  *physmem.Memory
	base hostarch.Addr

	// size is the length of the prepared window; zero until Prepare.
	size uint64
}

// New returns a Mapper for the window at base. Prepare must be called
// before Map.
func New(pt *pagetables.PageTables, mem *physmem.Memory, base hostarch.Addr) *Mapper {
	if !base.IsPageAligned() {
		panic(fmt.Sprintf("unaligned kernel window base %v", base))
	}
	return &Mapper{pt: pt, mem: mem, base: base}
}

// Base returns the window base.
func (m *Mapper) Base() hostarch.Addr {
	return m.base
}

// Size returns the prepared window length.
func (m *Mapper) Size() uint64 {
	return m.size
}

// Prepare builds the window's tables for the first size bytes of physical
// memory, without installing any leaf entry. It is called once during
// initialization and fails if the window would not fit the address space.
func (m *Mapper) Prepare(size uint64) error {
	if m.size != 0 {
		panic("kernel window prepared twice")
	}
	size = (size + hostarch.PageSize - 1) &^ (hostarch.PageSize - 1)
	if size > m.mem.Size() {
		size = m.mem.Size()
	}
	if err := m.pt.Prepare(m.base, size); err != nil {
		return fmt.Errorf("building kernel window at %v: %w", m.base, err)
	}
	m.size = size
	log.Infof("kmap: kernel window %v-%v", m.base, m.base+hostarch.Addr(size))
	return nil
}

// WindowFits returns an error unless a window of size bytes at the default
// base fits g.
func WindowFits(g pagetables.Geometry, size uint64) error {
	return g.CheckRange(KernelBase(g), size)
}

// PhysToVirt returns the window address of pa.
func (m *Mapper) PhysToVirt(pa hostarch.PhysAddr) (hostarch.Addr, bool) {
	if uint64(pa) >= m.size {
		return 0, false
	}
	return m.base + hostarch.Addr(pa), true
}

// VirtToPhys translates va through the page tables.
func (m *Mapper) VirtToPhys(va hostarch.Addr) (hostarch.PhysAddr, bool) {
	return m.pt.Translate(va)
}

// Map makes [pa, pa+n) accessible and returns its bytes. It returns false if
// the range is outside the window or touches an invalid frame.
func (m *Mapper) Map(pa hostarch.PhysAddr, n uint64) ([]byte, bool) {
	if n == 0 {
		_, ok := m.PhysToVirt(pa)
		return []byte{}, ok
	}
	end := uint64(pa) + n
	if end < uint64(pa) || end > m.size {
		return nil, false
	}
	first := pa.RoundDown()
	for page := first; uint64(page) < end; page += hostarch.PageSize {
		if !m.mem.FrameValid(page.Frame()) {
			log.Debugf("kmap: invalid frame %v in %v+%#x", page.Frame(), pa, n)
			return nil, false
		}
		m.pt.SetL1(m.base+hostarch.Addr(page), page, windowFlags)
	}

	va := m.base + hostarch.Addr(pa)
	resolved, ok := m.pt.Translate(va)
	if !ok {
		return nil, false
	}
	// The window is linear, so the last byte must resolve consistently.
	if last, ok := m.pt.Translate(va + hostarch.Addr(n-1)); !ok || last != resolved+hostarch.PhysAddr(n-1) {
		return nil, false
	}
	return m.mem.Slice(resolved, n)
}
