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

// Package physmem provides the machine's physical memory: a contiguous
// anonymous mapping whose offset 0 is physical address 0, a region map in
// the style of an e820 table, and a page frame allocator.
//
// Frames are never returned to the allocator. Everything allocated at boot
// (page tables, task records) lives until the process exits.
package physmem

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
	"ktf.dev/ktf/pkg/hostarch"
	"ktf.dev/ktf/pkg/log"
	"ktf.dev/ktf/pkg/sync"
)

// ErrNoMemory is returned by AllocFrame when no free frame is left.
var ErrNoMemory = errors.New("out of physical memory")

// LowMemoryEnd is the end of the legacy BIOS area. Everything below it is
// reserved for firmware and never handed out by the allocator.
const LowMemoryEnd = hostarch.PhysAddr(1 * hostarch.MB)

// Memory is the physical memory of the machine.
type Memory struct {
	// arena backs physical addresses [0, len(arena)).
	arena []byte

	regions regionMap

	// mu protects the allocator state below.
	mu sync.Mutex

	// next is the lowest frame that may still be free.
	next hostarch.Frame

	// allocated counts frames handed out by AllocFrame.
	allocated uint64

	// limit caps allocated when non-zero.
	limit uint64
}

// New maps size bytes of physical memory. size is rounded up to a page and
// must cover at least the legacy BIOS area plus one frame.
//
// The initial region map marks [0, 1MiB) as Reserved and the rest as RAM.
func New(size uint64) (*Memory, error) {
	size = (size + hostarch.PageSize - 1) &^ (hostarch.PageSize - 1)
	if size <= uint64(LowMemoryEnd) {
		return nil, fmt.Errorf("physical memory size %#x must exceed %#x", size, uint64(LowMemoryEnd))
	}
	arena, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping %#x bytes of physical memory: %w", size, err)
	}
	m := &Memory{
		arena:   arena,
		regions: newRegionMap(),
		next:    LowMemoryEnd.Frame(),
	}
	m.regions.insert(Region{PhysRange: hostarch.PhysRange{Start: 0, End: LowMemoryEnd}, Kind: Reserved})
	m.regions.insert(Region{PhysRange: hostarch.PhysRange{Start: LowMemoryEnd, End: hostarch.PhysAddr(size)}, Kind: RAM})
	log.Debugf("physmem: %#x bytes, first free frame %v", size, m.next)
	return m, nil
}

// Close unmaps the memory. No slice obtained from m may be used afterwards.
func (m *Memory) Close() error {
	if m.arena == nil {
		return nil
	}
	err := unix.Munmap(m.arena)
	m.arena = nil
	return err
}

// Size returns the size of physical memory in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.arena))
}

// Frames returns the number of frames of physical memory.
func (m *Memory) Frames() uint64 {
	return m.Size() >> hostarch.PageShift
}

// Reserve marks r as kind, splitting any regions it overlaps. It must only be
// called during single-threaded initialization.
func (m *Memory) Reserve(r hostarch.PhysRange, kind RegionKind) error {
	if r.Start >= r.End || uint64(r.End) > m.Size() {
		return fmt.Errorf("region %v outside physical memory [0, %#x)", r, m.Size())
	}
	m.regions.carve(Region{PhysRange: r, Kind: kind})
	return nil
}

// RegionAt returns the region containing pa.
func (m *Memory) RegionAt(pa hostarch.PhysAddr) (Region, bool) {
	return m.regions.lookup(pa)
}

// Regions returns the region map in address order.
func (m *Memory) Regions() []Region {
	return m.regions.all()
}

// FrameValid returns true if f is backed by memory described in the region
// map.
func (m *Memory) FrameValid(f hostarch.Frame) bool {
	if !f.Valid() || uint64(f) >= m.Frames() {
		return false
	}
	_, ok := m.regions.lookup(f.Addr())
	return ok
}

// SetLimit caps the number of frames AllocFrame will hand out in total. Zero
// removes the cap.
func (m *Memory) SetLimit(frames uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limit = frames
}

// Allocated returns the number of frames handed out so far.
func (m *Memory) Allocated() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocated
}

// AllocFrame returns a zeroed frame from RAM, or ErrNoMemory.
func (m *Memory) AllocFrame() (hostarch.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.limit != 0 && m.allocated >= m.limit {
		return hostarch.InvalidFrame, ErrNoMemory
	}
	for uint64(m.next) < m.Frames() {
		r, ok := m.regions.lookup(m.next.Addr())
		if !ok || r.Kind != RAM {
			// Skip to the end of the hole or the non-RAM region.
			end := r.End
			if !ok {
				end = m.regions.nextStart(m.next.Addr(), hostarch.PhysAddr(m.Size()))
			}
			m.next = (end + hostarch.PageSize - 1).Frame()
			continue
		}
		f := m.next
		m.next++
		m.allocated++
		clear(m.FrameBytes(f))
		return f, nil
	}
	return hostarch.InvalidFrame, ErrNoMemory
}

// FrameBytes returns the backing store of frame f.
//
// Precondition: f is inside physical memory.
func (m *Memory) FrameBytes(f hostarch.Frame) []byte {
	if uint64(f) >= m.Frames() {
		panic(fmt.Sprintf("frame %v outside physical memory of %d frames", f, m.Frames()))
	}
	off := uint64(f.Addr())
	return m.arena[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// Slice returns the backing store of [pa, pa+n), or false if the range is
// not entirely inside physical memory.
func (m *Memory) Slice(pa hostarch.PhysAddr, n uint64) ([]byte, bool) {
	end := uint64(pa) + n
	if end < uint64(pa) || end > m.Size() {
		return nil, false
	}
	return m.arena[pa:end:end], true
}

// ReadAt implements io.ReaderAt.ReadAt with physical addresses as offsets.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) >= m.Size() {
		return 0, io.EOF
	}
	n := copy(p, m.arena[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.WriteAt with physical addresses as offsets.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > m.Size() {
		return 0, fmt.Errorf("write of %d bytes at %#x outside physical memory", len(p), off)
	}
	return copy(m.arena[off:], p), nil
}

// Load copies an image read from r into physical memory starting at pa. An
// image that does not fit below the end of memory is an error.
func (m *Memory) Load(r io.Reader, pa hostarch.PhysAddr) (int64, error) {
	if uint64(pa) >= m.Size() {
		return 0, fmt.Errorf("load address %v outside physical memory", pa)
	}
	n, err := io.ReadFull(r, m.arena[pa:])
	switch err {
	case io.EOF, io.ErrUnexpectedEOF:
		return int64(n), nil
	case nil:
		var extra [1]byte
		if k, _ := io.ReadFull(r, extra[:]); k > 0 {
			return int64(n), fmt.Errorf("image at %v exceeds physical memory of %#x bytes", pa, m.Size())
		}
		return int64(n), nil
	default:
		return int64(n), err
	}
}
