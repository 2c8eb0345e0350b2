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
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"ktf.dev/ktf/pkg/hostarch"
	"ktf.dev/ktf/pkg/physmem"
)

func newPageTables(t *testing.T, g Geometry) (*PageTables, *physmem.Memory) {
	t.Helper()
	mem, err := physmem.New(4 * hostarch.MB)
	if err != nil {
		t.Fatalf("physmem.New failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	pt, err := New(NewPhysAllocator(mem), g)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return pt, mem
}

func expectPanic(t *testing.T, substr string, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatalf("no panic, want one containing %q", substr)
		}
		if got := fmt.Sprint(r); !strings.Contains(got, substr) {
			t.Errorf("panic %q does not contain %q", got, substr)
		}
	}()
	fn()
}

func TestMakePTE(t *testing.T) {
	for _, tc := range []struct {
		name  string
		pa    hostarch.PhysAddr
		flags uint64
		want  PTE
	}{
		{"aligned", 0x1000, Present | Writable, 0x1003},
		{"unaligned address", 0x1234, Present, 0x1001},
		{"address above 52 bits", 0xfff0_0000_0000_1000, Present, 0x1001},
		{"illegal flags", 0x2000, Present | 1<<52, 0x2001},
		{"no execute", 0x3000, Present | ExecuteDisable, 0x8000_0000_0000_3001},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := MakePTE(tc.pa, tc.flags); got != tc.want {
				t.Errorf("MakePTE(%v, %#x) = %#x, want %#x", tc.pa, tc.flags, got.Raw(), tc.want.Raw())
			}
		})
	}
}

func TestPTEViews(t *testing.T) {
	p := MakePTEFromFrame(0x42, Present|Writable|Accessed|Global|ExecuteDisable|CacheFlags(hostarch.MemoryTypeUncached))
	if p.Frame() != 0x42 || p.Address() != 0x42000 {
		t.Errorf("frame view = %v / %v, want mfn:0x42 / 0x42000", p.Frame(), p.Address())
	}
	if !p.Present() || !p.Writable() || p.User() || !p.Accessed() || p.Dirty() || !p.Global() || !p.NoExecute() || p.Super() {
		t.Errorf("bit view of %v is wrong", p)
	}
	if p.MemoryType() != hostarch.MemoryTypeUncached {
		t.Errorf("MemoryType() = %v, want %v", p.MemoryType(), hostarch.MemoryTypeUncached)
	}
	if got, want := p.Flags(), uint64(p.Raw()&^0x42000); got != want {
		t.Errorf("Flags() = %#x, want %#x", got, want)
	}
}

func TestIndexComposition(t *testing.T) {
	for _, g := range []Geometry{Geometry64, Geometry32} {
		for _, va := range []hostarch.Addr{
			0,
			0x1000,
			0x7fff_ffff_f123,
			0xdead_b000,
			0xffff_8000_0000_0000,
			0xffff_ffff_8012_3456,
			0xffff_ffff,
		} {
			if !g.Canonical(va) {
				continue
			}
			idx := g.Indices(va)
			if got, want := g.VirtFromIndex(idx), va.RoundDown(); got != want {
				t.Errorf("%s: VirtFromIndex(Indices(%v)) = %v, want %v", g.Name, va, got, want)
			}
		}
	}
}

func TestCanonical(t *testing.T) {
	for _, tc := range []struct {
		g    Geometry
		va   hostarch.Addr
		want bool
	}{
		{Geometry64, 0x0000_7fff_ffff_ffff, true},
		{Geometry64, 0x0000_8000_0000_0000, false},
		{Geometry64, 0xffff_8000_0000_0000, true},
		{Geometry64, 0xfff0_8000_0000_0000, false},
		{Geometry32, 0xffff_ffff, true},
		{Geometry32, 0x1_0000_0000, false},
	} {
		if got := tc.g.Canonical(tc.va); got != tc.want {
			t.Errorf("%s: Canonical(%v) = %t, want %t", tc.g.Name, tc.va, got, tc.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, g := range []Geometry{Geometry64, Geometry32} {
		t.Run(g.Name, func(t *testing.T) {
			pt, _ := newPageTables(t, g)
			va := hostarch.Addr(0x4020_3000)
			// Populate the intermediate tables only.
			if err := pt.Map(va, 0, hostarch.PageSize, 0); err != nil {
				t.Fatalf("Map failed: %v", err)
			}
			flags := uint64(Present | Writable | Dirty | 1<<55)
			pt.SetL1(va, 0x12_3456_7000, flags)

			pte := pt.GetPTE(va)
			if pte == nil {
				t.Fatalf("GetPTE(%v) = nil", va)
			}
			if pte.Frame() != 0x123_4567 {
				t.Errorf("Frame() = %v, want mfn:0x1234567", pte.Frame())
			}
			if got, want := pte.Flags(), flags&flagsMask; got != want {
				t.Errorf("Flags() = %#x, want %#x", got, want)
			}
			pa, ok := pt.Translate(va + 0x10)
			if !ok || pa != 0x12_3456_7010 {
				t.Errorf("Translate = %v, %t, want 0x1234567010, true", pa, ok)
			}
		})
	}
}

func TestSetEntryMissingTable(t *testing.T) {
	pt, _ := newPageTables(t, Geometry64)
	if pte := pt.GetPTE(0x40_0000); pte != nil {
		t.Errorf("GetPTE on empty tables = %v, want nil", pte)
	}
	expectPanic(t, "no pte table", func() {
		pt.SetL1(0x40_0000, 0x1000, Present)
	})
}

func TestSetEntryLevels(t *testing.T) {
	pt, mem := newPageTables(t, Geometry64)
	va := hostarch.Addr(0xffff_8000_0020_0000)
	tables := make([]hostarch.Frame, 0, 3)
	for i := 0; i < 3; i++ {
		f, err := mem.AllocFrame()
		if err != nil {
			t.Fatalf("AllocFrame failed: %v", err)
		}
		tables = append(tables, f)
	}
	pt.SetL4(va, tables[0].Addr(), Present|Writable)
	pt.SetL3(va, tables[1].Addr(), Present|Writable)
	pt.SetL2(va, tables[2].Addr(), Present|Writable)
	pt.SetL1(va, 0x5000, Present)

	if pa, ok := pt.Translate(va + 0x123); !ok || pa != 0x5123 {
		t.Errorf("Translate = %v, %t, want 0x5123, true", pa, ok)
	}
	if e := pt.Lookup(L2, va); e == nil || e.Frame() != tables[2] {
		t.Errorf("Lookup(L2) = %v, want frame %v", e, tables[2])
	}
}

func TestTranslateLargePage(t *testing.T) {
	pt, _ := newPageTables(t, Geometry64)
	va := hostarch.Addr(0x4000_0000)
	if err := pt.Map(va, 0, hostarch.PageSize, Present); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	pt.SetL2(va, 0x20_0000, Present|Super)
	if pa, ok := pt.Translate(va + 0x1_2345); !ok || pa != 0x21_2345 {
		t.Errorf("Translate = %v, %t, want 0x212345, true", pa, ok)
	}
	if pte := pt.GetPTE(va); pte != nil {
		t.Errorf("GetPTE below a large page = %v, want nil", pte)
	}
}

func TestPAERootIgnoresSizeBit(t *testing.T) {
	pt, _ := newPageTables(t, Geometry32)
	if err := pt.Map(0, 0, hostarch.PageSize, Present); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	// Bit 7 of a PAE pdpte does not select a 1GiB page.
	*pt.Lookup(L3, 0) |= Super
	if pa, ok := pt.Translate(0x5000); ok {
		t.Errorf("Translate(0x5000) = %v through a PAE root size bit", pa)
	}
	if pa, ok := pt.Translate(0x10); !ok || pa != 0x10 {
		t.Errorf("Translate(0x10) = %v, %t, want 0x10, true", pa, ok)
	}
	if pt.GetPTE(0x5000) == nil {
		t.Errorf("GetPTE stopped at the PAE root")
	}

	if Geometry32.LargePage(L3) || !Geometry64.LargePage(L3) || Geometry64.LargePage(L4) || !Geometry32.LargePage(L2) {
		t.Errorf("LargePage levels wrong")
	}
}

func TestPrepare(t *testing.T) {
	for _, g := range []Geometry{Geometry64, Geometry32} {
		t.Run(g.Name, func(t *testing.T) {
			pt, _ := newPageTables(t, g)
			va := hostarch.Addr(0x4000_0000)
			if err := pt.Prepare(va, 3*hostarch.MB); err != nil {
				t.Fatalf("Prepare failed: %v", err)
			}
			for _, a := range []hostarch.Addr{va, va + 2*hostarch.MB, va + 3*hostarch.MB - hostarch.PageSize} {
				pte := pt.GetPTE(a)
				if pte == nil {
					t.Fatalf("GetPTE(%v) = nil after Prepare", a)
				}
				if pte.Present() {
					t.Errorf("leaf for %v installed by Prepare: %v", a, *pte)
				}
			}
			pt.SetL1(va+hostarch.PageSize, 0x7000, Present)
			if pa, ok := pt.Translate(va + hostarch.PageSize + 8); !ok || pa != 0x7008 {
				t.Errorf("Translate = %v, %t, want 0x7008, true", pa, ok)
			}
			leaves := 0
			pt.Walk(func(hostarch.Addr, Level, PTE) bool {
				leaves++
				return true
			})
			if leaves != 1 {
				t.Errorf("Walk saw %d leaves, want 1", leaves)
			}
		})
	}
}

func TestCheckRange(t *testing.T) {
	for _, tc := range []struct {
		g    Geometry
		va   hostarch.Addr
		size uint64
		ok   bool
	}{
		{Geometry32, 0xc000_0000, 1 << 30, true},
		{Geometry32, 0xc000_0000, 1<<30 + hostarch.PageSize, false},
		{Geometry32, 0xffff_f000, 2 * hostarch.PageSize, false},
		{Geometry64, 0xffff_8000_0000_0000, 1 << 40, true},
		{Geometry64, 0x0000_7fff_ffff_f000, 2 * hostarch.PageSize, false},
		{Geometry64, 0xffff_ffff_ffff_f000, 2 * hostarch.PageSize, false},
		{Geometry64, 0, 0, true},
	} {
		if err := tc.g.CheckRange(tc.va, tc.size); (err == nil) != tc.ok {
			t.Errorf("%s CheckRange(%v, %#x) = %v, want ok=%t", tc.g.Name, tc.va, tc.size, err, tc.ok)
		}
	}

	pt, _ := newPageTables(t, Geometry32)
	if err := pt.Prepare(0xffff_f000, 2*hostarch.PageSize); err == nil {
		t.Errorf("Prepare across 4GiB succeeded")
	}
}

func TestMalformedAddresses(t *testing.T) {
	pt, _ := newPageTables(t, Geometry64)
	expectPanic(t, "non-canonical", func() { pt.GetPTE(0x0000_8000_0000_0000) })
	expectPanic(t, "unaligned", func() { pt.SetL1(0x1001, 0, Present) })
	expectPanic(t, "unaligned", func() { pt.Map(0x1000, 0x10, hostarch.PageSize, Present) })
	expectPanic(t, "out of range", func() { Geometry32.Index(0, L4) })
}

func TestMapAndWalk(t *testing.T) {
	pt, _ := newPageTables(t, Geometry64)
	if err := pt.Map(0x1f_f000, 0x10_0000, 3*hostarch.PageSize, Present|Writable); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	type leaf struct {
		VA hostarch.Addr
		PA hostarch.PhysAddr
	}
	var got []leaf
	pt.Walk(func(va hostarch.Addr, level Level, pte PTE) bool {
		if level != L1 {
			t.Errorf("unexpected %v leaf at %v", level, va)
		}
		got = append(got, leaf{va, pte.Address()})
		return true
	})
	want := []leaf{
		{0x1f_f000, 0x10_0000},
		{0x20_0000, 0x10_1000},
		{0x20_1000, 0x10_2000},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Walk mismatch (-want +got):\n%s", diff)
	}

	var buf bytes.Buffer
	if err := pt.Dump(&buf); err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	if !strings.Contains(buf.String(), "0x00000000001ff000 -> 0x100000 w-") {
		t.Errorf("Dump output missing first mapping:\n%s", buf.String())
	}
}

func TestMapOutOfMemory(t *testing.T) {
	pt, mem := newPageTables(t, Geometry64)
	mem.SetLimit(mem.Allocated())
	err := pt.Map(0x40_0000, 0, hostarch.PageSize, Present)
	if !errors.Is(err, physmem.ErrNoMemory) {
		t.Errorf("Map = %v, want %v", err, physmem.ErrNoMemory)
	}
}

func TestLoadCR3(t *testing.T) {
	pt, _ := newPageTables(t, Geometry64)
	orig := pt.CR3()
	if err := pt.Map(0x1000, 0x1000, hostarch.PageSize, Present); err != nil {
		t.Fatalf("Map failed: %v", err)
	}

	other, err := New(pt.Allocator, Geometry64)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	pt.LoadCR3(other.CR3())
	if _, ok := pt.Translate(0x1000); ok {
		t.Errorf("Translate through an empty root succeeded")
	}
	pt.LoadCR3(orig)
	if _, ok := pt.Translate(0x1000); !ok {
		t.Errorf("Translate after restoring CR3 failed")
	}
}
