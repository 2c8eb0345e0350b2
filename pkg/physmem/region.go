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

package physmem

import (
	"fmt"

	"github.com/google/btree"
	"ktf.dev/ktf/pkg/hostarch"
)

// RegionKind describes what a region of physical memory holds.
type RegionKind int

const (
	// RAM is usable memory.
	RAM RegionKind = iota

	// Reserved is memory owned by firmware or devices.
	Reserved

	// ACPI is memory holding platform tables. It may be read but is never
	// allocated.
	ACPI
)

// String implements fmt.Stringer.String.
func (k RegionKind) String() string {
	switch k {
	case RAM:
		return "ram"
	case Reserved:
		return "reserved"
	case ACPI:
		return "acpi"
	default:
		return fmt.Sprintf("RegionKind(%d)", int(k))
	}
}

// Region is one entry of the region map.
type Region struct {
	hostarch.PhysRange
	Kind RegionKind
}

// String implements fmt.Stringer.String.
func (r Region) String() string {
	return fmt.Sprintf("%v %v", r.PhysRange, r.Kind)
}

const regionDegree = 8

// regionMap is a set of non-overlapping regions ordered by start address.
type regionMap struct {
	tree *btree.BTreeG[Region]
}

func newRegionMap() regionMap {
	return regionMap{tree: btree.NewG(regionDegree, func(a, b Region) bool {
		return a.Start < b.Start
	})}
}

// insert adds r, which must not overlap any existing region.
func (rm regionMap) insert(r Region) {
	rm.tree.ReplaceOrInsert(r)
}

// lookup returns the region containing pa.
func (rm regionMap) lookup(pa hostarch.PhysAddr) (Region, bool) {
	var found Region
	ok := false
	rm.tree.DescendLessOrEqual(Region{PhysRange: hostarch.PhysRange{Start: pa}}, func(r Region) bool {
		found, ok = r, r.Contains(pa)
		return false
	})
	return found, ok
}

// nextStart returns the start of the first region above pa, or limit.
func (rm regionMap) nextStart(pa, limit hostarch.PhysAddr) hostarch.PhysAddr {
	next := limit
	rm.tree.AscendGreaterOrEqual(Region{PhysRange: hostarch.PhysRange{Start: pa + 1}}, func(r Region) bool {
		next = r.Start
		return false
	})
	return next
}

// carve replaces whatever covers r.PhysRange with r, trimming or splitting
// the regions it overlaps.
func (rm regionMap) carve(r Region) {
	var overlapping []Region
	rm.tree.Ascend(func(o Region) bool {
		if o.Start >= r.End {
			return false
		}
		if o.Overlaps(r.PhysRange) {
			overlapping = append(overlapping, o)
		}
		return true
	})
	for _, o := range overlapping {
		rm.tree.Delete(o)
		if o.Start < r.Start {
			rm.tree.ReplaceOrInsert(Region{PhysRange: hostarch.PhysRange{Start: o.Start, End: r.Start}, Kind: o.Kind})
		}
		if o.End > r.End {
			rm.tree.ReplaceOrInsert(Region{PhysRange: hostarch.PhysRange{Start: r.End, End: o.End}, Kind: o.Kind})
		}
	}
	rm.tree.ReplaceOrInsert(r)
}

func (rm regionMap) all() []Region {
	rs := make([]Region, 0, rm.tree.Len())
	rm.tree.Ascend(func(r Region) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}
