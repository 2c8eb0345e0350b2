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

package acpi

import (
	"bytes"

	"ktf.dev/ktf/pkg/binary"
	"ktf.dev/ktf/pkg/hostarch"
	"ktf.dev/ktf/pkg/log"
)

// Locations searched for the root pointer.
const (
	// EBDAPointer holds the real mode segment of the extended BIOS data
	// area.
	EBDAPointer hostarch.PhysAddr = 0x40e

	// EBDAWindow is how much of the EBDA is searched.
	EBDAWindow = 1 * hostarch.KB

	// BIOSAreaStart and BIOSAreaEnd bound the legacy BIOS expansion area.
	BIOSAreaStart hostarch.PhysAddr = 0xe0000
	BIOSAreaEnd   hostarch.PhysAddr = 0x100000

	rsdpAlign = 16
)

// Mapper makes physical memory readable.
type Mapper interface {
	// Map returns the bytes of [pa, pa+n), or false if they cannot be
	// mapped.
	Map(pa hostarch.PhysAddr, n uint64) ([]byte, bool)
}

// FindRSDP searches the EBDA and then the BIOS area for a valid root
// pointer. For revisions below 2 only the RSDP part of the result is
// meaningful.
func FindRSDP(m Mapper) (RSDP2, hostarch.PhysAddr, bool) {
	if b, ok := m.Map(EBDAPointer, 2); ok {
		ebda := hostarch.PhysAddr(binary.Uint16(b)) << 4
		if ebda != 0 {
			if rsdp, pa, ok := scanRSDP(m, ebda, ebda+EBDAWindow); ok {
				return rsdp, pa, true
			}
		}
	}
	return scanRSDP(m, BIOSAreaStart, BIOSAreaEnd)
}

// scanRSDP returns the first valid root pointer in [from, to) on a 16 byte
// boundary.
func scanRSDP(m Mapper, from, to hostarch.PhysAddr) (RSDP2, hostarch.PhysAddr, bool) {
	from &^= rsdpAlign - 1
	window, ok := m.Map(from, uint64(to-from))
	if !ok {
		log.Debugf("acpi: cannot map RSDP window %v-%v", from, to)
		return RSDP2{}, 0, false
	}
	for off := 0; off+len(rsdpSignature) <= len(window); off += rsdpAlign {
		if !bytes.Equal(window[off:off+len(rsdpSignature)], rsdpSignature[:]) {
			continue
		}
		pa := from + hostarch.PhysAddr(off)
		if rsdp, ok := validateRSDP(m, pa); ok {
			log.Infof("acpi: RSDP [%v] v%02x %s", pa, rsdp.Revision, printable(rsdp.OEMID[:]))
			return rsdp, pa, true
		}
	}
	return RSDP2{}, 0, false
}

// validateRSDP checks the candidate at pa. The checksum covers 20 bytes for
// revisions below 2 and 36 bytes otherwise.
func validateRSDP(m Mapper, pa hostarch.PhysAddr) (RSDP2, bool) {
	var rsdp RSDP2
	b, ok := m.Map(pa, uint64(rsdpSize))
	if !ok {
		return rsdp, false
	}
	if _, err := binary.Decode(b, &rsdp.RSDP); err != nil {
		return rsdp, false
	}
	size := rsdpSize
	if rsdp.Revision >= 2 {
		size = rsdp2Size
	}
	if b, ok = m.Map(pa, uint64(size)); !ok {
		return rsdp, false
	}
	if Checksum(b) != 0 {
		log.Debugf("acpi: RSDP candidate at %v has a bad checksum", pa)
		return rsdp, false
	}
	if size == rsdp2Size {
		if _, err := binary.Decode(b, &rsdp); err != nil {
			return rsdp, false
		}
	}
	return rsdp, true
}
