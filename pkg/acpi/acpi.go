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

// Package acpi discovers the platform description tables provided by
// firmware.
//
// Discovery runs once: it finds the root pointer, validates the RSDT or
// XSDT, records every table whose checksum is valid and extracts the
// processor topology from the MADT. The resulting Registry is immutable and
// may be read from any goroutine without locking.
//
// Absent or corrupt firmware data is not an error: the registry is simply
// empty. An MADT entry of an unknown type is fatal unless the caller opts
// into skipping it.
package acpi

import (
	"fmt"
	"io"

	"ktf.dev/ktf/pkg/binary"
	"ktf.dev/ktf/pkg/hostarch"
	"ktf.dev/ktf/pkg/log"
)

// MaxTables is the capacity of the registry.
const MaxTables = 128

// Table is a validated description table.
type Table struct {
	Header

	// Addr is the table's physical address.
	Addr hostarch.PhysAddr

	// Data holds the whole table, header included.
	Data []byte
}

// String implements fmt.Stringer.String.
func (t *Table) String() string {
	return fmt.Sprintf("%v [%v] %04x (v%04x %s %04x %s %08x)",
		t.Signature, t.Addr, t.Length, t.Revision,
		printable(t.OEMID[:]), t.OEMRevision,
		printable(t.CreatorID[:]), t.CreatorRevision)
}

// Options control discovery.
type Options struct {
	// UnknownEntries selects what happens on an unrecognized MADT entry.
	UnknownEntries UnknownEntryPolicy

	// MaxTables overrides the registry capacity when positive and below
	// MaxTables.
	MaxTables int
}

// Registry holds what discovery found.
type Registry struct {
	rsdp     RSDP2
	rsdpAddr hostarch.PhysAddr
	found    bool

	tables  []*Table
	dropped int

	madt       MADT
	processors map[uint8]Processor
	nrCPUs     int
}

// Discover runs discovery through m. It always returns a registry; when no
// root pointer or no valid root table exists the registry is empty.
func Discover(m Mapper, opts Options) *Registry {
	capacity := MaxTables
	if opts.MaxTables > 0 && opts.MaxTables < MaxTables {
		capacity = opts.MaxTables
	}
	r := &Registry{
		tables:     make([]*Table, 0, capacity),
		processors: make(map[uint8]Processor),
	}

	log.Infof("acpi: initializing")
	rsdp, pa, ok := FindRSDP(m)
	if !ok {
		log.Infof("acpi: no RSDP found, continuing without platform tables")
		return r
	}
	r.rsdp, r.rsdpAddr, r.found = rsdp, pa, true

	var addrs []hostarch.PhysAddr
	if rsdp.Revision < 2 {
		addrs = rootEntries(m, hostarch.PhysAddr(rsdp.RSDTAddr), SignatureRSDT)
	} else {
		addrs = rootEntries(m, hostarch.PhysAddr(rsdp.XSDTAddr), SignatureXSDT)
	}
	for _, addr := range addrs {
		t, ok := mapTable(m, addr)
		if !ok {
			log.Debugf("acpi: skipping invalid table at %v", addr)
			continue
		}
		r.add(t)
	}
	if r.dropped > 0 {
		log.Warningf("acpi: registry full, dropped %d tables", r.dropped)
	}
	r.processMADT(opts.UnknownEntries)
	return r
}

// add appends t unless the registry is full.
func (r *Registry) add(t *Table) {
	if len(r.tables) == cap(r.tables) {
		r.dropped++
		log.Debugf("acpi: no room for %v", t)
		return
	}
	r.tables = append(r.tables, t)
}

// mapTable maps the table at pa and validates its checksum.
func mapTable(m Mapper, pa hostarch.PhysAddr) (*Table, bool) {
	b, ok := m.Map(pa, uint64(headerSize))
	if !ok {
		return nil, false
	}
	var h Header
	if _, err := binary.Decode(b, &h); err != nil {
		return nil, false
	}
	if int(h.Length) < headerSize {
		return nil, false
	}
	if b, ok = m.Map(pa, uint64(h.Length)); !ok {
		return nil, false
	}
	if Checksum(b) != 0 {
		log.Debugf("acpi: %v at %v has a bad checksum", h.Signature, pa)
		return nil, false
	}
	return &Table{Header: h, Addr: pa, Data: b}, true
}

// rootEntries validates the root table at pa and returns the addresses it
// lists. RSDT entries are 32 bits wide and XSDT entries 64.
func rootEntries(m Mapper, pa hostarch.PhysAddr, sig Signature) []hostarch.PhysAddr {
	t, ok := mapTable(m, pa)
	if !ok || t.Signature != sig {
		log.Warningf("acpi: no valid %v at %v", sig, pa)
		return nil
	}
	log.Infof("acpi: %v", t)

	body := t.Data[headerSize:]
	entrySize := 4
	if sig == SignatureXSDT {
		entrySize = 8
	}
	n := len(body) / entrySize
	addrs := make([]hostarch.PhysAddr, 0, n)
	for i := 0; i < n; i++ {
		if sig == SignatureXSDT {
			var e xsdtEntry
			body, _ = binary.Decode(body, &e)
			addrs = append(addrs, e.addr())
		} else {
			addrs = append(addrs, hostarch.PhysAddr(binary.Uint32(body)))
			body = body[4:]
		}
	}
	return addrs
}

// Found returns true if a root pointer was found.
func (r *Registry) Found() bool {
	return r.found
}

// RSDP returns the root pointer and its address.
func (r *Registry) RSDP() (RSDP2, hostarch.PhysAddr, bool) {
	return r.rsdp, r.rsdpAddr, r.found
}

// FindTable returns the first table with signature sig, or nil.
func (r *Registry) FindTable(sig Signature) *Table {
	for _, t := range r.tables {
		if t.Signature == sig {
			return t
		}
	}
	return nil
}

// Tables returns the registered tables in discovery order.
func (r *Registry) Tables() []*Table {
	return append([]*Table(nil), r.tables...)
}

// Dropped returns the number of valid tables that did not fit.
func (r *Registry) Dropped() int {
	return r.dropped
}

// Dump writes one line per table to w.
func (r *Registry) Dump(w io.Writer) error {
	if r.found {
		if _, err := fmt.Fprintf(w, "ACPI: RSDP [%v] v%02x %s\n", r.rsdpAddr, r.rsdp.Revision, printable(r.rsdp.OEMID[:])); err != nil {
			return err
		}
	}
	for _, t := range r.tables {
		if _, err := fmt.Fprintf(w, "ACPI: %v\n", t); err != nil {
			return err
		}
	}
	return nil
}
