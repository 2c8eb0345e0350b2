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

// Package firmware lays out synthetic ACPI tables in physical memory the way
// a BIOS would: a root pointer in the EBDA or BIOS area, an RSDT or XSDT,
// and the tables it lists.
package firmware

import (
	"fmt"
	"io"

	"ktf.dev/ktf/pkg/acpi"
	"ktf.dev/ktf/pkg/binary"
	"ktf.dev/ktf/pkg/hostarch"
)

// Default placement.
const (
	// DefaultTableBase is where tables are laid out, below the EBDA.
	DefaultTableBase hostarch.PhysAddr = 0x80000

	// EBDASegment is the real mode segment written to the EBDA pointer when
	// the root pointer goes in the EBDA.
	EBDASegment = 0x9fc0

	// BIOSRSDPAddr is where the root pointer goes otherwise.
	BIOSRSDPAddr hostarch.PhysAddr = 0xe0010

	tableAlign = 16
)

var (
	oemTableID = [8]byte{'K', 'T', 'F', 'S', 'Y', 'N', 'T', 'H'}
	creatorID  = [4]byte{'K', 'T', 'F', ' '}
)

type table struct {
	sig     acpi.Signature
	body    []byte
	corrupt bool
}

// Builder accumulates tables and writes them out.
type Builder struct {
	// Revision of the root pointer. Below 2 the tables are listed by an RSDT,
	// otherwise by an XSDT.
	Revision uint8

	// OEMID is stamped on the root pointer and every table.
	OEMID [6]byte

	// EBDA places the root pointer in the extended BIOS data area rather
	// than the BIOS area.
	EBDA bool

	// TableBase is the physical address of the first table.
	TableBase hostarch.PhysAddr

	tables []table
}

// New returns an empty builder.
func New(revision uint8) *Builder {
	return &Builder{
		Revision:  revision,
		OEMID:     [6]byte{'K', 'T', 'F', 'O', 'E', 'M'},
		TableBase: DefaultTableBase,
	}
}

// Add appends a table with the given body, which follows the header.
func (b *Builder) Add(sig acpi.Signature, body []byte) *Builder {
	b.tables = append(b.tables, table{sig: sig, body: body})
	return b
}

// AddCorrupt appends a table whose checksum is wrong.
func (b *Builder) AddCorrupt(sig acpi.Signature, body []byte) *Builder {
	b.tables = append(b.tables, table{sig: sig, body: body, corrupt: true})
	return b
}

// AddMADT appends an MADT with the given entries.
func (b *Builder) AddMADT(lapicAddr uint32, entries ...[]byte) *Builder {
	body := binary.AppendUint32(nil, lapicAddr)
	body = binary.AppendUint32(body, 1) // PC-AT compatible.
	for _, e := range entries {
		body = append(body, e...)
	}
	return b.Add(acpi.SignatureMADT, body)
}

// Entry returns an MADT entry of type typ.
func Entry(typ uint8, payload []byte) []byte {
	return append([]byte{typ, uint8(2 + len(payload))}, payload...)
}

// LocalAPIC returns a processor local APIC entry.
func LocalAPIC(processorID, apicID uint8, enabled bool) []byte {
	var flags uint32
	if enabled {
		flags = 1
	}
	return Entry(acpi.MADTTypeLocalAPIC, binary.AppendUint32([]byte{processorID, apicID}, flags))
}

// IOAPIC returns an I/O APIC entry.
func IOAPIC(id uint8, addr, gsiBase uint32) []byte {
	p := binary.AppendUint32([]byte{id, 0}, addr)
	return Entry(acpi.MADTTypeIOAPIC, binary.AppendUint32(p, gsiBase))
}

// Layout records where WriteTo put things.
type Layout struct {
	RSDP   hostarch.PhysAddr
	Root   hostarch.PhysAddr
	Tables []hostarch.PhysAddr

	// Start and End bound the tables, root table included.
	Start hostarch.PhysAddr
	End   hostarch.PhysAddr
}

// Range returns the physical range holding the tables.
func (l Layout) Range() hostarch.PhysRange {
	return hostarch.PhysRange{Start: l.Start, End: l.End}
}

// WriteTo writes the tables, the root table and the root pointer to w,
// which is addressed by physical address.
func (b *Builder) WriteTo(w io.WriterAt) (Layout, error) {
	l := Layout{Start: b.TableBase}
	next := b.TableBase
	put := func(data []byte) (hostarch.PhysAddr, error) {
		pa := next
		if _, err := w.WriteAt(data, int64(pa)); err != nil {
			return 0, fmt.Errorf("writing %d bytes at %v: %w", len(data), pa, err)
		}
		next = (pa + hostarch.PhysAddr(len(data)) + tableAlign - 1) &^ (tableAlign - 1)
		return pa, nil
	}

	for _, t := range b.tables {
		pa, err := put(b.encode(t))
		if err != nil {
			return l, err
		}
		l.Tables = append(l.Tables, pa)
	}

	root := table{sig: acpi.SignatureRSDT}
	if b.Revision >= 2 {
		root.sig = acpi.SignatureXSDT
	}
	for _, pa := range l.Tables {
		if b.Revision < 2 {
			root.body = binary.AppendUint32(root.body, uint32(pa))
		} else {
			root.body = binary.AppendUint64(root.body, uint64(pa))
		}
	}
	var err error
	if l.Root, err = put(b.encode(root)); err != nil {
		return l, err
	}
	l.End = next

	l.RSDP = BIOSRSDPAddr
	if b.EBDA {
		seg := binary.AppendUint16(nil, EBDASegment)
		if _, err := w.WriteAt(seg, int64(acpi.EBDAPointer)); err != nil {
			return l, err
		}
		l.RSDP = hostarch.PhysAddr(EBDASegment) << 4
	}
	if _, err := w.WriteAt(b.rsdp(l.Root), int64(l.RSDP)); err != nil {
		return l, err
	}
	return l, nil
}

// encode returns a table with a valid header and checksum.
func (b *Builder) encode(t table) []byte {
	h := acpi.Header{
		Signature:       t.sig,
		Length:          uint32(binary.Size(acpi.Header{}) + len(t.body)),
		Revision:        1,
		OEMID:           b.OEMID,
		OEMTableID:      oemTableID,
		OEMRevision:     1,
		CreatorID:       creatorID,
		CreatorRevision: 1,
	}
	data := binary.Marshal(nil, &h)
	data = append(data, t.body...)
	// The checksum byte follows the signature, length and revision.
	data[9] = -acpi.Checksum(data)
	if t.corrupt {
		data[len(data)-1]++
	}
	return data
}

// rsdp returns the root pointer for the root table at root.
func (b *Builder) rsdp(root hostarch.PhysAddr) []byte {
	r := acpi.RSDP2{
		RSDP: acpi.RSDP{
			Signature: [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '},
			OEMID:     b.OEMID,
			Revision:  b.Revision,
		},
	}
	if b.Revision < 2 {
		r.RSDTAddr = uint32(root)
		data := binary.Marshal(nil, &r.RSDP)
		data[8] = -acpi.Checksum(data)
		return data
	}
	r.Length = uint32(binary.Size(acpi.RSDP2{}))
	r.XSDTAddr = uint64(root)
	data := binary.Marshal(nil, &r)
	data[8] = -acpi.Checksum(data[:binary.Size(acpi.RSDP{})])
	data[32] = -acpi.Checksum(data)
	return data
}

// Synthetic returns a revision 2 builder describing cpus enabled processors,
// one I/O APIC and a few tables without topology.
func Synthetic(cpus int) *Builder {
	if cpus < 1 || cpus > 255 {
		panic(fmt.Sprintf("invalid processor count %d", cpus))
	}
	entries := make([][]byte, 0, cpus+1)
	for i := 0; i < cpus; i++ {
		entries = append(entries, LocalAPIC(uint8(i), uint8(2*i), true))
	}
	entries = append(entries, IOAPIC(uint8(cpus), 0xfec00000, 0))
	return New(2).
		Add(acpi.SignatureFADT, make([]byte, 80)).
		AddMADT(0xfee00000, entries...).
		Add(acpi.SignatureHPET, make([]byte, 20))
}
