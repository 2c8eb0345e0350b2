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

// Package boot brings up a machine: physical memory, page tables, the kernel
// window, firmware tables, ACPI discovery and one task per processor.
package boot

import (
	"fmt"
	"os"

	"ktf.dev/ktf/harness/config"
	"ktf.dev/ktf/pkg/acpi"
	"ktf.dev/ktf/pkg/acpi/firmware"
	"ktf.dev/ktf/pkg/hostarch"
	"ktf.dev/ktf/pkg/kmap"
	"ktf.dev/ktf/pkg/log"
	"ktf.dev/ktf/pkg/physmem"
	"ktf.dev/ktf/pkg/ring0/pagetables"
)

// lowMemoryFlags map the legacy BIOS area.
const lowMemoryFlags = pagetables.Present | pagetables.Writable

// Machine is the result of initialization. After Setup returns, the page
// tables and the ACPI registry are not modified again.
type Machine struct {
	conf *config.Config

	Mem      *physmem.Memory
	PT       *pagetables.PageTables
	KMap     *kmap.Mapper
	Firmware hostarch.PhysRange
	ACPI     *acpi.Registry
}

// Setup initializes everything up to ACPI discovery. conf is cloned; the
// caller may keep modifying its copy.
func Setup(conf *config.Config) (*Machine, error) {
	m := &Machine{conf: conf.Clone()}
	if err := m.setup(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (m *Machine) setup() error {
	var err error
	if m.Mem, err = physmem.New(m.conf.MemorySize); err != nil {
		return fmt.Errorf("creating physical memory: %w", err)
	}
	log.Infof("Physical memory: %#x bytes, %d frames", m.Mem.Size(), m.Mem.Frames())

	// Firmware goes in before anything is allocated so that an image above
	// low memory is never handed out.
	if err := m.loadFirmware(); err != nil {
		return err
	}
	if m.Firmware.Length() > 0 {
		if err := m.Mem.Reserve(m.Firmware, physmem.ACPI); err != nil {
			return fmt.Errorf("reserving firmware range %v: %w", m.Firmware, err)
		}
	}

	g := m.conf.Geometry()
	if m.PT, err = pagetables.New(pagetables.NewPhysAllocator(m.Mem), g); err != nil {
		return fmt.Errorf("creating %s page tables: %w", g.Name, err)
	}
	if err := m.PT.Map(0, 0, uint64(physmem.LowMemoryEnd), lowMemoryFlags); err != nil {
		return fmt.Errorf("identity mapping low memory: %w", err)
	}
	m.KMap = kmap.New(m.PT, m.Mem, kmap.KernelBase(g))
	if err := m.KMap.Prepare(m.Mem.Size()); err != nil {
		return err
	}
	log.Infof("Page tables: %s, CR3 %#x", g.Name, m.PT.CR3())

	m.ACPI = acpi.Discover(m.KMap, acpi.Options{
		UnknownEntries: m.conf.UnknownEntries,
		MaxTables:      m.conf.MaxTables,
	})
	log.Infof("ACPI: %d tables, %d processors", len(m.ACPI.Tables()), m.ACPI.NumCPUs())
	return nil
}

// loadFirmware fills low memory with tables, either from the configured
// image or generated.
func (m *Machine) loadFirmware() error {
	if m.conf.Firmware != "" {
		f, err := os.Open(m.conf.Firmware)
		if err != nil {
			return fmt.Errorf("opening firmware image: %w", err)
		}
		defer f.Close()
		base := hostarch.PhysAddr(m.conf.FirmwareBase)
		n, err := m.Mem.Load(f, base)
		if err != nil {
			return fmt.Errorf("loading firmware image %q at %v: %w", m.conf.Firmware, base, err)
		}
		m.Firmware = hostarch.PhysRange{Start: base, End: base + hostarch.PhysAddr(n)}
		log.Infof("Firmware: loaded %q at %v", m.conf.Firmware, m.Firmware)
		return nil
	}

	b := firmware.Synthetic(m.conf.CPUs)
	b.Revision = uint8(m.conf.ACPIRevision)
	b.EBDA = m.conf.RSDPInEBDA
	l, err := b.WriteTo(m.Mem)
	if err != nil {
		return fmt.Errorf("writing synthetic firmware: %w", err)
	}
	m.Firmware = l.Range()
	log.Infof("Firmware: synthetic tables at %v, RSDP at %v", m.Firmware, l.RSDP)
	return nil
}

// Processors returns the enabled processors. Without topology information
// the bootstrap processor is assumed to be alone.
func (m *Machine) Processors() []acpi.Processor {
	var ps []acpi.Processor
	for _, p := range m.ACPI.Processors() {
		if p.Enabled {
			ps = append(ps, p)
		}
	}
	if len(ps) == 0 {
		log.Warningf("No enabled processors described, assuming a single bootstrap processor")
		ps = append(ps, acpi.Processor{ID: 0, Enabled: true, BSP: true})
	}
	return ps
}

// Close releases physical memory.
func (m *Machine) Close() error {
	if m.Mem == nil {
		return nil
	}
	err := m.Mem.Close()
	m.Mem = nil
	return err
}
