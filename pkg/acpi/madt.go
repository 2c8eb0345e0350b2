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
	"fmt"
	"sort"

	"ktf.dev/ktf/pkg/binary"
	"ktf.dev/ktf/pkg/log"
)

// UnknownEntryPolicy selects how an unrecognized MADT entry is handled.
type UnknownEntryPolicy int

const (
	// UnknownEntryPanic treats the entry as fatal.
	UnknownEntryPanic UnknownEntryPolicy = iota

	// UnknownEntryWarn logs and skips the entry.
	UnknownEntryWarn
)

// String implements fmt.Stringer.String.
func (p UnknownEntryPolicy) String() string {
	switch p {
	case UnknownEntryPanic:
		return "panic"
	case UnknownEntryWarn:
		return "warn"
	default:
		return fmt.Sprintf("UnknownEntryPolicy(%d)", int(p))
	}
}

// ParseUnknownEntryPolicy parses the String form of a policy.
func ParseUnknownEntryPolicy(s string) (UnknownEntryPolicy, error) {
	switch s {
	case "panic":
		return UnknownEntryPanic, nil
	case "warn":
		return UnknownEntryWarn, nil
	default:
		return 0, fmt.Errorf("invalid MADT unknown entry policy %q, must be panic or warn", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p UnknownEntryPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *UnknownEntryPolicy) UnmarshalText(text []byte) error {
	v, err := ParseUnknownEntryPolicy(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Processor is the topology record of one logical processor.
type Processor struct {
	// ID is the ACPI processor id.
	ID uint8 `json:"id" yaml:"id"`

	// APICID is the local APIC id.
	APICID uint8 `json:"apic_id" yaml:"apic_id"`

	Enabled bool `json:"enabled" yaml:"enabled"`

	// BSP is set for the bootstrap processor, ID 0.
	BSP bool `json:"bsp" yaml:"bsp"`
}

// processMADT walks the MADT entries, recording local APICs.
func (r *Registry) processMADT(policy UnknownEntryPolicy) {
	t := r.FindTable(SignatureMADT)
	if t == nil {
		log.Infof("acpi: no MADT")
		return
	}
	if _, err := binary.Decode(t.Data, &r.madt); err != nil {
		log.Warningf("acpi: MADT too short: %v", err)
		return
	}
	log.Infof("acpi: [MADT] LAPIC Addr: %#x, Flags: %08x", r.madt.LAPICAddr, r.madt.Flags)

	for off := madtSize; off+madtEntrySize <= len(t.Data); {
		var h MADTEntryHeader
		binary.Decode(t.Data[off:], &h)
		if int(h.Length) < madtEntrySize || off+int(h.Length) > len(t.Data) {
			log.Warningf("acpi: [MADT] malformed entry at offset %#x, length %d", off, h.Length)
			return
		}
		entry := t.Data[off : off+int(h.Length)]
		off += int(h.Length)

		switch h.Type {
		case MADTTypeLocalAPIC:
			var lapic MADTLocalAPIC
			if _, err := binary.Decode(entry, &lapic); err != nil {
				log.Warningf("acpi: [MADT] short local APIC entry: %v", err)
				continue
			}
			p := Processor{
				ID:      lapic.ProcessorID,
				APICID:  lapic.APICID,
				Enabled: lapic.Flags&1 != 0,
				BSP:     lapic.ProcessorID == 0,
			}
			r.processors[p.ID] = p
			r.nrCPUs++
			log.Infof("acpi: [MADT] APIC Processor ID: %d, APIC ID: %d, Flags: %08x", p.ID, p.APICID, lapic.Flags)
		case MADTTypeIOAPIC, MADTTypeIRQSource, MADTTypeNMI, MADTTypeLocalAPICAddr:
		default:
			if policy == UnknownEntryWarn {
				log.Warningf("acpi: [MADT] skipping unknown entry type %d", h.Type)
				continue
			}
			panic(fmt.Sprintf("unknown ACPI MADT entry type: %d", h.Type))
		}
	}
}

// MADT returns the fixed part of the MADT, if one was found.
func (r *Registry) MADT() (MADT, bool) {
	return r.madt, r.madt.Signature == SignatureMADT
}

// NumCPUs returns the number of processor entries discovered.
func (r *Registry) NumCPUs() int {
	return r.nrCPUs
}

// Processor returns the record for processor id.
func (r *Registry) Processor(id uint8) (Processor, bool) {
	p, ok := r.processors[id]
	return p, ok
}

// Processors returns all records ordered by id.
func (r *Registry) Processors() []Processor {
	ps := make([]Processor, 0, len(r.processors))
	for _, p := range r.processors {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
	return ps
}
