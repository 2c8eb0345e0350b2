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
	"strings"

	"ktf.dev/ktf/pkg/binary"
	"ktf.dev/ktf/pkg/hostarch"
)

// Signature is the four character tag identifying a table.
type Signature [4]byte

// Well known signatures.
var (
	SignatureRSDT = Signature{'R', 'S', 'D', 'T'}
	SignatureXSDT = Signature{'X', 'S', 'D', 'T'}
	SignatureMADT = Signature{'A', 'P', 'I', 'C'}
	SignatureFADT = Signature{'F', 'A', 'C', 'P'}
	SignatureHPET = Signature{'H', 'P', 'E', 'T'}
)

// ParseSignature converts a four character string to a Signature.
func ParseSignature(s string) (Signature, error) {
	var sig Signature
	if len(s) != len(sig) {
		return sig, fmt.Errorf("signature %q is not %d characters", s, len(sig))
	}
	copy(sig[:], s)
	return sig, nil
}

// String implements fmt.Stringer.String.
func (s Signature) String() string {
	return printable(s[:])
}

// printable renders a fixed width firmware string, replacing anything
// outside printable ASCII with '.' and trimming trailing padding.
func printable(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			c = '.'
		}
		sb.WriteByte(c)
	}
	return strings.TrimRight(sb.String(), " .")
}

// rsdpSignature starts every root pointer, trailing space included.
var rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}

// RSDP is the root system description pointer of ACPI 1.0.
type RSDP struct {
	// Signature must be "RSD PTR ".
	Signature [8]byte

	// Checksum makes the first 20 bytes sum to zero.
	Checksum uint8

	OEMID [6]byte

	// Revision is 0 for ACPI 1.0 and 2 or more for later versions, which
	// use RSDP2.
	Revision uint8

	// RSDTAddr is the physical address of the 32-bit root table.
	RSDTAddr uint32
}

// RSDP2 extends RSDP for revision 2 and later.
type RSDP2 struct {
	RSDP

	// Length of the whole structure.
	Length uint32

	// XSDTAddr is the physical address of the 64-bit root table.
	XSDTAddr uint64

	// ExtendedChecksum makes all 36 bytes sum to zero.
	ExtendedChecksum uint8

	Reserved [3]byte
}

// Sizes of the fixed layouts.
var (
	rsdpSize      = binary.Size(RSDP{})
	rsdp2Size     = binary.Size(RSDP2{})
	headerSize    = binary.Size(Header{})
	madtSize      = binary.Size(MADT{})
	madtEntrySize = binary.Size(MADTEntryHeader{})
	localAPICSize = binary.Size(MADTLocalAPIC{})
)

// Header is the common prefix of every description table.
type Header struct {
	Signature Signature

	// Length of the table including the header.
	Length uint32

	Revision uint8

	// Checksum makes the whole table sum to zero.
	Checksum uint8

	OEMID       [6]byte
	OEMTableID  [8]byte
	OEMRevision uint32

	CreatorID       [4]byte
	CreatorRevision uint32
}

// MADT is the fixed part of the multiple APIC description table. It is
// followed by variable length entries.
type MADT struct {
	Header

	// LAPICAddr is the physical address of the local APIC.
	LAPICAddr uint32

	Flags uint32
}

// MADT entry types.
const (
	MADTTypeLocalAPIC     = 0
	MADTTypeIOAPIC        = 1
	MADTTypeIRQSource     = 2
	MADTTypeNMI           = 4
	MADTTypeLocalAPICAddr = 5
)

// MADTEntryHeader starts every MADT entry.
type MADTEntryHeader struct {
	Type uint8

	// Length of the entry including this header.
	Length uint8
}

// MADTLocalAPIC describes one processor.
type MADTLocalAPIC struct {
	MADTEntryHeader
	ProcessorID uint8
	APICID      uint8

	// Flags bit 0 is set if the processor is enabled.
	Flags uint32
}

// xsdtEntry is one XSDT pointer, stored as two 32-bit halves.
type xsdtEntry struct {
	Low  uint32
	High uint32
}

func (e xsdtEntry) addr() hostarch.PhysAddr {
	return hostarch.PhysAddr(uint64(e.High)<<32 | uint64(e.Low))
}

// Checksum returns the byte sum of b modulo 256. Valid tables sum to zero.
func Checksum(b []byte) uint8 {
	var sum uint8
	for _, c := range b {
		sum += c
	}
	return sum
}
