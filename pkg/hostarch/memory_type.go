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

package hostarch

import "fmt"

// MemoryType is the caching mode of a mapping. Under the power-on PAT layout
// each type is selected by the PWT and PCD bits of the mapping entry alone.
type MemoryType uint8

const (
	// MemoryTypeWriteBack is fully cached. It is the zero value.
	MemoryTypeWriteBack MemoryType = iota

	// MemoryTypeWriteThrough caches reads only.
	MemoryTypeWriteThrough

	// MemoryTypeUncached is used for firmware and device ranges.
	MemoryTypeUncached

	// NumMemoryTypes is the number of memory types.
	NumMemoryTypes
)

var memoryTypeNames = [NumMemoryTypes]struct{ long, short string }{
	MemoryTypeWriteBack:    {"WriteBack", "WB"},
	MemoryTypeWriteThrough: {"WriteThrough", "WT"},
	MemoryTypeUncached:     {"Uncached", "UC"},
}

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	if mt < NumMemoryTypes {
		return memoryTypeNames[mt].long
	}
	return fmt.Sprintf("MemoryType(%d)", uint8(mt))
}

// ShortString returns the two letter abbreviation used in entry dumps.
func (mt MemoryType) ShortString() string {
	if mt < NumMemoryTypes {
		return memoryTypeNames[mt].short
	}
	return fmt.Sprintf("%02d", uint8(mt))
}
