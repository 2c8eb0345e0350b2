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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/google/subcommands"
	"ktf.dev/ktf/harness/boot"
	"ktf.dev/ktf/harness/cmd/util"
	"ktf.dev/ktf/harness/config"
	"ktf.dev/ktf/pkg/hostarch"
	"ktf.dev/ktf/pkg/ring0/pagetables"
)

// Translate implements subcommands.Command for the "translate" command.
type Translate struct {
	format string
	phys   bool
	dump   bool
}

// Name implements subcommands.Command.Name.
func (*Translate) Name() string {
	return "translate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Translate) Synopsis() string {
	return "walk the boot page tables for the given addresses"
}

// Usage implements subcommands.Command.Usage.
func (*Translate) Usage() string {
	return `translate [flags] <address>... - show the page table entries mapping each virtual address.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *Translate) SetFlags(f *flag.FlagSet) {
	outputFlag(f, &t.format)
	f.BoolVar(&t.phys, "phys", false, "addresses are physical; translate their kernel window address.")
	f.BoolVar(&t.dump, "dump", false, "dump every present leaf entry before translating.")
}

// levelEntry is the entry a walk found at one level.
type levelEntry struct {
	Level string `json:"level" yaml:"level"`
	PTE   string `json:"pte" yaml:"pte"`
}

// translation is the structured result for one address.
type translation struct {
	Virt    string       `json:"virt" yaml:"virt"`
	Entries []levelEntry `json:"entries" yaml:"entries"`
	Phys    string       `json:"phys,omitempty" yaml:"phys,omitempty"`
	Mapped  bool         `json:"mapped" yaml:"mapped"`
}

// Execute implements subcommands.Command.Execute.
func (t *Translate) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 && !t.dump {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	addrs := make([]uint64, 0, f.NArg())
	for _, arg := range f.Args() {
		v, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			return util.Errorf("invalid address %q: %v", arg, err)
		}
		addrs = append(addrs, v)
	}

	m, err := boot.Setup(conf)
	if err != nil {
		return util.Errorf("setup failed: %v", err)
	}
	defer m.Close()

	if t.dump {
		if err := m.PT.Dump(os.Stdout); err != nil {
			return util.Errorf("dumping page tables: %v", err)
		}
	}

	results := make([]translation, 0, len(addrs))
	for _, a := range addrs {
		va := hostarch.Addr(a)
		if t.phys {
			// Window entries are installed on demand.
			pa := hostarch.PhysAddr(a)
			if _, ok := m.KMap.Map(pa, 1); !ok {
				return util.Errorf("physical address %#x outside the kernel window", a)
			}
			va, _ = m.KMap.PhysToVirt(pa)
		}
		if !m.PT.Geometry.Canonical(va) {
			return util.Errorf("address %v is not canonical for %s paging", va, m.PT.Geometry.Name)
		}
		results = append(results, walk(m.PT, va))
	}

	text := func(w io.Writer) error {
		for _, r := range results {
			fmt.Fprintf(w, "%s:\n", r.Virt)
			for _, e := range r.Entries {
				fmt.Fprintf(w, "  %-4s %s\n", e.Level, e.PTE)
			}
			if r.Mapped {
				fmt.Fprintf(w, "  -> %s\n", r.Phys)
			} else {
				fmt.Fprintf(w, "  not mapped\n")
			}
		}
		return nil
	}
	if err := writeOutput(os.Stdout, t.format, results, text); err != nil {
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

// walk records the entries mapping va from the root down.
func walk(pt *pagetables.PageTables, va hostarch.Addr) translation {
	r := translation{Virt: va.String()}
	for level := pt.Geometry.Root(); level >= pagetables.L1; level-- {
		pte := pt.Lookup(level, va)
		if pte == nil {
			break
		}
		r.Entries = append(r.Entries, levelEntry{Level: level.String(), PTE: pte.String()})
		if !pte.Present() || pte.Super() {
			break
		}
	}
	if pa, ok := pt.Translate(va); ok {
		r.Phys = pa.String()
		r.Mapped = true
	}
	return r
}
