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
	"strings"

	"github.com/google/subcommands"
	"ktf.dev/ktf/harness/boot"
	"ktf.dev/ktf/harness/cmd/util"
	"ktf.dev/ktf/harness/config"
	"ktf.dev/ktf/pkg/acpi"
)

// Tables implements subcommands.Command for the "tables" command.
type Tables struct {
	format string
}

// Name implements subcommands.Command.Name.
func (*Tables) Name() string {
	return "tables"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Tables) Synopsis() string {
	return "list the ACPI tables and processors discovered at boot"
}

// Usage implements subcommands.Command.Usage.
func (*Tables) Usage() string {
	return `tables [flags] [signature...] - list discovered ACPI tables, or only those with the given signatures.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *Tables) SetFlags(f *flag.FlagSet) {
	outputFlag(f, &t.format)
}

// tableInfo is the structured form of one table.
type tableInfo struct {
	Signature string `json:"signature" yaml:"signature"`
	Addr      string `json:"addr" yaml:"addr"`
	Length    uint32 `json:"length" yaml:"length"`
	Revision  uint8  `json:"revision" yaml:"revision"`
	OEMID     string `json:"oem_id" yaml:"oem_id"`
}

// tablesReport is the structured output of the command.
type tablesReport struct {
	RSDP       string           `json:"rsdp,omitempty" yaml:"rsdp,omitempty"`
	Revision   uint8            `json:"revision" yaml:"revision"`
	Tables     []tableInfo      `json:"tables" yaml:"tables"`
	Dropped    int              `json:"dropped,omitempty" yaml:"dropped,omitempty"`
	Processors []acpi.Processor `json:"processors" yaml:"processors"`
}

// Execute implements subcommands.Command.Execute.
func (t *Tables) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)

	var sigs []acpi.Signature
	for _, arg := range f.Args() {
		sig, err := acpi.ParseSignature(arg)
		if err != nil {
			f.Usage()
			return subcommands.ExitUsageError
		}
		sigs = append(sigs, sig)
	}

	m, err := boot.Setup(conf)
	if err != nil {
		return util.Errorf("setup failed: %v", err)
	}
	defer m.Close()

	r := newTablesReport(m.ACPI, sigs)
	text := func(w io.Writer) error {
		if len(sigs) == 0 {
			return m.ACPI.Dump(w)
		}
		for _, sig := range sigs {
			if tab := m.ACPI.FindTable(sig); tab != nil {
				if _, err := fmt.Fprintf(w, "ACPI: %v\n", tab); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := writeOutput(os.Stdout, t.format, r, text); err != nil {
		return util.Errorf("%v", err)
	}
	if len(sigs) > 0 && len(r.Tables) != len(sigs) {
		return util.Errorf("%d of %d requested tables not found", len(sigs)-len(r.Tables), len(sigs))
	}
	return subcommands.ExitSuccess
}

// newTablesReport describes reg, restricted to sigs if any are given.
func newTablesReport(reg *acpi.Registry, sigs []acpi.Signature) *tablesReport {
	r := &tablesReport{
		Dropped:    reg.Dropped(),
		Processors: reg.Processors(),
	}
	if rsdp, pa, ok := reg.RSDP(); ok {
		r.RSDP = pa.String()
		r.Revision = rsdp.Revision
	}
	add := func(tab *acpi.Table) {
		r.Tables = append(r.Tables, tableInfo{
			Signature: tab.Signature.String(),
			Addr:      tab.Addr.String(),
			Length:    tab.Length,
			Revision:  tab.Revision,
			OEMID:     strings.TrimRight(string(tab.OEMID[:]), "\x00 "),
		})
	}
	if len(sigs) == 0 {
		for _, tab := range reg.Tables() {
			add(tab)
		}
		return r
	}
	for _, sig := range sigs {
		if tab := reg.FindTable(sig); tab != nil {
			add(tab)
		}
	}
	return r
}
