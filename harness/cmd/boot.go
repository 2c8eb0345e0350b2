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
	"text/tabwriter"

	"github.com/google/subcommands"
	"ktf.dev/ktf/harness/boot"
	"ktf.dev/ktf/harness/cmd/util"
	"ktf.dev/ktf/harness/config"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	format string
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot a machine and run one task per processor"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - boot a machine, discover its processors and run a task on each.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	outputFlag(f, &b.format)
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	r, err := boot.Boot(ctx, conf)
	if err != nil {
		return util.Errorf("boot failed: %v", err)
	}
	if err := writeOutput(os.Stdout, b.format, r, func(w io.Writer) error { return writeBootReport(w, r) }); err != nil {
		return util.Errorf("%v", err)
	}
	if !r.Completed {
		return util.Errorf("not all tasks finished")
	}
	return subcommands.ExitSuccess
}

func writeBootReport(w io.Writer, r *boot.Report) error {
	fmt.Fprintf(w, "Paging: %s\n", r.Paging)
	fmt.Fprintf(w, "Memory: %#x\n", r.Memory)
	fmt.Fprintf(w, "Tables: %s\n", strings.Join(r.Tables, " "))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprint(tw, "ID\tNAME\tCPU\tSTATE\tOUTPUT\n")
	for _, t := range r.Tasks {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", t.ID, t.Name, t.CPU, t.State, t.Output)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	status := "completed"
	if !r.Completed {
		status = "terminated"
	}
	_, err := fmt.Fprintf(w, "%d tasks %s in %v\n", len(r.Tasks), status, r.Elapsed)
	return err
}
