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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"ktf.dev/ktf/pkg/acpi"
	"ktf.dev/ktf/pkg/hostarch"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML file with settings. Flags given on the command line take precedence.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("debug-log", "", "file path where debug logs are written.")
	flagSet.String("debug-log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")

	// Machine flags.
	flagSet.Uint64("memory", 64*hostarch.MB, "size of physical memory in bytes.")
	flagSet.String("paging", Paging64, "page table geometry: 4-level (default) or pae.")

	// Firmware flags.
	flagSet.String("firmware", "", "image of low physical memory holding ACPI tables. Empty generates synthetic tables.")
	flagSet.Uint64("firmware-base", 0, "physical address the firmware image is loaded at.")
	flagSet.Int("cpus", 4, "number of processors described by synthetic firmware.")
	flagSet.Int("acpi-revision", 2, "root pointer revision of synthetic firmware; below 2 uses an RSDT.")
	flagSet.Bool("rsdp-in-ebda", false, "place the synthetic root pointer in the EBDA instead of the BIOS area.")
	flagSet.Var(unknownEntriesPtr(acpi.UnknownEntryPanic), "madt-unknown", "action on unknown MADT entry types: panic (default), warn.")
	flagSet.Int("max-tables", 0, "cap on registered ACPI tables; 0 uses the built in capacity.")

	// Scheduler flags.
	flagSet.Uint64("task-frames", 0, "cap on frames available to task records; 0 means no cap.")
	flagSet.Int("create-retries", 3, "retries of task creation when memory is exhausted.")
	flagSet.Duration("create-backoff", 10*time.Millisecond, "delay between task creation retries.")
	flagSet.Duration("timeout", 10*time.Second, "time to wait for all tasks before terminating; 0 waits forever.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags and, if --config is set, from the named file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	if err := conf.setFromFlags(flagSet, func(*flag.Flag) bool { return true }); err != nil {
		return nil, err
	}

	if conf.ConfigFile != "" {
		if err := conf.loadFile(conf.ConfigFile); err != nil {
			return nil, err
		}
		explicit := make(map[string]bool)
		flagSet.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
		if err := conf.setFromFlags(flagSet, func(f *flag.Flag) bool { return explicit[f.Name] }); err != nil {
			return nil, err
		}
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFromFlags copies the value of every flag accepted by include into the
// matching field.
func (c *Config) setFromFlags(flagSet *flag.FlagSet, include func(*flag.Flag) bool) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if !include(fl) {
			continue
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			return fmt.Errorf("flag %q has no getter", name)
		}
		obj.Field(i).Set(reflect.ValueOf(getter.Get()))
	}
	return nil
}

// loadFile overlays the TOML file at path.
func (c *Config) loadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("error reading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("unknown keys in config file %q: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// unknownEntries is a flag.Value for acpi.UnknownEntryPolicy.
type unknownEntries acpi.UnknownEntryPolicy

func unknownEntriesPtr(v acpi.UnknownEntryPolicy) *unknownEntries {
	p := unknownEntries(v)
	return &p
}

// String implements flag.Value.
func (p *unknownEntries) String() string {
	return acpi.UnknownEntryPolicy(*p).String()
}

// Get implements flag.Getter.
func (p *unknownEntries) Get() any {
	return acpi.UnknownEntryPolicy(*p)
}

// Set implements flag.Value.
func (p *unknownEntries) Set(v string) error {
	policy, err := acpi.ParseUnknownEntryPolicy(v)
	if err != nil {
		return err
	}
	*p = unknownEntries(policy)
	return nil
}
