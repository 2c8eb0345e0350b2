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

// Package config provides basic infrastructure to set configuration settings
// for ktf. Each setting that can be changed from the command line must be
// added to Config and a corresponding flag must be registered with
// RegisterFlags. Settings may also come from a TOML file named by --config;
// flags given on the command line win over the file.
package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mohae/deepcopy"
	"ktf.dev/ktf/pkg/acpi"
	"ktf.dev/ktf/pkg/hostarch"
	"ktf.dev/ktf/pkg/kmap"
	"ktf.dev/ktf/pkg/log"
	"ktf.dev/ktf/pkg/ring0/pagetables"
)

// Paging modes.
const (
	Paging64  = "4-level"
	PagingPAE = "pae"
)

// Config holds configuration that is not part of the machine image.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name and, if the setting may come from
//     the configuration file, a toml tag.
//  3. Register a new flag in flags.go, with same name and add a description.
//  4. Add any necessary validation into validate().
//  5. If adding an enum, follow the same pattern as UnknownEntryPolicy.
type Config struct {
	// ConfigFile is the path of a TOML file overlaid on the defaults.
	ConfigFile string `flag:"config" toml:"-"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// DebugLog is the path to log debug information to, if not empty.
	DebugLog string `flag:"debug-log" toml:"debug_log"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat string `flag:"debug-log-format" toml:"debug_log_format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr"`

	// MemorySize is the size of physical memory in bytes.
	MemorySize uint64 `flag:"memory" toml:"memory"`

	// Paging selects the page table geometry.
	Paging string `flag:"paging" toml:"paging"`

	// Firmware is an image of low physical memory holding the ACPI tables.
	// When empty, synthetic tables are generated.
	Firmware string `flag:"firmware" toml:"firmware"`

	// FirmwareBase is the physical address the image is loaded at.
	FirmwareBase uint64 `flag:"firmware-base" toml:"firmware_base"`

	// CPUs is the processor count of synthetic firmware.
	CPUs int `flag:"cpus" toml:"cpus"`

	// ACPIRevision is the root pointer revision of synthetic firmware.
	ACPIRevision int `flag:"acpi-revision" toml:"acpi_revision"`

	// RSDPInEBDA places the synthetic root pointer in the EBDA.
	RSDPInEBDA bool `flag:"rsdp-in-ebda" toml:"rsdp_in_ebda"`

	// UnknownEntries selects how unknown MADT entries are handled.
	UnknownEntries acpi.UnknownEntryPolicy `flag:"madt-unknown" toml:"madt_unknown"`

	// MaxTables caps the table registry below its built in capacity.
	MaxTables int `flag:"max-tables" toml:"max_tables"`

	// TaskFrames caps the frames available for task records. Zero means no
	// cap.
	TaskFrames uint64 `flag:"task-frames" toml:"task_frames"`

	// CreateRetries is how many times task creation is retried when memory
	// is exhausted.
	CreateRetries int `flag:"create-retries" toml:"create_retries"`

	// CreateBackoff is the delay between creation attempts.
	CreateBackoff time.Duration `flag:"create-backoff" toml:"create_backoff"`

	// Timeout bounds the wait for all tasks. Zero waits forever.
	Timeout time.Duration `flag:"timeout" toml:"timeout"`
}

func (c *Config) validate() error {
	g, err := c.geometry()
	if err != nil {
		return err
	}
	// All of memory is reachable through the kernel window.
	size := (c.MemorySize + hostarch.PageSize - 1) &^ (hostarch.PageSize - 1)
	if err := kmap.WindowFits(g, size); err != nil {
		return fmt.Errorf("memory size %d is too large for %s paging: %w", c.MemorySize, c.Paging, err)
	}
	switch c.DebugLogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.DebugLogFormat)
	}
	if c.CPUs < 1 || c.CPUs > 255 {
		return fmt.Errorf("cpus must be in [1, 255], got %d", c.CPUs)
	}
	if c.ACPIRevision < 0 || c.ACPIRevision > 255 {
		return fmt.Errorf("acpi-revision must fit in a byte, got %d", c.ACPIRevision)
	}
	if c.MaxTables < 0 || c.MaxTables > acpi.MaxTables {
		return fmt.Errorf("max-tables must be in [0, %d], got %d", acpi.MaxTables, c.MaxTables)
	}
	if c.CreateRetries < 0 {
		return fmt.Errorf("create-retries must not be negative, got %d", c.CreateRetries)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %v", c.Timeout)
	}
	return nil
}

func (c *Config) geometry() (pagetables.Geometry, error) {
	switch c.Paging {
	case Paging64:
		return pagetables.Geometry64, nil
	case PagingPAE:
		return pagetables.Geometry32, nil
	default:
		return pagetables.Geometry{}, fmt.Errorf("invalid paging mode %q, must be %q or %q", c.Paging, Paging64, PagingPAE)
	}
}

// Geometry returns the page table geometry selected by Paging.
func (c *Config) Geometry() pagetables.Geometry {
	g, err := c.geometry()
	if err != nil {
		panic(err.Error())
	}
	return g
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("  %s: %v", name, obj.Field(i).Interface())
	}
}
