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

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"ktf.dev/ktf/pkg/log"
)

// ErrorLogger is where error messages should be written to, in addition to
// the debug log and stderr. May be nil.
var ErrorLogger io.Writer

// Errorf logs the message to the error logger, the debug log and stderr and
// returns subcommands.ExitFailure for convenience.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Log().WarningfAtDepth(1, format, args...)
	msg := fmt.Sprintf(format, args...)
	if ErrorLogger != nil {
		fmt.Fprintln(ErrorLogger, msg)
	}
	fmt.Fprintln(os.Stderr, msg)
	return subcommands.ExitFailure
}

// Fatalf logs the same message as Errorf and exits with status 128.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}
