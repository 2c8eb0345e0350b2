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

// Package cli is the main entrypoint for ktf.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"runtime"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"ktf.dev/ktf/harness/cmd"
	"ktf.dev/ktf/harness/cmd/util"
	"ktf.dev/ktf/harness/config"
	"ktf.dev/ktf/pkg/log"
)

// Main is the main entrypoint.
func Main() {
	forEachCmd(subcommands.Register)
	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}
	setupLogging(conf)

	const banner = `================ ktf ================`
	log.Infof(banner)
	log.Infof("%s on %s/%s, %d host CPUs, PID %d", runtime.Version(), runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), os.Getpid())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(banner)

	// Interrupting a boot terminates the dispatch loops.
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	status := subcommands.Execute(ctx, conf)
	stop()
	if status != subcommands.ExitSuccess {
		log.Warningf("Command failed with status %v", status)
	}
	os.Exit(int(status))
}

// setupLogging points the global logger at the destinations conf names.
// Stdout carries command output, so with none configured logs are dropped.
func setupLogging(conf *config.Config) {
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	var targets log.MultiEmitter
	if conf.DebugLog != "" {
		f, err := os.OpenFile(conf.DebugLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			util.Fatalf("opening debug log %q: %v", conf.DebugLog, err)
		}
		targets = append(targets, newEmitter(conf.DebugLogFormat, f))
		util.ErrorLogger = f
	}
	if conf.AlsoLogToStderr {
		targets = append(targets, newEmitter(conf.DebugLogFormat, os.Stderr))
	}

	switch len(targets) {
	case 0:
		log.SetTarget(newEmitter("text", io.Discard))
	case 1:
		log.SetTarget(targets[0])
	default:
		log.SetTarget(&targets)
	}
}

// forEachCmd invokes the passed callback for each command supported by ktf.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Boot), "")

	const debugGroup = "debug"
	cb(new(cmd.Tables), debugGroup)
	cb(new(cmd.Translate), debugGroup)
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	}
	util.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
