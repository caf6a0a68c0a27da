// Copyright 2026 The gVisor Authors.
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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/extable/cmd/extable/config"
	"gvisor.dev/extable/pkg/extable"
	"gvisor.dev/extable/pkg/extable/manifest"
	"gvisor.dev/extable/pkg/log"
	"gvisor.dev/extable/pkg/module"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by scripts, so they are written in JSON.
var ErrorLogger io.Writer

// Infof writes message to log and stdout.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

type jsonError struct {
	Msg   string    `json:"msg"`
	Level string    `json:"level"`
	Time  time.Time `json:"time"`
}

// Errorf logs error to the error log (--log), to stderr, and debug logs. It
// returns subcommands.ExitFailure for convenience with subcommand.Execute()
// methods:
//
//	return Errorf("Danger! Danger!")
func Errorf(format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintln(os.Stderr, msg)
	if ErrorLogger != nil {
		j, _ := json.Marshal(jsonError{Msg: msg, Level: "error", Time: time.Now()})
		ErrorLogger.Write(j)
	}
	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf() does, plus *exits* the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	// Return an error that is unlikely to be used by the application.
	os.Exit(128)
}

// Build reads the manifest named by conf and builds its registry and
// loader. Without a manifest, the registry is empty.
func Build(ctx context.Context, conf *config.Config) (*extable.Registry, *module.Loader, error) {
	opts := manifest.BuildOpts{
		Verify:        conf.Verify,
		UnloadTimeout: conf.UnloadTimeout,
	}
	if conf.Manifest == "" {
		reg := extable.NewRegistry(nil)
		return reg, module.NewLoader(reg, module.Opts{Verify: opts.Verify, UnloadTimeout: opts.UnloadTimeout}), nil
	}
	m, err := manifest.ReadFile(conf.Manifest)
	if err != nil {
		return nil, nil, err
	}
	reg, loader, err := manifest.Build(ctx, m, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("building tables from %q: %w", conf.Manifest, err)
	}
	log.Infof("Built %d tables from %q", len(reg.Tables()), conf.Manifest)
	return reg, loader, nil
}
