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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/extable/cmd/extable/cmd/util"
	"gvisor.dev/extable/cmd/extable/config"
	"gvisor.dev/extable/pkg/extable"
)

// Verify implements subcommands.Command for the "verify" command.
type Verify struct{}

// Name implements subcommands.Command.Name.
func (*Verify) Name() string {
	return "verify"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Verify) Synopsis() string {
	return "check that every exception table is sorted"
}

// Usage implements subcommands.Command.Usage.
func (*Verify) Usage() string {
	return `verify - builds the tables of --manifest and checks their order.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Verify) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Verify) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := *args[0].(*config.Config)
	if conf.Manifest == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf.Verify = true
	reg, _, err := util.Build(ctx, &conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	if err := verify(os.Stdout, reg); err != nil {
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

// verify checks every table of reg and prints a summary.
func verify(w io.Writer, reg *extable.Registry) error {
	var tables, entries int
	for _, t := range reg.Tables() {
		if err := t.Verify(); err != nil {
			return err
		}
		tables++
		entries += t.Len()
	}
	fmt.Fprintf(w, "OK: %d tables, %d entries\n", tables, entries)
	return nil
}
