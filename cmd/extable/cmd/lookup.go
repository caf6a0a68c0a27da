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
	"golang.org/x/sys/unix"
	"gvisor.dev/extable/cmd/extable/cmd/util"
	"gvisor.dev/extable/cmd/extable/config"
	"gvisor.dev/extable/pkg/extable"
	"gvisor.dev/extable/pkg/trap"
)

// Lookup implements subcommands.Command for the "lookup" command.
type Lookup struct {
	trap bool
	bus  bool
}

// Name implements subcommands.Command.Name.
func (*Lookup) Name() string {
	return "lookup"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Lookup) Synopsis() string {
	return "find the fixups for faulting instruction addresses"
}

// Usage implements subcommands.Command.Usage.
func (*Lookup) Usage() string {
	return `lookup [-trap [-bus]] <addr>... - looks up each address in the tables of --manifest.

With -trap, each address is delivered as a fault to the trap handler and the
resulting registers are printed.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Lookup) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&l.trap, "trap", false, "deliver each address to the trap handler as a faulting pc.")
	f.BoolVar(&l.bus, "bus", false, "with -trap, deliver SIGBUS instead of SIGSEGV.")
}

// Execute implements subcommands.Command.Execute.
func (l *Lookup) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	addrs, err := parseAddrs(f.Args())
	if err != nil {
		return util.Errorf("%v", err)
	}
	reg, _, err := util.Build(ctx, conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	if l.trap {
		sig := unix.SIGSEGV
		if l.bus {
			sig = unix.SIGBUS
		}
		h := trap.NewHandler(reg, trap.Opts{MissLogEvery: conf.MissLogEvery})
		deliver(os.Stdout, h, sig, addrs)
		return subcommands.ExitSuccess
	}
	if !lookup(os.Stdout, reg, addrs) {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// lookup prints the match for each address and returns true if all of them
// were found.
func lookup(w io.Writer, reg *extable.Registry, addrs []extable.Addr) bool {
	all := true
	for _, addr := range addrs {
		m, ok := reg.SearchEntry(addr)
		if !ok {
			fmt.Fprintf(w, "%v: no fixup\n", addr)
			all = false
			continue
		}
		fmt.Fprintf(w, "%v: fixup %v (table %q entry %d insn %v)", addr, m.Fixup.Addr, m.Table.Name(), m.Index, m.Insn)
		if m.Fixup.Regs {
			fmt.Fprintf(w, " err_reg %d val_reg %d", m.Fixup.ErrReg, m.Fixup.ValReg)
		}
		fmt.Fprintln(w)
	}
	return all
}

// deliver runs a fault at each address through h and prints the outcome.
func deliver(w io.Writer, h *trap.Handler, sig unix.Signal, addrs []extable.Addr) {
	for _, addr := range addrs {
		var regs trap.Regs
		regs.PC = uint64(addr)
		if err := h.Handle(trap.Fault{Signal: sig, Addr: uintptr(addr)}, &regs); err != nil {
			fmt.Fprintf(w, "%v: %v\n", addr, err)
			continue
		}
		fmt.Fprintf(w, "%v: resume at %#x", addr, regs.PC)
		for i, v := range regs.GPR {
			if v != 0 {
				fmt.Fprintf(w, " r%d=%#x", i, v)
			}
		}
		fmt.Fprintln(w)
	}
}
