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
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/extable/cmd/extable/cmd/util"
	"gvisor.dev/extable/cmd/extable/config"
	"gvisor.dev/extable/pkg/extable"
	"gvisor.dev/extable/pkg/extable/manifest"
	"gvisor.dev/extable/pkg/extable/section"
	"gvisor.dev/extable/pkg/module"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	format    string
	table     string
	byteOrder string
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "print the exception tables as they are searched"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump [-format=text|yaml] - prints every table of --manifest, sorted as the loader sorts them.
dump -format=raw|elf -table=<name> [-byte-order=little|big] - writes one table in its section layout, either bare or as an ELF object.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.format, "format", "text", "output format: text, yaml, raw or elf.")
	f.StringVar(&d.table, "table", "", "table to write with -format=raw or elf.")
	f.StringVar(&d.byteOrder, "byte-order", "little", "byte order for -format=raw or elf: little or big.")
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	var order byteOrder
	switch d.format {
	case "text", "yaml":
	case "raw", "elf":
		if d.table == "" {
			f.Usage()
			return subcommands.ExitUsageError
		}
		var err error
		if order, err = parseByteOrder(d.byteOrder); err != nil {
			return util.Errorf("%v", err)
		}
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}
	reg, loader, err := util.Build(ctx, conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	switch d.format {
	case "yaml":
		err = dumpYAML(os.Stdout, reg, loader)
	case "raw", "elf":
		err = dumpSection(os.Stdout, reg, d.table, order, d.format == "elf")
	default:
		err = dumpText(os.Stdout, reg)
	}
	if err != nil {
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

func dumpYAML(w io.Writer, reg *extable.Registry, loader *module.Loader) error {
	m, err := manifest.FromLoader(reg, loader)
	if err != nil {
		return err
	}
	data, err := manifest.Marshal(m)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func dumpText(w io.Writer, reg *extable.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	for _, t := range reg.Tables() {
		fmt.Fprintf(tw, "%v\n", t)
		for i := 0; i < t.Len(); i++ {
			fix := t.FixupAt(i)
			fmt.Fprintf(tw, "\t%d\t%v\t-> %v", i, t.InsnAddr(i), fix.Addr)
			if fix.Regs {
				fmt.Fprintf(tw, "\terr_reg %d\tval_reg %d", fix.ErrReg, fix.ValReg)
			}
			fmt.Fprintln(tw)
		}
	}
	return tw.Flush()
}

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

func parseByteOrder(name string) (byteOrder, error) {
	switch name {
	case "little":
		return binary.LittleEndian, nil
	case "big":
		return binary.BigEndian, nil
	default:
		return nil, fmt.Errorf("unknown byte order %q", name)
	}
}

// dumpSection writes the named table in its section layout. With asELF set
// the section is wrapped in an ELF object that section.ReadELF accepts.
func dumpSection(w io.Writer, reg *extable.Registry, name string, order byteOrder, asELF bool) error {
	for _, t := range reg.Tables() {
		if t.Name() != name {
			continue
		}
		raw := section.Encode(nil, order, t)
		if asELF {
			return section.WriteELF(w, order, uint64(t.Base()), raw)
		}
		_, err := w.Write(raw)
		return err
	}
	return fmt.Errorf("no table named %q", name)
}
