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
	"os"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"gvisor.dev/extable/cmd/extable/cmd/util"
	"gvisor.dev/extable/cmd/extable/config"
	"gvisor.dev/extable/pkg/extable"
	"gvisor.dev/extable/pkg/metric"
	"gvisor.dev/extable/pkg/module"
	"gvisor.dev/extable/pkg/trap"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	exporterPrefix string
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "export lookup metrics in Prometheus text format"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [-exporter-prefix=<extable_>] [<addr>...] - delivers a fault at each address, then prints metric data in Prometheus metric format
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.exporterPrefix, "exporter-prefix", "", "Prefix for all metric names, following Prometheus exporter convention")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	addrs, err := parseAddrs(f.Args())
	if err != nil {
		return util.Errorf("%v", err)
	}
	reg, loader, err := util.Build(ctx, conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	h := trap.NewHandler(reg, trap.Opts{MissLogEvery: conf.MissLogEvery})
	for _, addr := range addrs {
		regs := trap.Regs{PC: uint64(addr)}
		h.Handle(trap.Fault{Signal: unix.SIGSEGV, Addr: uintptr(addr)}, &regs)
	}
	set, err := newMetricSet(reg, loader, h)
	if err != nil {
		return util.Errorf("registering metrics: %v", err)
	}
	if err := set.WriteText(os.Stdout, m.exporterPrefix); err != nil {
		return util.Errorf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}

// newMetricSet returns a set exporting every counter of the registry,
// loader and handler.
func newMetricSet(reg *extable.Registry, loader *module.Loader, h *trap.Handler) (*metric.Set, error) {
	set := metric.NewSet()
	if err := set.RegisterRegistry(reg); err != nil {
		return nil, err
	}
	if err := set.RegisterLoader(loader); err != nil {
		return nil, err
	}
	if h != nil {
		if err := set.RegisterHandler(h); err != nil {
			return nil, err
		}
	}
	if err := set.RegisterRuntimeUint64("go_goroutines", "/sched/goroutines:goroutines"); err != nil {
		return nil, err
	}
	return set, nil
}
