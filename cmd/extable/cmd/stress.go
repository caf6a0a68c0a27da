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
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/extable/cmd/extable/cmd/util"
	"gvisor.dev/extable/cmd/extable/config"
	"gvisor.dev/extable/pkg/extable"
	"gvisor.dev/extable/pkg/log"
	"gvisor.dev/extable/pkg/module"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	modules int
	entries int
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "race lookups against module loads and unloads"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [-modules=N] [-entries=N] - repeatedly loads and unloads synthetic modules while
--stress-workers goroutines look up their entries, for --stress-duration.
Fails if a lookup from inside a loaded module misses or any lookup returns
a wrong fixup.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.modules, "modules", 8, "number of synthetic modules, at most 65536.")
	f.IntVar(&s.entries, "entries", 256, "number of exception table entries per synthetic module, at most 65536.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if s.modules < 1 || s.modules > maxStressModules || s.entries < 1 || s.entries > maxStressEntries {
		f.Usage()
		return subcommands.ExitUsageError
	}
	reg, loader, err := util.Build(ctx, conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	workers := conf.StressWorkers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	ctx, cancel := context.WithTimeout(ctx, conf.StressDuration)
	defer cancel()

	st := stressTest{
		reg:     reg,
		loader:  loader,
		modules: s.modules,
		entries: s.entries,
	}
	start := time.Now()
	if err := st.run(ctx, workers); err != nil {
		return util.Errorf("stress failed: %v", err)
	}
	stats := reg.Stats()
	util.Infof("%d workers ran %d lookups (%d hits) against %d loads and %d unloads in %v",
		workers, st.lookups.Load(), stats.Hits, st.loads.Load(), st.unloads.Load(), time.Since(start).Round(time.Millisecond))
	return subcommands.ExitSuccess
}

// stressBase is above any address used by real tables. Module i's code
// starts at stressBase + i<<24, and its fixups 1MB further on.
const stressBase = extable.Addr(0xffffe00000000000)

const (
	maxStressModules = 1 << 16
	maxStressEntries = 1 << 16
)

// stressTest loads and unloads synthetic modules while looking up their
// entries.
type stressTest struct {
	reg     *extable.Registry
	loader  *module.Loader
	modules int
	entries int

	lookups atomic.Uint64
	loads   atomic.Uint64
	unloads atomic.Uint64
}

func (st *stressTest) name(i int) string {
	return fmt.Sprintf("stress-%d", i)
}

func (st *stressTest) insn(i, j int) extable.Addr {
	return stressBase + extable.Addr(i)<<24 + extable.Addr(j)*16
}

func (st *stressTest) fixup(i, j int) extable.Addr {
	return stressBase + extable.Addr(i)<<24 + 1<<20 + extable.Addr(j)
}

// image returns module i with its entries in descending order, so every
// load has to sort.
func (st *stressTest) image(i int) module.Image {
	entries := make([]extable.Entry, st.entries)
	for j := range entries {
		k := st.entries - 1 - j
		entries[j] = extable.Entry{Insn: uint64(st.insn(i, k)), Fixup: uint64(st.fixup(i, k))}
	}
	return module.Image{
		Name:      st.name(i),
		Kind:      extable.Absolute,
		Entries:   entries,
		TextStart: st.insn(i, 0),
		TextEnd:   st.insn(i, st.entries),
	}
}

// run returns when ctx is done or a lookup goes wrong.
func (st *stressTest) run(ctx context.Context, workers int) error {
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		rng := rand.New(rand.NewSource(int64(w)))
		g.Go(func() error { return st.lookupLoop(gctx, rng) })
	}
	g.Go(func() error { return st.loadLoop(gctx) })
	err := g.Wait()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (st *stressTest) lookupLoop(ctx context.Context, rng *rand.Rand) error {
	for ctx.Err() == nil {
		i, j := rng.Intn(st.modules), rng.Intn(st.entries)
		pc, want := st.insn(i, j), st.fixup(i, j)
		inside := false
		m, ok := st.loader.Module(st.name(i))
		if ok {
			inside = m.Enter()
		}
		f, found := st.reg.Search(pc)
		if inside {
			m.Leave()
		}
		st.lookups.Add(1)
		switch {
		case inside && !found:
			return fmt.Errorf("lookup of %v missed while module %q is in use", pc, st.name(i))
		case found && f.Addr != want:
			return fmt.Errorf("lookup of %v: got fixup %v, wanted %v", pc, f.Addr, want)
		}
	}
	return nil
}

func (st *stressTest) loadLoop(ctx context.Context) error {
	loaded := make([]bool, st.modules)
	for n := 0; ctx.Err() == nil; n++ {
		i := n % st.modules
		if loaded[i] {
			if err := st.loader.Unload(ctx, st.name(i)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				// Still in use; try again next time round.
				log.Debugf("Unload of %q failed: %v", st.name(i), err)
				continue
			}
			st.unloads.Add(1)
		} else {
			if _, err := st.loader.Load(ctx, st.image(i)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			st.loads.Add(1)
		}
		loaded[i] = !loaded[i]
		runtime.Gosched()
	}
	return nil
}
