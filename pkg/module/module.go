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

// Package module loads and unloads per-module exception tables.
//
// A Loader owns the module side of an extable.Registry: it sorts each
// module's table before publishing it, indexes module text ranges by
// address, and refuses to unregister a table while code from its module may
// still be running.
package module

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/btree"
	"gvisor.dev/extable/pkg/extable"
	"gvisor.dev/extable/pkg/log"
)

var (
	// ErrExists is returned by Load when a module of the same name is
	// already loaded.
	ErrExists = errors.New("module already loaded")

	// ErrNotFound is returned by Unload for an unknown module.
	ErrNotFound = errors.New("module not loaded")

	// ErrBusy is returned by Unload when the module is still in use once
	// the unload timeout expires.
	ErrBusy = errors.New("module is in use")
)

// Image is a module as handed over by whatever read it from disk.
type Image struct {
	// Name uniquely identifies the module.
	Name string

	// Kind is the encoding of Entries.
	Kind extable.Kind

	// Base is where the table lives, for positional kinds.
	Base extable.Addr

	// Tolerance is the match window, for Range tables.
	Tolerance uint64

	// Entries is the module's exception table, in any order. Load sorts a
	// copy; Entries itself is not modified.
	Entries []extable.Entry

	// TextStart and TextEnd bound the module's code, [TextStart, TextEnd).
	// An empty range means the module is not indexed by address.
	TextStart, TextEnd extable.Addr
}

// Module is a loaded module.
type Module struct {
	name       string
	table      *extable.Table
	start, end extable.Addr

	// refs counts callers currently executing module code.
	refs atomic.Int64

	// going is set while the module is being unloaded. Enter fails once it
	// is set.
	going atomic.Bool
}

// Name returns the module's name.
func (m *Module) Name() string {
	return m.name
}

// Table returns the module's sorted exception table.
func (m *Module) Table() *extable.Table {
	return m.table
}

// Text returns the module's code range.
func (m *Module) Text() (start, end extable.Addr) {
	return m.start, m.end
}

// Contains returns true if addr is inside the module's code.
func (m *Module) Contains(addr extable.Addr) bool {
	return m.start <= addr && addr < m.end
}

// Enter records that a caller is about to execute module code. It returns
// false if the module is being unloaded, in which case the caller must not
// run module code and must not call Leave.
func (m *Module) Enter() bool {
	m.refs.Add(1)
	if m.going.Load() {
		m.refs.Add(-1)
		return false
	}
	return true
}

// Leave balances a successful Enter.
func (m *Module) Leave() {
	if m.refs.Add(-1) < 0 {
		panic(fmt.Sprintf("module %q: Leave without Enter", m.name))
	}
}

// Refs returns the number of callers currently inside the module.
func (m *Module) Refs() int64 {
	return m.refs.Load()
}

// String implements fmt.Stringer.String.
func (m *Module) String() string {
	return fmt.Sprintf("%s [%v, %v)", m.name, m.start, m.end)
}

// Opts configures a Loader.
type Opts struct {
	// Verify checks the order of every table after sorting.
	Verify bool

	// UnloadTimeout bounds how long Unload waits for a module's users to
	// leave. Zero means wait until the context is done.
	UnloadTimeout time.Duration

	// Logger receives load and unload events. Defaults to the global
	// logger.
	Logger log.Logger
}

// Loader loads modules into a registry.
type Loader struct {
	reg  *extable.Registry
	opts Opts

	// mu protects the fields below. It is never held by lookups.
	mu     sync.Mutex
	byName map[string]*Module

	// byAddr indexes modules with a non-empty text range by start address.
	byAddr *btree.BTreeG[*Module]
}

func lessByStart(a, b *Module) bool {
	return a.start < b.start
}

// NewLoader returns a loader that publishes module tables to reg.
func NewLoader(reg *extable.Registry, opts Opts) *Loader {
	if opts.Logger == nil {
		opts.Logger = log.Log()
	}
	return &Loader{
		reg:    reg,
		opts:   opts,
		byName: make(map[string]*Module),
		byAddr: btree.NewG(8, lessByStart),
	}
}

// Load sorts img's table, publishes it, and returns the loaded module. Once
// Load returns, every lookup sees the module's entries.
func (l *Loader) Load(ctx context.Context, img Image) (*Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if img.TextEnd < img.TextStart {
		return nil, fmt.Errorf("module %q: text end %v precedes start %v", img.Name, img.TextEnd, img.TextStart)
	}

	// Sorting is done before taking mu; it is the expensive part.
	entries := append([]extable.Entry(nil), img.Entries...)
	if err := extable.Sort(img.Kind, img.Base, entries); err != nil {
		return nil, fmt.Errorf("module %q: sorting exception table: %w", img.Name, err)
	}
	table, err := extable.NewTable(img.Name, img.Kind, entries, extable.TableOpts{
		Base:      img.Base,
		Tolerance: img.Tolerance,
		Verify:    l.opts.Verify,
	})
	if err != nil {
		return nil, fmt.Errorf("module %q: %w", img.Name, err)
	}
	m := &Module{
		name:  img.Name,
		table: table,
		start: img.TextStart,
		end:   img.TextEnd,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byName[m.name]; ok {
		return nil, fmt.Errorf("module %q: %w", m.name, ErrExists)
	}
	if m.start != m.end {
		if other := l.overlapLocked(m); other != nil {
			return nil, fmt.Errorf("module %q text [%v, %v) overlaps module %v", m.name, m.start, m.end, other)
		}
	}
	if err := l.reg.Register(table); err != nil {
		return nil, fmt.Errorf("module %q: registering exception table: %w", m.name, err)
	}
	l.byName[m.name] = m
	if m.start != m.end {
		l.byAddr.ReplaceOrInsert(m)
	}
	l.opts.Logger.Infof("Loaded module %v with %d exception table entries", m, table.Len())
	return m, nil
}

// overlapLocked returns a loaded module whose text overlaps m's, or nil.
//
// Preconditions: l.mu is locked.
func (l *Loader) overlapLocked(m *Module) *Module {
	var other *Module
	// The closest module starting at or before m.
	l.byAddr.DescendLessOrEqual(m, func(o *Module) bool {
		if o.end > m.start {
			other = o
		}
		return false
	})
	if other != nil {
		return other
	}
	// The closest module starting after m.
	l.byAddr.AscendGreaterOrEqual(m, func(o *Module) bool {
		if o.start < m.end {
			other = o
		}
		return false
	})
	return other
}

// Unload stops new callers from entering the named module, waits for
// current callers to leave, and then removes the module's table from the
// registry. If callers do not leave before the unload timeout or ctx
// expires, the module is left loaded and usable.
func (l *Loader) Unload(ctx context.Context, name string) error {
	l.mu.Lock()
	m, ok := l.byName[name]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("module %q: %w", name, ErrNotFound)
	}
	if !m.going.CompareAndSwap(false, true) {
		return fmt.Errorf("module %q: unload already in progress", name)
	}

	if err := l.waitIdle(ctx, m); err != nil {
		m.going.Store(false)
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.reg.Unregister(m.table)
	delete(l.byName, name)
	if m.start != m.end {
		l.byAddr.Delete(m)
	}
	l.opts.Logger.Infof("Unloaded module %v", m)
	return nil
}

// waitIdle polls m's reference count with exponential backoff until it
// drops to zero.
func (l *Loader) waitIdle(ctx context.Context, m *Module) error {
	if m.Refs() == 0 {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = l.opts.UnloadTimeout
	op := func() error {
		if n := m.Refs(); n != 0 {
			l.opts.Logger.Debugf("Module %q still has %d users", m.name, n)
			return fmt.Errorf("module %q: %d users: %w", m.name, n, ErrBusy)
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// Module returns the named module.
func (l *Loader) Module(name string) (*Module, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.byName[name]
	return m, ok
}

// ModuleForAddr returns the module whose code contains addr.
func (l *Loader) ModuleForAddr(addr extable.Addr) (*Module, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var found *Module
	l.byAddr.DescendLessOrEqual(&Module{start: addr}, func(m *Module) bool {
		if m.Contains(addr) {
			found = m
		}
		return false
	})
	return found, found != nil
}

// Modules returns all loaded modules: those with code ranges in address
// order, followed by the rest in no particular order.
func (l *Loader) Modules() []*Module {
	l.mu.Lock()
	defer l.mu.Unlock()
	mods := make([]*Module, 0, len(l.byName))
	l.byAddr.Ascend(func(m *Module) bool {
		mods = append(mods, m)
		return true
	})
	for _, m := range l.byName {
		if m.start == m.end {
			mods = append(mods, m)
		}
	}
	return mods
}
