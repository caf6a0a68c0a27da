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

package extable

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrClosed is returned by Register after Close.
	ErrClosed = errors.New("registry is closed")

	// ErrStatic is returned when the static table is passed to Register.
	ErrStatic = errors.New("static table is always searched and cannot be registered")

	// ErrNilTable is returned when a nil table is passed to Register.
	ErrNilTable = errors.New("nil table")
)

// Registry is the set of exception tables searched on a fault: the static
// table it was created with, plus module tables added by Register.
//
// Lookups never take a lock. Writers serialize on mu and publish a fresh
// copy of the module list, so a lookup sees either the list from before a
// Register/Unregister or the one after it, never a mix.
type Registry struct {
	static *Table

	// mu serializes Register, Unregister and Close.
	mu     sync.Mutex
	closed bool

	// modules is the published module table list. The slice it points to
	// is never modified once stored.
	modules atomic.Pointer[[]*Table]

	searches atomic.Uint64
	hits     atomic.Uint64
	probes   atomic.Uint64
}

// NewRegistry returns a registry that always searches static. static may be
// nil, in which case only registered tables are searched.
func NewRegistry(static *Table) *Registry {
	if static == nil {
		static = &Table{name: "static"}
	}
	r := &Registry{static: static}
	r.modules.Store(new([]*Table))
	return r
}

// Static returns the table passed to NewRegistry.
func (r *Registry) Static() *Table {
	return r.static
}

// Register makes t visible to every lookup that starts after Register
// returns. Registering a table twice has no effect.
//
// Preconditions: t is sorted and will not be modified.
func (r *Registry) Register(t *Table) error {
	if t == nil {
		return ErrNilTable
	}
	if t == r.static {
		return ErrStatic
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	old := *r.modules.Load()
	for _, o := range old {
		if o == t {
			return nil
		}
	}
	tables := make([]*Table, len(old), len(old)+1)
	copy(tables, old)
	tables = append(tables, t)
	r.modules.Store(&tables)
	return nil
}

// Unregister hides t from every lookup that starts after Unregister
// returns. It returns false if t was not registered.
//
// Preconditions: no code covered by t is executing anywhere. Lookups that
// began before Unregister may still return fixups from t.
func (r *Registry) Unregister(t *Table) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.modules.Load()
	for i, o := range old {
		if o != t {
			continue
		}
		tables := make([]*Table, 0, len(old)-1)
		tables = append(tables, old[:i]...)
		tables = append(tables, old[i+1:]...)
		r.modules.Store(&tables)
		return true
	}
	return false
}

// Close drops every registered table. Afterwards only the static table is
// searched and Register fails with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.modules.Store(new([]*Table))
}

// Tables returns the tables currently searched, static table first.
func (r *Registry) Tables() []*Table {
	modules := *r.modules.Load()
	tables := make([]*Table, 0, len(modules)+1)
	tables = append(tables, r.static)
	return append(tables, modules...)
}

// Search returns the fixup for a fault at pc. It returns false if no table
// covers pc, which is the common case for faults that are real bugs.
//
// Search does not block or allocate and may be called concurrently with
// any other Registry method.
func (r *Registry) Search(pc Addr) (Fixup, bool) {
	t, i, ok := r.find(pc)
	if !ok {
		return Fixup{}, false
	}
	return t.FixupAt(i), true
}

// Hit describes the entry that covers a faulting address.
type Hit struct {
	// Table is the table containing the entry.
	Table *Table

	// Index is the index of the entry within Table.
	Index int

	// Insn is the entry's absolute instruction address.
	Insn Addr

	// Fixup is the entry's decoded fixup.
	Fixup Fixup
}

// SearchEntry is like Search, but also reports which entry matched.
func (r *Registry) SearchEntry(pc Addr) (Hit, bool) {
	t, i, ok := r.find(pc)
	if !ok {
		return Hit{}, false
	}
	return Hit{
		Table: t,
		Index: i,
		Insn:  t.InsnAddr(i),
		Fixup: t.FixupAt(i),
	}, true
}

// find walks the static table and then the published module list. An
// address belongs to at most one table, so the walk stops at the first hit.
func (r *Registry) find(pc Addr) (*Table, int, bool) {
	r.searches.Add(1)
	if r.static.Len() != 0 {
		r.probes.Add(1)
		if i, ok := r.static.search(pc); ok {
			r.hits.Add(1)
			return r.static, i, true
		}
	}
	for _, t := range *r.modules.Load() {
		if t.Len() == 0 {
			continue
		}
		r.probes.Add(1)
		if i, ok := t.search(pc); ok {
			r.hits.Add(1)
			return t, i, true
		}
	}
	return nil, 0, false
}

// Stats are cumulative lookup counters for a Registry.
type Stats struct {
	// Searches is the number of lookups performed.
	Searches uint64

	// Hits is the number of lookups that found a fixup.
	Hits uint64

	// Probes is the number of non-empty tables binary searched.
	Probes uint64

	// Tables is the number of tables currently searched, including the
	// static table.
	Tables int
}

// Stats returns the registry's counters.
func (r *Registry) Stats() Stats {
	return Stats{
		Searches: r.searches.Load(),
		Hits:     r.hits.Load(),
		Probes:   r.probes.Load(),
		Tables:   len(*r.modules.Load()) + 1,
	}
}
