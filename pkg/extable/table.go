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
	"fmt"
)

// TableOpts contains optional parameters for NewTable.
type TableOpts struct {
	// Base is the address of the table's first byte. It is required for
	// positional kinds and ignored otherwise.
	Base Addr

	// Tolerance is the number of bytes past an instruction that still
	// match it. It is required for Range tables and ignored otherwise.
	Tolerance uint64

	// Verify forces an order check even in builds without the
	// extable_debug tag.
	Verify bool
}

// Table is a sorted, immutable exception table.
//
// Invariant: entries are strictly ascending by instruction address. This is
// established by whoever builds the table (the linker for the static table,
// Sort for module tables) and is not rechecked by lookups.
type Table struct {
	name      string
	kind      Kind
	base      Addr
	tolerance uint64
	entries   []Entry
}

// NewTable returns a table over entries. The table takes ownership of
// entries; the caller must not modify the slice afterwards.
//
// In builds with the extable_debug tag, or if opts.Verify is set, entries
// that are out of order are rejected with an *OrderError.
func NewTable(name string, kind Kind, entries []Entry, opts TableOpts) (*Table, error) {
	if int(kind) >= len(kindNames) {
		return nil, fmt.Errorf("table %q: unknown entry kind %d", name, kind)
	}
	if kind == Range && opts.Tolerance == 0 {
		return nil, fmt.Errorf("table %q: range table requires a non-zero tolerance", name)
	}
	t := &Table{
		name:    name,
		kind:    kind,
		entries: entries,
	}
	if kind.Positional() {
		t.base = opts.Base
	}
	if kind == Range {
		t.tolerance = opts.Tolerance
	}
	if debugBuild || opts.Verify {
		if err := t.Verify(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Name returns the table's name.
func (t *Table) Name() string {
	return t.name
}

// Kind returns the encoding of the table's entries.
func (t *Table) Kind() Kind {
	return t.kind
}

// Base returns the address of the table's first byte, for positional kinds.
func (t *Table) Base() Addr {
	return t.base
}

// Tolerance returns the match window of a Range table.
func (t *Table) Tolerance() uint64 {
	return t.tolerance
}

// Len returns the number of entries in the table.
func (t *Table) Len() int {
	return len(t.entries)
}

// Entry returns the raw entry at index i.
func (t *Table) Entry(i int) Entry {
	return t.entries[i]
}

// entryAddr returns the location of entry i.
func (t *Table) entryAddr(i int) Addr {
	return t.base + Addr(i)*Addr(t.kind.EntrySize())
}

// InsnAddr returns the absolute instruction address of entry i.
//
//go:nosplit
func (t *Table) InsnAddr(i int) Addr {
	e := &t.entries[i]
	if t.kind.Positional() {
		return t.entryAddr(i) + Addr(int64(int32(e.Insn)))
	}
	return Addr(e.Insn)
}

// FixupAt returns the fixup described by entry i.
//
//go:nosplit
func (t *Table) FixupAt(i int) Fixup {
	e := &t.entries[i]
	switch t.kind {
	case Relative:
		return Fixup{Addr: t.entryAddr(i) + fixupFieldOffset + Addr(int64(int32(e.Fixup)))}
	case Encoded:
		next, errReg, valReg := DecodeUnit(uint32(e.Fixup))
		return Fixup{
			Addr:   t.InsnAddr(i) + Addr(int64(next)),
			Regs:   true,
			ErrReg: errReg,
			ValReg: valReg,
		}
	default:
		return Fixup{Addr: Addr(e.Fixup)}
	}
}

// Compare orders addr relative to entry i.
//
//go:nosplit
func (t *Table) Compare(i int, addr Addr) Order {
	insn := t.InsnAddr(i)
	switch {
	case addr < insn:
		return Before
	case t.kind == Range:
		if uint64(addr-insn) < t.tolerance {
			return Match
		}
		return After
	case addr == insn:
		return Match
	default:
		return After
	}
}

// search returns the index of the entry covering addr.
//
//go:nosplit
func (t *Table) search(addr Addr) (int, bool) {
	if len(t.entries) == 0 {
		return 0, false
	}
	first, last := 0, len(t.entries)-1
	for first <= last {
		mid := (last-first)/2 + first
		switch t.Compare(mid, addr) {
		case Match:
			return mid, true
		case Before:
			last = mid - 1
		default:
			first = mid + 1
		}
	}
	return 0, false
}

// Lookup returns the fixup for a fault at addr, if the table has one.
//
//go:nosplit
func (t *Table) Lookup(addr Addr) (Fixup, bool) {
	i, ok := t.search(addr)
	if !ok {
		return Fixup{}, false
	}
	return t.FixupAt(i), true
}

// OrderError is returned when a table's entries are not strictly ascending.
type OrderError struct {
	// Table is the name of the offending table.
	Table string

	// Index is the index of the first entry that is out of place.
	Index int

	// Prev and Insn are the instruction addresses of entries Index-1 and
	// Index.
	Prev, Insn Addr

	// Overlap is true if the entries are ordered but the match window of
	// entry Index-1 reaches entry Index.
	Overlap bool
}

// Error implements error.Error.
func (e *OrderError) Error() string {
	if e.Overlap {
		return fmt.Sprintf("table %q not searchable: entry %d at %v overlaps entry %d at %v", e.Table, e.Index-1, e.Prev, e.Index, e.Insn)
	}
	return fmt.Sprintf("table %q not sorted: entry %d at %v does not follow entry %d at %v", e.Table, e.Index, e.Insn, e.Index-1, e.Prev)
}

// Verify checks that the table's entries are strictly ascending and, for
// Range tables, that no two match windows overlap.
func (t *Table) Verify() error {
	for i := 1; i < len(t.entries); i++ {
		prev, insn := t.InsnAddr(i-1), t.InsnAddr(i)
		if insn <= prev {
			return &OrderError{Table: t.name, Index: i, Prev: prev, Insn: insn}
		}
		if t.kind == Range && uint64(insn-prev) < t.tolerance {
			return &OrderError{Table: t.name, Index: i, Prev: prev, Insn: insn, Overlap: true}
		}
	}
	return nil
}

// String implements fmt.Stringer.String.
func (t *Table) String() string {
	return fmt.Sprintf("%s (%v, %d entries)", t.name, t.kind, len(t.entries))
}
