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
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSortAbsolute(t *testing.T) {
	entries := []Entry{
		{Insn: 0x30, Fixup: 3},
		{Insn: 0x10, Fixup: 1},
		{Insn: 0x20, Fixup: 2},
	}
	if err := Sort(Absolute, 0, entries); err != nil {
		t.Fatalf("Sort failed: %v", err)
	}
	want := []Entry{
		{Insn: 0x10, Fixup: 1},
		{Insn: 0x20, Fixup: 2},
		{Insn: 0x30, Fixup: 3},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Errorf("Sort mismatch (-want +got):\n%s", diff)
	}
}

// pairs resolves every entry of tbl to absolute (insn, fixup) addresses.
func pairs(tbl *Table) map[Addr]Fixup {
	m := make(map[Addr]Fixup, tbl.Len())
	for i := 0; i < tbl.Len(); i++ {
		m[tbl.InsnAddr(i)] = tbl.FixupAt(i)
	}
	return m
}

func TestSortPositionalPreservesAddresses(t *testing.T) {
	const base = Addr(0x40000000)
	rng := rand.New(rand.NewSource(1))
	for _, kind := range []Kind{Relative, Encoded} {
		t.Run(kind.String(), func(t *testing.T) {
			const n = 200
			perm := rng.Perm(n)
			entries := make([]Entry, n)
			for i, p := range perm {
				insn := base - 0x100000 + Addr(p)*16
				fixup := uint64(base + 0x200000 + Addr(p)*4)
				if kind == Encoded {
					unit, err := EncodeUnit(int32(4+p%64), uint8(p%32), uint8((p+1)%32))
					if err != nil {
						t.Fatalf("EncodeUnit failed: %v", err)
					}
					fixup = uint64(unit)
				}
				e, err := RelativeEntry(kind, base, i, insn, fixup)
				if err != nil {
					t.Fatalf("RelativeEntry(%d) failed: %v", i, err)
				}
				entries[i] = e
			}
			// Unsorted, so build the table directly rather than through
			// NewTable, which rejects it in debug builds.
			before := pairs(&Table{name: "before", kind: kind, base: base, entries: append([]Entry(nil), entries...)})

			if err := Sort(kind, base, entries); err != nil {
				t.Fatalf("Sort failed: %v", err)
			}
			sorted := mustTable(t, "after", kind, entries, TableOpts{Base: base, Verify: true})
			if diff := cmp.Diff(before, pairs(sorted)); diff != "" {
				t.Errorf("Sort changed absolute addresses (-before +after):\n%s", diff)
			}
			for insn, want := range before {
				got, ok := sorted.Lookup(insn)
				if !ok || got != want {
					t.Errorf("Lookup(%v): got (%+v, %t), wanted (%+v, true)", insn, got, ok, want)
				}
			}
		})
	}
}

func TestSortRejectsUnreachableOffset(t *testing.T) {
	// The first entry's fixup sits at the most negative reachable offset.
	// Sorting moves the entry forward by 8 bytes, out of reach.
	entries := []Entry{
		{Insn: 0x100, Fixup: 0xffffffff80000000},
		{Insn: 0x48},
	}
	if err := Sort(Relative, 0, entries); err == nil {
		t.Errorf("Sort succeeded, wanted offset overflow")
	}
}

func TestRelativeEntryRejectsAbsolute(t *testing.T) {
	if _, err := RelativeEntry(Absolute, 0, 0, 0, 0); err == nil {
		t.Errorf("RelativeEntry(Absolute) succeeded")
	}
}
