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
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"
)

func searchCase(t *testing.T, r *Registry, pc Addr, want Addr, found bool) {
	t.Helper()
	got, ok := r.Search(pc)
	if ok != found {
		t.Errorf("Search(%v): got found %t, wanted %t", pc, ok, found)
		return
	}
	if ok && got.Addr != want {
		t.Errorf("Search(%v): got %v, wanted %v", pc, got.Addr, want)
	}
}

func TestRegistryStaticOnly(t *testing.T) {
	r := NewRegistry(mustTable(t, "vmlinux", Absolute, []Entry{
		{Insn: 0x1000, Fixup: 0x2000},
		{Insn: 0x1010, Fixup: 0x2010},
		{Insn: 0x1030, Fixup: 0x2030},
	}, TableOpts{}))
	searchCase(t, r, 0x1010, 0x2010, true)
	searchCase(t, r, 0x1020, 0, false)
	searchCase(t, r, 0x1030, 0x2030, true)
	searchCase(t, r, 0x0fff, 0, false)
}

func TestRegistryModules(t *testing.T) {
	static := mustTable(t, "vmlinux", Absolute, []Entry{{Insn: 0x1000, Fixup: 0xa000}}, TableOpts{})
	mod := mustTable(t, "m", Absolute, []Entry{{Insn: 0x5000, Fixup: 0xb000}}, TableOpts{})
	r := NewRegistry(static)

	searchCase(t, r, 0x5000, 0, false)
	if err := r.Register(mod); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	searchCase(t, r, 0x1000, 0xa000, true)
	searchCase(t, r, 0x5000, 0xb000, true)

	if !r.Unregister(mod) {
		t.Fatalf("Unregister: got false, wanted true")
	}
	searchCase(t, r, 0x5000, 0, false)
	searchCase(t, r, 0x1000, 0xa000, true)

	if r.Unregister(mod) {
		t.Errorf("second Unregister: got true, wanted false")
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	static := mustTable(t, "vmlinux", Absolute, []Entry{{Insn: 0x100, Fixup: 0x900}}, TableOpts{})
	other := mustTable(t, "other", Range, []Entry{{Insn: 0x300, Fixup: 0xb00}}, TableOpts{Tolerance: 4})
	mod := mustTable(t, "m", Absolute, []Entry{{Insn: 0x200, Fixup: 0xa00}, {Insn: 0x202, Fixup: 0xa02}}, TableOpts{})
	r := NewRegistry(static)
	if err := r.Register(other); err != nil {
		t.Fatalf("Register(other) failed: %v", err)
	}

	probe := func() []Fixup {
		var out []Fixup
		for pc := Addr(0); pc < 0x400; pc++ {
			if f, ok := r.Search(pc); ok {
				out = append(out, f)
			} else {
				out = append(out, Fixup{Addr: ^Addr(0)})
			}
		}
		return out
	}
	before := probe()
	if err := r.Register(mod); err != nil {
		t.Fatalf("Register(m) failed: %v", err)
	}
	r.Unregister(mod)
	after := probe()
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("Search(%#x): got %+v after round trip, wanted %+v", i, after[i], before[i])
		}
	}
}

func TestRegistrySkipsEmptyTables(t *testing.T) {
	r := NewRegistry(nil)
	empty := mustTable(t, "empty", Absolute, nil, TableOpts{})
	mod := mustTable(t, "m", Absolute, []Entry{{Insn: 0x10, Fixup: 0x20}}, TableOpts{})
	for _, tbl := range []*Table{empty, mod} {
		if err := r.Register(tbl); err != nil {
			t.Fatalf("Register(%v) failed: %v", tbl, err)
		}
	}
	searchCase(t, r, 0x10, 0x20, true)
	searchCase(t, r, 0x11, 0, false)
	// Only m is probed: the static table and "empty" have no entries.
	if got := r.Stats().Probes; got != 2 {
		t.Errorf("Probes: got %d, wanted 2", got)
	}
}

func TestRegistryDuplicateRegister(t *testing.T) {
	r := NewRegistry(nil)
	mod := mustTable(t, "m", Absolute, []Entry{{Insn: 0x10, Fixup: 0x20}}, TableOpts{})
	for i := 0; i < 2; i++ {
		if err := r.Register(mod); err != nil {
			t.Fatalf("Register #%d failed: %v", i, err)
		}
	}
	if got := len(r.Tables()); got != 2 {
		t.Errorf("Tables: got %d tables, wanted 2", got)
	}
	r.Unregister(mod)
	searchCase(t, r, 0x10, 0, false)
}

func TestRegistryRejectsStatic(t *testing.T) {
	static := mustTable(t, "vmlinux", Absolute, nil, TableOpts{})
	r := NewRegistry(static)
	if err := r.Register(static); !errors.Is(err, ErrStatic) {
		t.Errorf("Register(static): got %v, wanted %v", err, ErrStatic)
	}
}

func TestRegistryRejectsNil(t *testing.T) {
	static := mustTable(t, "vmlinux", Absolute, []Entry{{Insn: 0x1000, Fixup: 0xa000}}, TableOpts{})
	r := NewRegistry(static)
	if err := r.Register(nil); !errors.Is(err, ErrNilTable) {
		t.Errorf("Register(nil): got %v, wanted %v", err, ErrNilTable)
	}
	if got := len(r.Tables()); got != 1 {
		t.Errorf("Tables: got %d tables, wanted 1", got)
	}
	searchCase(t, r, 0x1000, 0xa000, true)
	searchCase(t, r, 0x2000, 0, false)
}

func TestRegistryClose(t *testing.T) {
	static := mustTable(t, "vmlinux", Absolute, []Entry{{Insn: 0x1000, Fixup: 0xa000}}, TableOpts{})
	mod := mustTable(t, "m", Absolute, []Entry{{Insn: 0x5000, Fixup: 0xb000}}, TableOpts{})
	r := NewRegistry(static)
	if err := r.Register(mod); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	r.Close()
	searchCase(t, r, 0x5000, 0, false)
	searchCase(t, r, 0x1000, 0xa000, true)
	if err := r.Register(mod); !errors.Is(err, ErrClosed) {
		t.Errorf("Register after Close: got %v, wanted %v", err, ErrClosed)
	}
}

func TestSearchEntry(t *testing.T) {
	mod := mustTable(t, "m", Range, []Entry{{Insn: 0x10, Fixup: 0x20}, {Insn: 0x40, Fixup: 0x50}}, TableOpts{Tolerance: 8})
	r := NewRegistry(nil)
	if err := r.Register(mod); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	got, ok := r.SearchEntry(0x44)
	if !ok {
		t.Fatalf("SearchEntry(0x44): got not found")
	}
	want := Hit{Table: mod, Index: 1, Insn: 0x40, Fixup: Fixup{Addr: 0x50}}
	if got != want {
		t.Errorf("SearchEntry(0x44): got %+v, wanted %+v", got, want)
	}
	if got, ok := r.SearchEntry(0x48); ok {
		t.Errorf("SearchEntry(0x48): got %+v, wanted not found", got)
	}
}

func TestSearchDoesNotAllocate(t *testing.T) {
	static := mustTable(t, "vmlinux", Absolute, []Entry{{Insn: 0x1000, Fixup: 0xa000}}, TableOpts{})
	r := NewRegistry(static)
	for i := 0; i < 8; i++ {
		mod := mustTable(t, "m", Absolute, []Entry{{Insn: uint64(0x5000 + i), Fixup: 0xb000}}, TableOpts{})
		if err := r.Register(mod); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	allocs := testing.AllocsPerRun(100, func() {
		r.Search(0x1000)
		r.Search(0x5007)
		r.Search(0x9999)
	})
	if allocs != 0 {
		t.Errorf("Search: got %v allocations per run, wanted 0", allocs)
	}
}

// TestConcurrentRegistration races lookups against register/unregister. A
// lookup may or may not see the module, but must never see a wrong fixup
// and must always see the static table.
func TestConcurrentRegistration(t *testing.T) {
	static := mustTable(t, "vmlinux", Absolute, []Entry{{Insn: 0x1000, Fixup: 0xa000}}, TableOpts{})
	r := NewRegistry(static)
	var mods []*Table
	for i := 0; i < 4; i++ {
		entries := make([]Entry, 64)
		for j := range entries {
			entries[j] = Entry{Insn: uint64(0x10000*(i+1) + j*4), Fixup: uint64(0x80000*(i+1) + j)}
		}
		mods = append(mods, mustTable(t, "m", Absolute, entries, TableOpts{}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	var wg sync.WaitGroup
	for g := 0; g < runtime.GOMAXPROCS(0); g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for n := 0; ctx.Err() == nil; n++ {
				if f, ok := r.Search(0x1000); !ok || f.Addr != 0xa000 {
					t.Errorf("Search(0x1000): got (%v, %t), wanted (0xa000, true)", f.Addr, ok)
					return
				}
				i, j := (g+n)%4, n%64
				pc := Addr(0x10000*(i+1) + j*4)
				if f, ok := r.Search(pc); ok && f.Addr != Addr(0x80000*(i+1)+j) {
					t.Errorf("Search(%v): got %v, wanted %#x", pc, f.Addr, 0x80000*(i+1)+j)
					return
				}
			}
		}(g)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for n := 0; ctx.Err() == nil; n++ {
			m := mods[n%len(mods)]
			if err := r.Register(m); err != nil {
				t.Errorf("Register failed: %v", err)
				return
			}
			if n%2 == 1 {
				r.Unregister(mods[(n-1)%len(mods)])
			}
			runtime.Gosched()
		}
	}()
	wg.Wait()
}

func BenchmarkRegistrySearch(b *testing.B) {
	entries := make([]Entry, 4096)
	for i := range entries {
		entries[i] = Entry{Insn: uint64(0x1000 + 16*i), Fixup: uint64(i)}
	}
	static, err := NewTable("vmlinux", Absolute, entries, TableOpts{})
	if err != nil {
		b.Fatalf("NewTable failed: %v", err)
	}
	r := NewRegistry(static)
	for i := 0; i < 16; i++ {
		mod, err := NewTable("m", Absolute, []Entry{{Insn: uint64(0x100000 * (i + 1)), Fixup: 1}}, TableOpts{})
		if err != nil {
			b.Fatalf("NewTable failed: %v", err)
		}
		if err := r.Register(mod); err != nil {
			b.Fatalf("Register failed: %v", err)
		}
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		var i int
		for pb.Next() {
			r.Search(Addr(0x1000 + 16*(i%4096)))
			i++
		}
	})
}
