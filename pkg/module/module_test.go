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

package module

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/extable/pkg/extable"
	"gvisor.dev/extable/pkg/log"
)

func newLoader(t *testing.T, opts Opts) (*Loader, *extable.Registry) {
	t.Helper()
	opts.Logger = &log.BasicLogger{Level: log.Debug, Emitter: &log.TestEmitter{TestLogger: t}}
	reg := extable.NewRegistry(nil)
	return NewLoader(reg, opts), reg
}

func image(name string, start, end extable.Addr, entries ...extable.Entry) Image {
	return Image{
		Name:      name,
		Kind:      extable.Absolute,
		Entries:   entries,
		TextStart: start,
		TextEnd:   end,
	}
}

func TestLoadSortsAndRegisters(t *testing.T) {
	l, reg := newLoader(t, Opts{Verify: true})
	img := image("m", 0x5000, 0x6000,
		extable.Entry{Insn: 0x5020, Fixup: 0x5f20},
		extable.Entry{Insn: 0x5000, Fixup: 0x5f00},
		extable.Entry{Insn: 0x5010, Fixup: 0x5f10},
	)
	m, err := l.Load(context.Background(), img)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	// The caller's entries are left alone.
	if img.Entries[0].Insn != 0x5020 {
		t.Errorf("Load modified the image entries: %+v", img.Entries)
	}
	for _, insn := range []extable.Addr{0x5000, 0x5010, 0x5020} {
		f, ok := reg.Search(insn)
		if !ok || f.Addr != insn+0xf00 {
			t.Errorf("Search(%v): got (%v, %t), wanted (%v, true)", insn, f.Addr, ok, insn+0xf00)
		}
	}
	if got := m.Table().Len(); got != 3 {
		t.Errorf("Table().Len(): got %d, wanted 3", got)
	}
}

func TestLoadRelative(t *testing.T) {
	const base = extable.Addr(0x10000)
	l, reg := newLoader(t, Opts{Verify: true})
	insns := []extable.Addr{0x9000, 0x8000, 0xa000}
	var entries []extable.Entry
	for i, insn := range insns {
		e, err := extable.RelativeEntry(extable.Relative, base, i, insn, uint64(insn+0x40))
		if err != nil {
			t.Fatalf("RelativeEntry failed: %v", err)
		}
		entries = append(entries, e)
	}
	if _, err := l.Load(context.Background(), Image{Name: "rel", Kind: extable.Relative, Base: base, Entries: entries}); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	for _, insn := range insns {
		if f, ok := reg.Search(insn); !ok || f.Addr != insn+0x40 {
			t.Errorf("Search(%v): got (%v, %t), wanted (%v, true)", insn, f.Addr, ok, insn+0x40)
		}
	}
}

func TestLoadRejects(t *testing.T) {
	ctx := context.Background()
	l, _ := newLoader(t, Opts{})
	if _, err := l.Load(ctx, image("a", 0x1000, 0x2000)); err != nil {
		t.Fatalf("Load(a) failed: %v", err)
	}
	if _, err := l.Load(ctx, image("a", 0x8000, 0x9000)); !errors.Is(err, ErrExists) {
		t.Errorf("Load(a) again: got %v, wanted %v", err, ErrExists)
	}
	for _, img := range []Image{
		image("inside", 0x1800, 0x1900),
		image("tail", 0x1fff, 0x3000),
		image("head", 0x0800, 0x1001),
		image("around", 0x0800, 0x3000),
		image("backwards", 0x3000, 0x2000),
	} {
		if _, err := l.Load(ctx, img); err == nil {
			t.Errorf("Load(%s [%v, %v)) succeeded, wanted error", img.Name, img.TextStart, img.TextEnd)
		}
	}
	// Adjacent ranges are fine.
	if _, err := l.Load(ctx, image("next", 0x2000, 0x3000)); err != nil {
		t.Errorf("Load(next) failed: %v", err)
	}
}

func TestLoadCanceled(t *testing.T) {
	l, _ := newLoader(t, Opts{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Load(ctx, image("m", 0, 0)); !errors.Is(err, context.Canceled) {
		t.Errorf("Load: got %v, wanted %v", err, context.Canceled)
	}
}

func TestModuleForAddr(t *testing.T) {
	ctx := context.Background()
	l, _ := newLoader(t, Opts{})
	for _, img := range []Image{
		image("c", 0x3000, 0x3800),
		image("a", 0x1000, 0x2000),
		image("b", 0x2000, 0x2400),
		image("textless", 0, 0),
	} {
		if _, err := l.Load(ctx, img); err != nil {
			t.Fatalf("Load(%s) failed: %v", img.Name, err)
		}
	}
	for _, tc := range []struct {
		addr extable.Addr
		want string
	}{
		{0x0fff, ""},
		{0x1000, "a"},
		{0x1fff, "a"},
		{0x2000, "b"},
		{0x23ff, "b"},
		{0x2400, ""},
		{0x37ff, "c"},
		{0x3800, ""},
		{0, ""},
	} {
		m, ok := l.ModuleForAddr(tc.addr)
		got := ""
		if ok {
			got = m.Name()
		}
		if got != tc.want {
			t.Errorf("ModuleForAddr(%v): got %q, wanted %q", tc.addr, got, tc.want)
		}
	}

	var names []string
	for _, m := range l.Modules() {
		names = append(names, m.Name())
	}
	if diff := cmp.Diff([]string{"a", "b", "c", "textless"}, names); diff != "" {
		t.Errorf("Modules mismatch (-want +got):\n%s", diff)
	}
}

func TestUnload(t *testing.T) {
	ctx := context.Background()
	l, reg := newLoader(t, Opts{})
	if _, err := l.Load(ctx, image("m", 0x5000, 0x6000, extable.Entry{Insn: 0x5000, Fixup: 0x5f00})); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := l.Unload(ctx, "m"); err != nil {
		t.Fatalf("Unload failed: %v", err)
	}
	if _, ok := reg.Search(0x5000); ok {
		t.Errorf("Search(0x5000) found a fixup after Unload")
	}
	if _, ok := l.ModuleForAddr(0x5000); ok {
		t.Errorf("ModuleForAddr(0x5000) found a module after Unload")
	}
	if err := l.Unload(ctx, "m"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Unload: got %v, wanted %v", err, ErrNotFound)
	}
	// The name can be reused.
	if _, err := l.Load(ctx, image("m", 0x5000, 0x6000)); err != nil {
		t.Errorf("reload failed: %v", err)
	}
}

func TestUnloadWaitsForUsers(t *testing.T) {
	ctx := context.Background()
	l, reg := newLoader(t, Opts{UnloadTimeout: 10 * time.Second})
	m, err := l.Load(ctx, image("m", 0, 0, extable.Entry{Insn: 0x10, Fixup: 0x20}))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !m.Enter() {
		t.Fatalf("Enter failed on a live module")
	}

	done := make(chan error, 1)
	go func() { done <- l.Unload(ctx, "m") }()

	// Wait for the unload to start; new callers are then turned away.
	for m.Enter() {
		m.Leave()
		time.Sleep(time.Millisecond)
	}
	// The table stays visible while a caller is still inside.
	if _, ok := reg.Search(0x10); !ok {
		t.Errorf("Search(0x10) failed while module is in use")
	}
	select {
	case err := <-done:
		t.Fatalf("Unload returned %v while module is in use", err)
	default:
	}

	m.Leave()
	if err := <-done; err != nil {
		t.Fatalf("Unload failed: %v", err)
	}
	if _, ok := reg.Search(0x10); ok {
		t.Errorf("Search(0x10) found a fixup after Unload")
	}
}

func TestUnloadTimeout(t *testing.T) {
	ctx := context.Background()
	l, reg := newLoader(t, Opts{UnloadTimeout: 20 * time.Millisecond})
	m, err := l.Load(ctx, image("m", 0, 0, extable.Entry{Insn: 0x10, Fixup: 0x20}))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !m.Enter() {
		t.Fatalf("Enter failed on a live module")
	}
	defer m.Leave()

	if err := l.Unload(ctx, "m"); !errors.Is(err, ErrBusy) {
		t.Errorf("Unload: got %v, wanted %v", err, ErrBusy)
	}
	// A failed unload leaves the module usable.
	if _, ok := reg.Search(0x10); !ok {
		t.Errorf("Search(0x10) failed after a failed Unload")
	}
	if !m.Enter() {
		t.Errorf("Enter failed after a failed Unload")
	} else {
		m.Leave()
	}
}

func TestUnloadContextDone(t *testing.T) {
	l, _ := newLoader(t, Opts{})
	m, err := l.Load(context.Background(), image("m", 0, 0))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	m.Enter()
	defer m.Leave()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Unload(ctx, "m"); err == nil {
		t.Errorf("Unload succeeded while module is in use")
	}
	if _, ok := l.Module("m"); !ok {
		t.Errorf("Module(m) not found after a failed Unload")
	}
}

func TestLeaveWithoutEnterPanics(t *testing.T) {
	m := &Module{name: "m"}
	defer func() {
		if recover() == nil {
			t.Errorf("Leave without Enter did not panic")
		}
	}()
	m.Leave()
}
