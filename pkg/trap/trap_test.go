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

package trap

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"gvisor.dev/extable/pkg/extable"
	"gvisor.dev/extable/pkg/log"
)

type recorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *recorder) Logf(format string, v ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprintf(format, v...))
}

func newHandler(t *testing.T, rec *recorder, tables ...*extable.Table) *Handler {
	t.Helper()
	reg := extable.NewRegistry(nil)
	for _, tbl := range tables {
		if err := reg.Register(tbl); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	if rec == nil {
		rec = &recorder{}
	}
	return NewHandler(reg, Opts{
		Logger: &log.BasicLogger{Level: log.Debug, Emitter: &log.TestEmitter{TestLogger: rec}},
	})
}

func TestHandleFixup(t *testing.T) {
	tbl, err := extable.NewTable("m", extable.Absolute, []extable.Entry{{Insn: 0x1000, Fixup: 0x2000}}, extable.TableOpts{})
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	h := newHandler(t, nil, tbl)
	regs := Regs{PC: 0x1000}
	regs.GPR[3] = 42
	if err := h.Handle(Fault{Signal: unix.SIGSEGV, Addr: 0xdead}, &regs); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	want := Regs{PC: 0x2000}
	want.GPR[3] = 42
	if diff := cmp.Diff(want, regs); diff != "" {
		t.Errorf("Regs mismatch (-want +got):\n%s", diff)
	}
	if got := h.Fixed(); got != 1 {
		t.Errorf("Fixed: got %d, wanted 1", got)
	}
}

func TestHandleEncodedRegisters(t *testing.T) {
	const base = extable.Addr(0x10000)
	for _, tc := range []struct {
		name           string
		errReg, valReg uint8
	}{
		{"both", 1, 2},
		{"zero error register", extable.ZeroReg, 2},
		{"zero value register", 1, extable.ZeroReg},
		{"same register", 4, 4},
		{"both zero", extable.ZeroReg, extable.ZeroReg},
	} {
		t.Run(tc.name, func(t *testing.T) {
			unit, err := extable.EncodeUnit(8, tc.errReg, tc.valReg)
			if err != nil {
				t.Fatalf("EncodeUnit failed: %v", err)
			}
			e, err := extable.RelativeEntry(extable.Encoded, base, 0, 0x8000, uint64(unit))
			if err != nil {
				t.Fatalf("RelativeEntry failed: %v", err)
			}
			tbl, err := extable.NewTable("enc", extable.Encoded, []extable.Entry{e}, extable.TableOpts{Base: base})
			if err != nil {
				t.Fatalf("NewTable failed: %v", err)
			}
			h := newHandler(t, nil, tbl)

			var regs Regs
			for i := range regs.GPR {
				regs.GPR[i] = 0x5555
			}
			regs.PC = 0x8000
			want := regs
			want.PC = 0x8008
			if tc.valReg != extable.ZeroReg {
				want.GPR[tc.valReg] = 0
			}
			if tc.errReg != extable.ZeroReg {
				want.GPR[tc.errReg] = 0xfffffffffffffff2 // -EFAULT
			}
			if err := h.Handle(Fault{Signal: unix.SIGBUS, Addr: 0x10}, &regs); err != nil {
				t.Fatalf("Handle failed: %v", err)
			}
			if diff := cmp.Diff(want, regs); diff != "" {
				t.Errorf("Regs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHandleEscalates(t *testing.T) {
	rec := &recorder{}
	h := newHandler(t, rec)

	regs := Regs{PC: 0x1000}
	err := h.Handle(Fault{Signal: unix.SIGSEGV, Addr: 0xdead}, &regs)
	if diff := cmp.Diff(error(SegvError{Addr: 0xdead, PC: 0x1000}), err); diff != "" {
		t.Errorf("SIGSEGV error mismatch (-want +got):\n%s", diff)
	}
	if regs.PC != 0x1000 {
		t.Errorf("PC: got %#x after escalation, wanted 0x1000", regs.PC)
	}
	err = h.Handle(Fault{Signal: unix.SIGBUS, Addr: 0xbeef}, &regs)
	if _, ok := err.(BusError); !ok {
		t.Errorf("SIGBUS: got %v, wanted BusError", err)
	}
	if got := h.Escalated(); got != 2 {
		t.Errorf("Escalated: got %d, wanted 2", got)
	}
	if len(rec.lines) == 0 || !strings.Contains(rec.lines[0], "SIGSEGV at 0xdead") {
		t.Errorf("log: got %q, wanted an unhandled SIGSEGV line", rec.lines)
	}
}

func TestHandleOtherSignal(t *testing.T) {
	h := newHandler(t, nil)
	regs := Regs{PC: 0x1000}
	var serr SignalError
	if err := h.Handle(Fault{Signal: unix.SIGILL}, &regs); !errors.As(err, &serr) {
		t.Errorf("Handle(SIGILL): got %v, wanted SignalError", err)
	}
}

func TestErrno(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want unix.Errno
		ok   bool
	}{
		{SegvError{}, unix.EFAULT, true},
		{fmt.Errorf("copy: %w", BusError{}), unix.EFAULT, true},
		{SignalError{Signal: unix.SIGILL}, 0, false},
		{errors.New("other"), 0, false},
	} {
		got, ok := Errno(tc.err)
		if got != tc.want || ok != tc.ok {
			t.Errorf("Errno(%v): got (%v, %t), wanted (%v, %t)", tc.err, got, ok, tc.want, tc.ok)
		}
	}
}

func TestHandleLogsToGlobalLogger(t *testing.T) {
	rec := &recorder{}
	old := log.Log().Emitter
	log.SetTarget(&log.TestEmitter{TestLogger: rec})
	defer log.SetTarget(old)

	h := NewHandler(extable.NewRegistry(nil), Opts{})
	regs := Regs{PC: 0x4000}
	if err := h.Handle(Fault{Signal: unix.SIGBUS, Addr: 0x10}, &regs); err == nil {
		t.Fatalf("Handle: got nil, wanted BusError")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.lines) != 1 || !strings.Contains(rec.lines[0], "SIGBUS at 0x10") {
		t.Errorf("log: got %q, wanted one unhandled SIGBUS line", rec.lines)
	}
}
