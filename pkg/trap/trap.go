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

// Package trap resolves memory faults against exception tables.
//
// A Handler plays the part of the architecture fault handler: given the
// signal, the faulting data address and the register file at the time of
// the fault, it either redirects execution to a fixup or reports the fault
// as fatal.
package trap

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/extable/pkg/extable"
	"gvisor.dev/extable/pkg/log"
)

// SegvError is returned when a SIGSEGV is not covered by any table.
type SegvError struct {
	// Addr is the address at which the SIGSEGV occurred.
	Addr uintptr

	// PC is the faulting instruction.
	PC uint64
}

// Error implements error.Error.
func (e SegvError) Error() string {
	return fmt.Sprintf("SIGSEGV at %#x (pc %#x)", e.Addr, e.PC)
}

// BusError is returned when a SIGBUS is not covered by any table.
type BusError struct {
	// Addr is the address at which the SIGBUS occurred.
	Addr uintptr

	// PC is the faulting instruction.
	PC uint64
}

// Error implements error.Error.
func (e BusError) Error() string {
	return fmt.Sprintf("SIGBUS at %#x (pc %#x)", e.Addr, e.PC)
}

// SignalError is returned for signals that are never resolved through the
// exception tables.
type SignalError struct {
	Signal unix.Signal
}

// Error implements error.Error.
func (e SignalError) Error() string {
	return fmt.Sprintf("signal %v is not a memory fault", e.Signal)
}

// Errno returns the errno a system call should fail with when a user
// access it made escalated to err.
func Errno(err error) (unix.Errno, bool) {
	var segv SegvError
	var bus BusError
	switch {
	case errors.As(err, &segv), errors.As(err, &bus):
		return unix.EFAULT, true
	default:
		return 0, false
	}
}

// Regs is the register state at the time of a fault.
type Regs struct {
	// PC is the program counter.
	PC uint64

	// GPR are the general purpose registers. GPR[extable.ZeroReg] reads as
	// zero and is never written by the handler.
	GPR [32]uint64
}

// Fault describes a memory fault.
type Fault struct {
	// Signal is SIGSEGV or SIGBUS.
	Signal unix.Signal

	// Addr is the data address whose access faulted.
	Addr uintptr
}

// errFault is the value written to a fixup's error register.
var errFault = negErrno(unix.EFAULT)

// negErrno returns -e as a register value.
func negErrno(e unix.Errno) uint64 {
	return uint64(-int64(e))
}

// Opts configures a Handler.
type Opts struct {
	// MissLogEvery limits how often unresolved faults are logged. Zero
	// logs every miss.
	MissLogEvery time.Duration

	// Logger receives unresolved faults. Defaults to the global logger.
	Logger log.Logger
}

// Handler resolves faults against a registry.
type Handler struct {
	reg    *extable.Registry
	misses log.Logger

	fixed     atomic.Uint64
	escalated atomic.Uint64
}

// NewHandler returns a handler that searches reg.
func NewHandler(reg *extable.Registry, opts Opts) *Handler {
	misses := log.BasicRateLimitedLogger(opts.MissLogEvery)
	if opts.Logger != nil {
		misses = log.RateLimitedLogger(opts.Logger, opts.MissLogEvery, 1)
	}
	return &Handler{
		reg:    reg,
		misses: misses,
	}
}

// Handle looks up the faulting instruction at regs.PC. If a table covers it,
// Handle moves regs.PC to the fixup, fills in the fixup's error and value
// registers, and returns nil: the caller resumes with regs. Otherwise regs
// is left untouched and the fault is returned as a SegvError or BusError.
func (h *Handler) Handle(f Fault, regs *Regs) error {
	if f.Signal != unix.SIGSEGV && f.Signal != unix.SIGBUS {
		return SignalError{Signal: f.Signal}
	}
	fix, ok := h.reg.Search(extable.Addr(regs.PC))
	if !ok {
		h.escalated.Add(1)
		var err error
		if f.Signal == unix.SIGBUS {
			err = BusError{Addr: f.Addr, PC: regs.PC}
		} else {
			err = SegvError{Addr: f.Addr, PC: regs.PC}
		}
		h.misses.Warningf("Unhandled fault: %v", err)
		return err
	}
	if fix.Regs {
		// The error register is written last so that it wins when both
		// name the same register.
		if fix.ValReg != extable.ZeroReg {
			regs.GPR[fix.ValReg] = 0
		}
		if fix.ErrReg != extable.ZeroReg {
			regs.GPR[fix.ErrReg] = errFault
		}
	}
	regs.PC = uint64(fix.Addr)
	h.fixed.Add(1)
	return nil
}

// Fixed returns the number of faults redirected to a fixup.
func (h *Handler) Fixed() uint64 {
	return h.fixed.Load()
}

// Escalated returns the number of faults reported as fatal.
func (h *Handler) Escalated() uint64 {
	return h.escalated.Load()
}
