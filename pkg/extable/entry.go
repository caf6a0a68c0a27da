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

// Package extable implements exception tables: sorted lists of instructions
// that may legitimately fault, each paired with the address at which
// execution resumes when they do.
//
// A Registry holds the always-resident static table plus any number of
// per-module tables. Registry.Search is safe to call from any goroutine,
// concurrently with Register and Unregister, and never blocks or allocates.
package extable

import (
	"fmt"
	"strings"
)

// Addr is an instruction address.
type Addr uint64

// String implements fmt.Stringer.String.
func (a Addr) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// Kind identifies how the entries of a table encode their addresses.
type Kind uint8

// Supported entry encodings.
const (
	// Absolute entries store both addresses verbatim and match exactly.
	Absolute Kind = iota

	// Relative entries store each address as a signed 32-bit offset from
	// the location of the field holding it, so the table needs no
	// relocation when the image moves.
	Relative

	// Range entries store absolute addresses and match any address within
	// the table's tolerance past the instruction, for faults that land
	// inside a multi-instruction sequence.
	Range

	// Encoded entries store the instruction as a relative offset and the
	// fixup as a packed unit: a signed next-instruction offset plus the
	// error and value registers to set before resuming.
	Encoded
)

var kindNames = [...]string{
	Absolute: "absolute",
	Relative: "relative",
	Range:    "range",
	Encoded:  "encoded",
}

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind parses the name of a Kind, as returned by Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown entry kind %q", s)
}

// Positional returns true if entries of kind k encode the instruction
// address relative to their own location.
func (k Kind) Positional() bool {
	return k == Relative || k == Encoded
}

// EntrySize returns the size in bytes of one entry of kind k as laid out in
// a linker section.
func (k Kind) EntrySize() int {
	if k.Positional() {
		return 8
	}
	return 16
}

// fixupFieldOffset is the offset of the fixup field within a positional
// entry.
const fixupFieldOffset = 4

// Entry is a single exception table entry. How its fields are interpreted
// depends on the Kind of the table that owns it.
type Entry struct {
	// Insn is the address of the instruction that may fault. For
	// positional kinds it is a sign-extended 32-bit offset from the
	// entry's own location.
	Insn uint64 `yaml:"insn"`

	// Fixup describes where execution resumes. For Absolute and Range
	// tables it is an address, for Relative tables a sign-extended 32-bit
	// offset from the fixup field's location, and for Encoded tables a
	// packed unit (see EncodeUnit).
	Fixup uint64 `yaml:"fixup"`
}

// Order is the result of comparing a target address against an entry.
type Order int8

// Possible orders.
const (
	// Before means the target precedes the entry.
	Before Order = -1

	// Match means the entry covers the target.
	Match Order = 0

	// After means the target follows the entry.
	After Order = 1
)

// Fixup is the outcome of a successful lookup.
type Fixup struct {
	// Addr is the address at which execution resumes.
	Addr Addr

	// Regs is true if ErrReg and ValReg are meaningful. Only fixups from
	// Encoded tables carry registers.
	Regs bool

	// ErrReg is the register that receives -EFAULT before resuming.
	ErrReg uint8

	// ValReg is the register that receives zero before resuming.
	ValReg uint8
}

// ZeroReg is the register number that is hardwired to zero. Fixups never
// write to it.
const ZeroReg = 31

const (
	nextInsnBits = 21
	regBits      = 5
	regMask      = 1<<regBits - 1
	errRegShift  = nextInsnBits
	valRegShift  = nextInsnBits + regBits

	maxNextInsn = 1<<(nextInsnBits-1) - 1
	minNextInsn = -(1 << (nextInsnBits - 1))
)

// EncodeUnit packs a fixup for an Encoded table. nextInsn is the offset of
// the resume address from the faulting instruction.
func EncodeUnit(nextInsn int32, errReg, valReg uint8) (uint32, error) {
	if nextInsn < minNextInsn || nextInsn > maxNextInsn {
		return 0, fmt.Errorf("next instruction offset %d does not fit in %d bits", nextInsn, nextInsnBits)
	}
	if errReg > regMask || valReg > regMask {
		return 0, fmt.Errorf("register numbers (%d, %d) out of range [0, %d]", errReg, valReg, regMask)
	}
	return uint32(nextInsn)&(1<<nextInsnBits-1) | uint32(errReg)<<errRegShift | uint32(valReg)<<valRegShift, nil
}

// DecodeUnit unpacks a fixup unit produced by EncodeUnit.
func DecodeUnit(unit uint32) (nextInsn int32, errReg, valReg uint8) {
	// Sign-extend the low nextInsnBits bits.
	nextInsn = int32(unit<<(32-nextInsnBits)) >> (32 - nextInsnBits)
	errReg = uint8(unit>>errRegShift) & regMask
	valReg = uint8(unit>>valRegShift) & regMask
	return
}
