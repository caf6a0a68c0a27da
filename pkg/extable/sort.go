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
	"math"
	"sort"
)

// Sort sorts entries in place by instruction address. base is the address
// at which the table will live; it only matters for positional kinds, whose
// offsets are rewritten so that every entry keeps its absolute addresses
// after moving.
//
// Sort must run before the entries are handed to NewTable.
func Sort(kind Kind, base Addr, entries []Entry) error {
	if !kind.Positional() {
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].Insn < entries[j].Insn
		})
		return nil
	}

	// Resolve everything to absolute addresses, sort, then re-encode
	// relative to the new locations.
	type resolved struct {
		insn  Addr
		fixup Addr // Unused for Encoded.
		unit  uint64
	}
	size := Addr(kind.EntrySize())
	abs := make([]resolved, len(entries))
	for i, e := range entries {
		loc := base + Addr(i)*size
		abs[i] = resolved{
			insn: loc + Addr(int64(int32(e.Insn))),
			unit: e.Fixup,
		}
		if kind == Relative {
			abs[i].fixup = loc + fixupFieldOffset + Addr(int64(int32(e.Fixup)))
		}
	}
	sort.Slice(abs, func(i, j int) bool {
		return abs[i].insn < abs[j].insn
	})
	for i, r := range abs {
		loc := base + Addr(i)*size
		insn, err := relOffset(r.insn, loc)
		if err != nil {
			return fmt.Errorf("entry for %v: %w", r.insn, err)
		}
		entries[i].Insn = insn
		if kind == Relative {
			fixup, err := relOffset(r.fixup, loc+fixupFieldOffset)
			if err != nil {
				return fmt.Errorf("fixup %v for %v: %w", r.fixup, r.insn, err)
			}
			entries[i].Fixup = fixup
		} else {
			entries[i].Fixup = r.unit
		}
	}
	return nil
}

// relOffset returns target encoded as a sign-extended 32-bit offset from
// loc.
func relOffset(target, loc Addr) (uint64, error) {
	d := int64(target - loc)
	if d < math.MinInt32 || d > math.MaxInt32 {
		return 0, fmt.Errorf("offset %d from %v does not fit in 32 bits", d, loc)
	}
	return uint64(d), nil
}

// RelativeEntry returns a positional entry at index i of a table based at
// base whose instruction is insn and whose fixup field holds fixup. For
// Relative tables fixup is an absolute address; for Encoded tables it is a
// unit from EncodeUnit.
func RelativeEntry(kind Kind, base Addr, i int, insn Addr, fixup uint64) (Entry, error) {
	if !kind.Positional() {
		return Entry{}, fmt.Errorf("kind %v is not positional", kind)
	}
	loc := base + Addr(i)*Addr(kind.EntrySize())
	insnOff, err := relOffset(insn, loc)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{Insn: insnOff, Fixup: fixup}
	if kind == Relative {
		if e.Fixup, err = relOffset(Addr(fixup), loc+fixupFieldOffset); err != nil {
			return Entry{}, err
		}
	}
	return e, nil
}
