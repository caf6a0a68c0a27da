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

// Package section converts exception tables to and from the raw layout the
// linker emits into an object's exception table section.
//
// Absolute and Range entries are two 64-bit words (instruction, fixup).
// Relative and Encoded entries are two 32-bit words.
package section

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"gvisor.dev/extable/pkg/extable"
)

// Name is the name of the ELF section holding the exception table.
const Name = "__ex_table"

// FormatError is returned when raw section data is not a whole number of
// entries.
type FormatError struct {
	// Kind is the encoding the data was decoded as.
	Kind extable.Kind

	// Len is the length of the data.
	Len int
}

// Error implements error.Error.
func (e *FormatError) Error() string {
	return fmt.Sprintf("%d bytes is not a multiple of the %d-byte %v entry size", e.Len, e.Kind.EntrySize(), e.Kind)
}

// Decode decodes raw section data into entries.
func Decode(kind extable.Kind, order binary.ByteOrder, raw []byte) ([]extable.Entry, error) {
	size := kind.EntrySize()
	if len(raw)%size != 0 {
		return nil, &FormatError{Kind: kind, Len: len(raw)}
	}
	entries := make([]extable.Entry, len(raw)/size)
	for i := range entries {
		b := raw[i*size:]
		switch kind {
		case extable.Relative:
			entries[i] = extable.Entry{
				Insn:  uint64(int64(int32(order.Uint32(b)))),
				Fixup: uint64(int64(int32(order.Uint32(b[4:])))),
			}
		case extable.Encoded:
			entries[i] = extable.Entry{
				Insn:  uint64(int64(int32(order.Uint32(b)))),
				Fixup: uint64(order.Uint32(b[4:])),
			}
		default:
			entries[i] = extable.Entry{
				Insn:  order.Uint64(b),
				Fixup: order.Uint64(b[8:]),
			}
		}
	}
	return entries, nil
}

// Encode appends the raw section layout of t to buf.
func Encode(buf []byte, order binary.AppendByteOrder, t *extable.Table) []byte {
	for i := 0; i < t.Len(); i++ {
		e := t.Entry(i)
		if t.Kind().Positional() {
			buf = order.AppendUint32(buf, uint32(e.Insn))
			buf = order.AppendUint32(buf, uint32(e.Fixup))
		} else {
			buf = order.AppendUint64(buf, e.Insn)
			buf = order.AppendUint64(buf, e.Fixup)
		}
	}
	return buf
}

// NewTable decodes raw and wraps the result in a table. The data must
// already be sorted, as it is when produced by the build.
func NewTable(name string, kind extable.Kind, order binary.ByteOrder, raw []byte, opts extable.TableOpts) (*extable.Table, error) {
	entries, err := Decode(kind, order, raw)
	if err != nil {
		return nil, fmt.Errorf("table %q: %w", name, err)
	}
	return extable.NewTable(name, kind, entries, opts)
}

// DecodeELF reads and decodes the exception table section of the ELF object
// in r. It returns the section's address, which is the base of positional
// entries. Entry order is not checked.
func DecodeELF(name string, r io.ReaderAt, kind extable.Kind) (extable.Addr, []extable.Entry, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return 0, nil, fmt.Errorf("reading ELF %q: %w", name, err)
	}
	defer f.Close()

	sec := f.Section(Name)
	if sec == nil {
		return 0, nil, fmt.Errorf("ELF %q has no %s section", name, Name)
	}
	raw, err := sec.Data()
	if err != nil {
		return 0, nil, fmt.Errorf("reading %s from %q: %w", Name, name, err)
	}
	entries, err := Decode(kind, f.ByteOrder, raw)
	if err != nil {
		return 0, nil, fmt.Errorf("table %q: %w", name, err)
	}
	return extable.Addr(sec.Addr), entries, nil
}

// ReadELFEntries is like DecodeELF, but opens the file at path.
func ReadELFEntries(path string, kind extable.Kind) (extable.Addr, []extable.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()
	return DecodeELF(path, f, kind)
}

// FromELF reads the exception table section of the ELF object in r. The
// section's address is used as the table base. opts.Base is ignored.
func FromELF(name string, r io.ReaderAt, kind extable.Kind, opts extable.TableOpts) (*extable.Table, error) {
	base, entries, err := DecodeELF(name, r, kind)
	if err != nil {
		return nil, err
	}
	opts.Base = base
	return extable.NewTable(name, kind, entries, opts)
}

// ReadELF is like FromELF, but opens the file at path.
func ReadELF(path string, kind extable.Kind, opts extable.TableOpts) (*extable.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return FromELF(path, f, kind, opts)
}
