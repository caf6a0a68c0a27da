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

package section

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
)

const (
	ehsize    = 64
	shentsize = 64
)

// WriteELF writes to w a minimal ELF64 relocatable object holding raw as
// its exception table section, located at addr. The result can be read
// back with FromELF.
func WriteELF(w io.Writer, order binary.ByteOrder, addr uint64, raw []byte) error {
	shstrtab := []byte("\x00" + Name + "\x00.shstrtab\x00")
	dataOff := uint64(ehsize)
	strOff := dataOff + uint64(len(raw))
	shOff := (strOff + uint64(len(shstrtab)) + 7) &^ 7

	hdr := elf.Header64{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(elf.EM_NONE),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shOff,
		Ehsize:    ehsize,
		Shentsize: shentsize,
		Shnum:     3,
		Shstrndx:  2,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	if order.Uint16([]byte{0, 1}) == 1 {
		hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
	}
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var buf bytes.Buffer
	if err := binary.Write(&buf, order, &hdr); err != nil {
		return err
	}
	buf.Write(raw)
	buf.Write(shstrtab)
	buf.Write(make([]byte, shOff-uint64(buf.Len())))

	sections := []elf.Section64{
		{},
		{
			Name:      1,
			Type:      uint32(elf.SHT_PROGBITS),
			Flags:     uint64(elf.SHF_ALLOC),
			Addr:      addr,
			Off:       dataOff,
			Size:      uint64(len(raw)),
			Addralign: 4,
		},
		{
			Name:      uint32(len(Name) + 2),
			Type:      uint32(elf.SHT_STRTAB),
			Off:       strOff,
			Size:      uint64(len(shstrtab)),
			Addralign: 1,
		},
	}
	for i := range sections {
		if err := binary.Write(&buf, order, &sections[i]); err != nil {
			return err
		}
	}
	_, err := w.Write(buf.Bytes())
	return err
}
