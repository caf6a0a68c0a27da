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

// Package manifest reads and writes YAML descriptions of exception tables.
//
// A manifest names a static table and any number of module tables. Entry
// addresses in a manifest are always absolute, whatever the table's kind;
// conversion to position-relative offsets happens when the manifest is
// built. For example:
//
//	static:
//	  name: vmlinux
//	  kind: absolute
//	  entries:
//	  - {insn: 0x1000, fixup: 0xa000}
//	modules:
//	- name: m
//	  kind: range
//	  tolerance: 3
//	  text: {start: 0x5000, end: 0x6000}
//	  entries:
//	  - {insn: 0x5000, fixup: 0x5f00}
package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
	"gvisor.dev/extable/pkg/extable"
	"gvisor.dev/extable/pkg/extable/section"
	"gvisor.dev/extable/pkg/log"
	"gvisor.dev/extable/pkg/module"
)

// Addr is an address that is written in hex.
type Addr uint64

// MarshalYAML implements yaml.Marshaler.
func (a Addr) MarshalYAML() (any, error) {
	return &yaml.Node{
		Kind:  yaml.ScalarNode,
		Tag:   "!!int",
		Value: fmt.Sprintf("%#x", uint64(a)),
	}, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *Addr) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: address must be a scalar", value.Line)
	}
	v, err := strconv.ParseUint(value.Value, 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid address %q: %w", value.Line, value.Value, err)
	}
	*a = Addr(v)
	return nil
}

// Entry is one exception table entry.
type Entry struct {
	// Insn is the address of the instruction that may fault.
	Insn Addr `yaml:"insn"`

	// Fixup is the address execution resumes at. It is not used by
	// encoded tables.
	Fixup Addr `yaml:"fixup,omitempty"`

	// Next, ErrReg and ValReg describe an encoded fixup: execution resumes
	// at Insn+Next, and the fault handler writes -EFAULT into ErrReg and
	// zero into ValReg.
	Next   int32 `yaml:"next,omitempty"`
	ErrReg uint8 `yaml:"err_reg,omitempty"`
	ValReg uint8 `yaml:"val_reg,omitempty"`
}

// Table describes one exception table.
type Table struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`

	// Base is the table's location, for relative and encoded tables.
	Base Addr `yaml:"base,omitempty"`

	// Tolerance is the match window of range tables.
	Tolerance uint64 `yaml:"tolerance,omitempty"`

	// ELF names an ELF object to read the table from instead of Entries.
	// A relative path is resolved against the manifest's directory.
	ELF string `yaml:"elf,omitempty"`

	Entries []Entry `yaml:"entries,omitempty"`
}

// Text is a module's code range, [Start, End).
type Text struct {
	Start Addr `yaml:"start"`
	End   Addr `yaml:"end"`
}

// Module describes a loadable module.
type Module struct {
	Table `yaml:",inline"`
	Text  Text `yaml:"text,omitempty"`
}

// Manifest is the top-level document.
type Manifest struct {
	Static  *Table   `yaml:"static,omitempty"`
	Modules []Module `yaml:"modules,omitempty"`

	// dir is where relative ELF paths are resolved.
	dir string
}

// Parse decodes a manifest. Unknown fields are an error.
func Parse(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

// ReadFile reads and parses the manifest at path.
func ReadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// Marshal encodes m as YAML.
func Marshal(m *Manifest) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (t *Table) kind() (extable.Kind, error) {
	k, err := extable.ParseKind(t.Kind)
	if err != nil {
		return 0, fmt.Errorf("table %q: %w", t.Name, err)
	}
	return k, nil
}

// entries converts the manifest entries to kind's in-memory encoding, in
// manifest order.
func (t *Table) entries(kind extable.Kind) ([]extable.Entry, error) {
	out := make([]extable.Entry, len(t.Entries))
	for i, e := range t.Entries {
		fixup := uint64(e.Fixup)
		if kind == extable.Encoded {
			unit, err := extable.EncodeUnit(e.Next, e.ErrReg, e.ValReg)
			if err != nil {
				return nil, fmt.Errorf("table %q entry %d: %w", t.Name, i, err)
			}
			fixup = uint64(unit)
		}
		if !kind.Positional() {
			out[i] = extable.Entry{Insn: uint64(e.Insn), Fixup: fixup}
			continue
		}
		re, err := extable.RelativeEntry(kind, extable.Addr(t.Base), i, extable.Addr(e.Insn), fixup)
		if err != nil {
			return nil, fmt.Errorf("table %q entry %d: %w", t.Name, i, err)
		}
		out[i] = re
	}
	return out, nil
}

func (m *Manifest) path(p string) string {
	if filepath.IsAbs(p) || m.dir == "" {
		return p
	}
	return filepath.Join(m.dir, p)
}

// StaticTable builds the static table. Its entries are used in manifest
// order: the static table is sorted when it is built, never at runtime.
// With verify set, an unsorted static table is an error.
func (m *Manifest) StaticTable(verify bool) (*extable.Table, error) {
	if m.Static == nil {
		return nil, nil
	}
	t := m.Static
	kind, err := t.kind()
	if err != nil {
		return nil, err
	}
	opts := extable.TableOpts{
		Base:      extable.Addr(t.Base),
		Tolerance: t.Tolerance,
		Verify:    verify,
	}
	if t.ELF != "" {
		return section.ReadELF(m.path(t.ELF), kind, opts)
	}
	entries, err := t.entries(kind)
	if err != nil {
		return nil, err
	}
	return extable.NewTable(t.Name, kind, entries, opts)
}

// Image converts the i'th module to a loadable image. Its entries are left
// unsorted; the loader sorts them.
func (m *Manifest) Image(i int) (module.Image, error) {
	mod := &m.Modules[i]
	kind, err := mod.kind()
	if err != nil {
		return module.Image{}, err
	}
	img := module.Image{
		Name:      mod.Name,
		Kind:      kind,
		Base:      extable.Addr(mod.Base),
		Tolerance: mod.Tolerance,
		TextStart: extable.Addr(mod.Text.Start),
		TextEnd:   extable.Addr(mod.Text.End),
	}
	if mod.ELF != "" {
		if img.Base, img.Entries, err = section.ReadELFEntries(m.path(mod.ELF), kind); err != nil {
			return module.Image{}, err
		}
		return img, nil
	}
	if img.Entries, err = mod.entries(kind); err != nil {
		return module.Image{}, err
	}
	return img, nil
}

// BuildOpts configures Build.
type BuildOpts struct {
	// Verify checks the order of every table.
	Verify bool

	// UnloadTimeout is passed to the loader.
	UnloadTimeout time.Duration

	// Logger is passed to the loader.
	Logger log.Logger
}

// Build creates a registry holding m's static table and a loader with all
// of m's modules loaded. Module images are prepared concurrently and loaded
// in manifest order.
func Build(ctx context.Context, m *Manifest, opts BuildOpts) (*extable.Registry, *module.Loader, error) {
	static, err := m.StaticTable(opts.Verify)
	if err != nil {
		return nil, nil, err
	}
	reg := extable.NewRegistry(static)
	loader := module.NewLoader(reg, module.Opts{
		Verify:        opts.Verify,
		UnloadTimeout: opts.UnloadTimeout,
		Logger:        opts.Logger,
	})

	images := make([]module.Image, len(m.Modules))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range m.Modules {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			img, err := m.Image(i)
			if err != nil {
				return err
			}
			images[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	for _, img := range images {
		if _, err := loader.Load(ctx, img); err != nil {
			return nil, nil, err
		}
	}
	return reg, loader, nil
}

// ErrNoTable is returned by FromTable for a nil table.
var ErrNoTable = errors.New("no table")

// FromTable describes t with absolute entry addresses.
func FromTable(t *extable.Table) (Table, error) {
	if t == nil {
		return Table{}, ErrNoTable
	}
	out := Table{
		Name:      t.Name(),
		Kind:      t.Kind().String(),
		Base:      Addr(t.Base()),
		Tolerance: t.Tolerance(),
		Entries:   make([]Entry, t.Len()),
	}
	for i := range out.Entries {
		insn := t.InsnAddr(i)
		f := t.FixupAt(i)
		e := Entry{Insn: Addr(insn), Fixup: Addr(f.Addr)}
		if t.Kind() == extable.Encoded {
			e.Fixup = 0
			e.Next = int32(f.Addr - insn)
			e.ErrReg = f.ErrReg
			e.ValReg = f.ValReg
		}
		out.Entries[i] = e
	}
	return out, nil
}

// FromLoader describes the registry's static table and every module
// loaded by l.
func FromLoader(reg *extable.Registry, l *module.Loader) (*Manifest, error) {
	m := &Manifest{}
	if static := reg.Static(); static.Len() != 0 {
		t, err := FromTable(static)
		if err != nil {
			return nil, err
		}
		m.Static = &t
	}
	for _, mod := range l.Modules() {
		t, err := FromTable(mod.Table())
		if err != nil {
			return nil, err
		}
		start, end := mod.Text()
		m.Modules = append(m.Modules, Module{
			Table: t,
			Text:  Text{Start: Addr(start), End: Addr(end)},
		})
	}
	return m, nil
}
