// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package obj provides a typed, mutable read/write model of ELF64
// little-endian relocatable (ET_REL) x86-64 objects: the only object
// shape the live-patch toolchain ever handles. Unlike debug/elf, a
// *File owns its section payloads and symbol/relocation tables as
// plain slices that callers mutate directly and then serialize with
// FinalizeAndWrite.
package obj

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kpatch-tools/klpdiff/arch"
	"github.com/kpatch-tools/klpdiff/internal/toolerr"
)

// SHN_LIVEPATCH and SHF_RELA_LIVEPATCH are kernel live-patch reserved
// values with no debug/elf equivalent (spec §6.3).
const (
	SHN_LIVEPATCH      = 0xff20
	SHF_RELA_LIVEPATCH = elf.SectionFlag(0x00100000)
)

// NativeLayout is the byte order and word size of every object this
// package reads or writes: little-endian, 8-byte words. Non-goal per
// spec §1 excludes every other ELF class.
var NativeLayout = arch.NewLayout(binary.LittleEndian, 8)

// File is a mutable ELF64 LE ET_REL object.
//
// Sections are indexed exactly as ELF numbers them: Sections[0] is
// always the reserved null section. Symbols are indexed exactly as
// the (single) symbol table numbers them: Symbols[0] is always the
// null symbol. This mirrors the raw format directly rather than
// introducing a second, compacted index space, because this package
// handles exactly one format and that indirection buys nothing here.
type File struct {
	Sections []*Section
	Symbols  []*Symbol

	shstrtabIdx int
	strtabIdx   int
	symtabIdx   int
}

// Section is a named region of an ELF object.
type Section struct {
	Name      string
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Link      uint32
	Info      uint32 // for SHT_RELA, the section index this applies to
	AddrAlign uint64
	EntSize   uint64
	Data      []byte

	index   int
	nameOff uint32
}

// Index returns s's ELF section number.
func (s *Section) Index() int { return s.index }

// Size returns the logical size of s's payload.
func (s *Section) Size() uint64 { return uint64(len(s.Data)) }

func (s *Section) String() string {
	return fmt.Sprintf("%s[%d]", s.Name, s.index)
}

// Open parses r as an ELF64 LE x86-64 ET_REL object, reading every
// section's payload into memory (spec §5: "loads one or two input
// ELFs entirely into memory"). Any malformed section or missing
// mandatory section is fatal, per spec §4.1's failure semantics.
func Open(r io.ReaderAt) (*File, error) {
	ef, err := elf.NewFile(r)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.IO, err, "opening ELF")
	}
	if ef.Class != elf.ELFCLASS64 {
		return nil, toolerr.New(toolerr.Malformed, "unsupported ELF class %s (only ELFCLASS64 is supported)", ef.Class)
	}
	if ef.Data != elf.ELFDATA2LSB {
		return nil, toolerr.New(toolerr.Malformed, "unsupported byte order %s (only little-endian is supported)", ef.Data)
	}
	if ef.Machine != elf.EM_X86_64 {
		return nil, toolerr.New(toolerr.Malformed, "unsupported machine %s (only EM_X86_64 is supported)", ef.Machine)
	}
	if ef.Type != elf.ET_REL {
		return nil, toolerr.New(toolerr.Malformed, "unsupported ELF type %s (only ET_REL is supported)", ef.Type)
	}

	f := &File{shstrtabIdx: -1, strtabIdx: -1, symtabIdx: -1}
	for i, es := range ef.Sections {
		s := &Section{
			Name: es.Name, Type: es.Type, Flags: es.Flags, Addr: es.Addr,
			Link: es.Link, Info: es.Info, AddrAlign: es.Addralign, EntSize: es.Entsize,
			index: i,
		}
		switch es.Type {
		case elf.SHT_NULL:
			// No payload.
		case elf.SHT_NOBITS:
			s.Data = make([]byte, es.Size)
		default:
			data, err := es.Data()
			if err != nil {
				return nil, toolerr.Wrap(toolerr.Malformed, err, "reading section %s", es.Name)
			}
			s.Data = data
		}
		f.Sections = append(f.Sections, s)

		switch {
		case es.Name == ".strtab":
			f.strtabIdx = i
		case es.Name == ".shstrtab":
			f.shstrtabIdx = i
		case es.Type == elf.SHT_SYMTAB:
			f.symtabIdx = i
		}
	}
	if f.strtabIdx < 0 {
		return nil, toolerr.New(toolerr.Malformed, "missing mandatory .strtab section")
	}
	if f.symtabIdx < 0 {
		return nil, toolerr.New(toolerr.Malformed, "missing mandatory .symtab section")
	}

	if err := f.decodeSymbols(); err != nil {
		return nil, err
	}

	// Rebuild .strtab and .shstrtab from the decoded names so every
	// subsequent name lookup goes through the single AppendString path,
	// whether the name came from the input file or was synthesized
	// later (e.g. a .klp.sym.* rename). The rebuilt tables hold one
	// entry per section name and per symbol name, in section and
	// symbol-table order, so offsets generally differ from the input's.
	if f.shstrtabIdx >= 0 {
		shstrtab := f.Sections[f.shstrtabIdx]
		shstrtab.Data = []byte{0}
		for i, s := range f.Sections {
			if i == 0 {
				continue
			}
			s.nameOff = f.AppendString(shstrtab, s.Name)
		}
	}
	strtab := f.Sections[f.strtabIdx]
	strtab.Data = []byte{0}
	for i, sym := range f.Symbols {
		if i == 0 {
			continue
		}
		sym.NameOff = f.AppendString(strtab, sym.Name)
	}

	return f, nil
}

// NewFile creates an empty, writable ELF64 LE x86-64 ET_REL object:
// header plus .shstrtab, .strtab, and .symtab (with one null symbol
// entry), per spec §3's lifecycle and §4.1's create-new contract.
func NewFile() *File {
	f := &File{shstrtabIdx: -1, strtabIdx: -1, symtabIdx: -1}
	f.Sections = append(f.Sections, &Section{Type: elf.SHT_NULL, index: 0})

	shstrtab := &Section{Name: ".shstrtab", Type: elf.SHT_STRTAB, Data: []byte{0}, index: 1}
	f.Sections = append(f.Sections, shstrtab)
	f.shstrtabIdx = 1
	shstrtab.nameOff = f.AppendString(shstrtab, shstrtab.Name)

	strtab := f.NewSection(".strtab", elf.SHT_STRTAB, 0)
	strtab.Data = []byte{0}
	f.strtabIdx = strtab.index

	symtab := f.NewSection(".symtab", elf.SHT_SYMTAB, 0)
	symtab.EntSize = sym64Size
	symtab.Link = uint32(strtab.index)
	f.symtabIdx = symtab.index

	f.Symbols = []*Symbol{{file: f, OrigIndex: -1}}
	return f
}

// NewSection appends a new, empty section named name to f and
// registers its name in .shstrtab, returning the section.
func (f *File) NewSection(name string, typ elf.SectionType, flags elf.SectionFlag) *Section {
	s := &Section{Name: name, Type: typ, Flags: flags, index: len(f.Sections)}
	f.Sections = append(f.Sections, s)
	if f.shstrtabIdx >= 0 {
		s.nameOff = f.AppendString(f.Sections[f.shstrtabIdx], name)
	}
	return s
}

// AppendSectionData appends b to sec's payload, growing it as a
// single atomic operation, and returns the offset at which b now
// lives (the previous size of sec).
func (f *File) AppendSectionData(sec *Section, b []byte) uint64 {
	off := uint64(len(sec.Data))
	sec.Data = append(sec.Data, b...)
	return off
}

// Section returns the i'th section. It panics if i is out of range.
func (f *File) Section(i int) *Section { return f.Sections[i] }

// NumSections returns the number of sections, including the null
// section at index 0.
func (f *File) NumSections() int { return len(f.Sections) }

// SectionByName returns the first section named name.
func (f *File) SectionByName(name string) (*Section, bool) {
	for _, s := range f.Sections[1:] {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// RelaSectionFor returns the SHT_RELA section whose sh_info equals
// target's section index, if any (spec §4.1's get-relocation-section-for).
func (f *File) RelaSectionFor(target int) (*Section, bool) {
	for _, s := range f.Sections[1:] {
		if s.Type == elf.SHT_RELA && int(s.Info) == target {
			return s, true
		}
	}
	return nil, false
}

// StrtabSection and ShstrtabSection and SymtabSection return the
// file's mandatory sections.
func (f *File) StrtabSection() *Section   { return f.Sections[f.strtabIdx] }
func (f *File) ShstrtabSection() *Section { return f.Sections[f.shstrtabIdx] }
func (f *File) SymtabSection() *Section   { return f.Sections[f.symtabIdx] }
