// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package obj

import (
	"debug/elf"
	"encoding/binary"
	"strings"

	"github.com/kpatch-tools/klpdiff/internal/toolerr"
)

const sym64Size = 24

// Symbol is one entry of an object's symbol table.
type Symbol struct {
	Name    string
	NameOff uint32
	Value   uint64
	Size    uint64
	Bind    elf.SymBind
	Type    elf.SymType
	// Shndx is the raw defining-section index: 0 means undefined;
	// SHN_LIVEPATCH (0xff20) marks a live-patch symbol; SHN_COMMON and
	// other reserved indices pass through unchanged.
	Shndx uint16

	// OrigIndex is this symbol's index in the symbol table it was
	// decoded from, or -1 if it was synthesized during this run.
	OrigIndex int

	file *File
}

// IsFunction reports whether sym is a named FUNC symbol (spec §3).
func (sym *Symbol) IsFunction() bool {
	return sym.Type == elf.STT_FUNC && sym.Name != ""
}

// IsVariable reports whether sym is an OBJECT symbol defined in a
// .data./.bss./.rodata. (or bare .data/.bss/.rodata) section (spec §3).
func (sym *Symbol) IsVariable() bool {
	if sym.Type != elf.STT_OBJECT {
		return false
	}
	sec := sym.Section()
	if sec == nil {
		return false
	}
	return hasDataSectionPrefix(sec.Name)
}

func hasDataSectionPrefix(name string) bool {
	for _, p := range []string{".data", ".bss", ".rodata"} {
		if name == p || strings.HasPrefix(name, p+".") {
			return true
		}
	}
	return false
}

// Local reports whether sym has STB_LOCAL binding.
func (sym *Symbol) Local() bool { return sym.Bind == elf.STB_LOCAL }

// Defined reports whether sym has a defining section, i.e. is neither
// undefined nor a reserved absolute/common/live-patch reference.
func (sym *Symbol) Defined() bool {
	switch elf.SectionIndex(sym.Shndx) {
	case elf.SHN_UNDEF, elf.SHN_ABS, elf.SHN_COMMON:
		return false
	}
	if sym.Shndx == SHN_LIVEPATCH {
		return false
	}
	return true
}

// Section returns the section sym is defined in, or nil if sym is
// undefined or has a reserved section index.
func (sym *Symbol) Section() *Section {
	if !sym.Defined() {
		return nil
	}
	if int(sym.Shndx) >= len(sym.file.Sections) {
		return nil
	}
	return sym.file.Sections[sym.Shndx]
}

// Covers reports whether byte offset off (within sym's defining
// section) falls in [sym.Value, sym.Value+sym.Size).
func (sym *Symbol) Covers(off uint64) bool {
	return sym.Size > 0 && off >= sym.Value && off < sym.Value+sym.Size
}

func (f *File) decodeSymbols() error {
	symtab := f.Sections[f.symtabIdx]
	strtab := f.Sections[f.strtabIdx]
	if len(symtab.Data)%sym64Size != 0 {
		return toolerr.New(toolerr.Malformed, "symbol table size %d is not a multiple of entry size %d", len(symtab.Data), sym64Size)
	}
	n := len(symtab.Data) / sym64Size
	f.Symbols = make([]*Symbol, 0, n)
	for i := 0; i < n; i++ {
		b := symtab.Data[i*sym64Size : (i+1)*sym64Size]
		nameOff := binary.LittleEndian.Uint32(b[0:4])
		info := b[4]
		shndx := binary.LittleEndian.Uint16(b[6:8])
		value := binary.LittleEndian.Uint64(b[8:16])
		size := binary.LittleEndian.Uint64(b[16:24])

		var name string
		if i != 0 {
			name = cstringAt(strtab.Data, nameOff)
		}
		f.Symbols = append(f.Symbols, &Symbol{
			Name: name, NameOff: nameOff, Value: value, Size: size,
			Bind: elf.SymBind(info >> 4), Type: elf.SymType(info & 0xf),
			Shndx: shndx, OrigIndex: i, file: f,
		})
	}
	return nil
}

func putSym(b []byte, sym *Symbol) {
	binary.LittleEndian.PutUint32(b[0:4], sym.NameOff)
	b[4] = byte(sym.Bind)<<4 | byte(sym.Type)&0xf
	b[5] = 0 // st_other
	binary.LittleEndian.PutUint16(b[6:8], sym.Shndx)
	binary.LittleEndian.PutUint64(b[8:16], sym.Value)
	binary.LittleEndian.PutUint64(b[16:24], sym.Size)
}

// AddSymbol appends sym to f's symbol table and returns its new
// index. Callers are responsible for having registered sym.Name via
// AppendString and set sym.NameOff accordingly.
func (f *File) AddSymbol(sym *Symbol) int {
	sym.file = f
	sym.OrigIndex = -1
	idx := len(f.Symbols)
	f.Symbols = append(f.Symbols, sym)
	return idx
}

// SortSymbols stably partitions f.Symbols so every STB_LOCAL symbol
// precedes every STB_GLOBAL/STB_WEAK symbol (spec §3's symbol table
// ordering invariant), fixing up every relocation's symbol index to
// follow the permutation, and returns the index of the first
// non-local symbol (the new sh_info for .symtab).
//
// fixup, if non-nil, is called once for every symbol whose index
// changed, with its (oldIndex, newIndex) pair, so callers can thread
// the permutation through anything else that references a symbol by
// index (e.g. cached resolver results).
func (f *File) SortSymbols(fixup func(oldIndex, newIndex int)) int {
	n := len(f.Symbols)
	perm := make([]int, n)
	order := make([]int, 0, n)
	// Symbol 0 (the null symbol) always stays first.
	order = append(order, 0)
	for i := 1; i < n; i++ {
		if f.Symbols[i].Local() {
			order = append(order, i)
		}
	}
	firstGlobal := len(order)
	for i := 1; i < n; i++ {
		if !f.Symbols[i].Local() {
			order = append(order, i)
		}
	}

	newSyms := make([]*Symbol, n)
	for newIdx, oldIdx := range order {
		newSyms[newIdx] = f.Symbols[oldIdx]
		perm[oldIdx] = newIdx
	}
	f.Symbols = newSyms

	for oldIdx, newIdx := range perm {
		if oldIdx != newIdx && fixup != nil {
			fixup(oldIdx, newIdx)
		}
	}

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		relocs := f.Relocations(sec)
		changed := false
		for i := range relocs {
			if np := perm[relocs[i].Sym]; uint32(np) != relocs[i].Sym {
				relocs[i].Sym = uint32(np)
				changed = true
			}
		}
		if changed {
			for i, r := range relocs {
				f.UpdateRelocation(sec, i, r)
			}
		}
	}

	return firstGlobal
}

// encodeSymtab rewrites the .symtab section's payload from f.Symbols.
// FinalizeAndWrite calls it before laying out section data.
func (f *File) encodeSymtab() {
	symtab := f.Sections[f.symtabIdx]
	data := make([]byte, len(f.Symbols)*sym64Size)
	for i, sym := range f.Symbols {
		putSym(data[i*sym64Size:(i+1)*sym64Size], sym)
	}
	symtab.Data = data
	symtab.EntSize = sym64Size
	symtab.Link = uint32(f.strtabIdx)
}
