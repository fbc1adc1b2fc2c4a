// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package obj

import (
	"debug/elf"
	"encoding/binary"
)

const rela64Size = 24

// Relocation is one entry of a SHT_RELA section. x86-64 ELF objects
// always use explicit-addend (RELA) relocations, so that's the only
// shape this package decodes; the teacher's implicit-addend (REL)
// path existed only to support 32-bit/other-architecture formats this
// tool never touches (spec §1 Non-goals).
type Relocation struct {
	Off    uint64
	Sym    uint32
	Type   elf.R_X86_64
	Addend int64
}

// Relocations decodes every entry of sec, which must be a SHT_RELA
// section, in on-disk order.
func (f *File) Relocations(sec *Section) []Relocation {
	if sec.Type != elf.SHT_RELA {
		return nil
	}
	n := len(sec.Data) / rela64Size
	out := make([]Relocation, n)
	for i := 0; i < n; i++ {
		out[i] = decodeRela(sec.Data[i*rela64Size : (i+1)*rela64Size])
	}
	return out
}

func decodeRela(b []byte) Relocation {
	off := binary.LittleEndian.Uint64(b[0:8])
	info := binary.LittleEndian.Uint64(b[8:16])
	add := int64(binary.LittleEndian.Uint64(b[16:24]))
	return Relocation{Off: off, Sym: uint32(info >> 32), Type: elf.R_X86_64(uint32(info)), Addend: add}
}

func putRela(b []byte, r Relocation) {
	binary.LittleEndian.PutUint64(b[0:8], r.Off)
	info := (uint64(r.Sym) << 32) | uint64(uint32(r.Type))
	binary.LittleEndian.PutUint64(b[8:16], info)
	binary.LittleEndian.PutUint64(b[16:24], uint64(r.Addend))
}

// UpdateRelocation overwrites the i'th entry of sec in place.
func (f *File) UpdateRelocation(sec *Section, i int, r Relocation) {
	putRela(sec.Data[i*rela64Size:(i+1)*rela64Size], r)
}

// AppendRelocation appends a new entry to sec, growing its payload as
// a single atomic operation.
func (f *File) AppendRelocation(sec *Section, r Relocation) {
	var b [rela64Size]byte
	putRela(b[:], r)
	sec.Data = append(sec.Data, b[:]...)
}

// NumRelocations returns the number of decoded entries in sec.
func (f *File) NumRelocations(sec *Section) int {
	if sec.Type != elf.SHT_RELA {
		return 0
	}
	return len(sec.Data) / rela64Size
}

// RemoveRelocations deletes every entry of sec for which keep returns
// false, compacting the remainder in place, and returns the removed
// entries in their original order.
func (f *File) RemoveRelocations(sec *Section, keep func(Relocation) bool) []Relocation {
	all := f.Relocations(sec)
	kept := make([]Relocation, 0, len(all))
	var removed []Relocation
	for _, r := range all {
		if keep(r) {
			kept = append(kept, r)
		} else {
			removed = append(removed, r)
		}
	}
	data := make([]byte, 0, len(kept)*rela64Size)
	for _, r := range kept {
		var b [rela64Size]byte
		putRela(b[:], r)
		data = append(data, b[:]...)
	}
	sec.Data = data
	return removed
}

// NewRelaSection creates a new SHT_RELA section applying to target,
// linked against f's symbol table.
func (f *File) NewRelaSection(name string, target *Section) *Section {
	s := f.NewSection(name, elf.SHT_RELA, elf.SHF_INFO_LINK)
	s.EntSize = rela64Size
	s.Link = uint32(f.symtabIdx)
	s.Info = uint32(target.Index())
	return s
}
