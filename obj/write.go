// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package obj

import (
	"debug/elf"
	"encoding/binary"
	"io"

	"github.com/kpatch-tools/klpdiff/internal/toolerr"
)

const (
	ehdrSize = 64
	shdrSize = 64
)

// FinalizeAndWrite serializes f as an ELF64 LE ET_REL object to w. It
// re-encodes .symtab from f.Symbols before laying out section data, so
// callers must not mutate f.Symbols after calling this.
//
// Per spec §4.1, the emitted header always has class=64,
// data=little-endian, version=current, machine=EM_X86_64, type=REL.
func (f *File) FinalizeAndWrite(w io.Writer) error {
	f.encodeSymtab()

	n := len(f.Sections)
	shoff := uint64(ehdrSize)
	dataOff := shoff + uint64(n)*shdrSize

	type placed struct {
		off uint64
	}
	layout := make([]placed, n)
	for i, s := range f.Sections {
		if s.Type == elf.SHT_NULL || s.Type == elf.SHT_NOBITS || len(s.Data) == 0 {
			layout[i] = placed{0}
			continue
		}
		align := s.AddrAlign
		if align == 0 {
			align = 1
		}
		if rem := dataOff % align; rem != 0 {
			dataOff += align - rem
		}
		layout[i] = placed{dataOff}
		dataOff += uint64(len(s.Data))
	}

	// Header.
	var ehdr [ehdrSize]byte
	ehdr[0], ehdr[1], ehdr[2], ehdr[3] = 0x7f, 'E', 'L', 'F'
	ehdr[4] = 2 // ELFCLASS64
	ehdr[5] = 1 // ELFDATA2LSB
	ehdr[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(ehdr[16:18], uint16(elf.ET_REL))
	binary.LittleEndian.PutUint16(ehdr[18:20], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(ehdr[20:24], 1) // e_version
	binary.LittleEndian.PutUint64(ehdr[40:48], shoff)
	binary.LittleEndian.PutUint16(ehdr[52:54], ehdrSize)
	binary.LittleEndian.PutUint16(ehdr[58:60], shdrSize)
	binary.LittleEndian.PutUint16(ehdr[60:62], uint16(n))
	shstrndx := f.shstrtabIdx
	if shstrndx < 0 {
		shstrndx = 0
	}
	binary.LittleEndian.PutUint16(ehdr[62:64], uint16(shstrndx))

	if _, err := w.Write(ehdr[:]); err != nil {
		return toolerr.Wrap(toolerr.IO, err, "writing ELF header")
	}

	// Section headers.
	for i, s := range f.Sections {
		var shdr [shdrSize]byte
		binary.LittleEndian.PutUint32(shdr[0:4], s.nameOff)
		binary.LittleEndian.PutUint32(shdr[4:8], uint32(s.Type))
		binary.LittleEndian.PutUint64(shdr[8:16], uint64(s.Flags))
		binary.LittleEndian.PutUint64(shdr[16:24], s.Addr)
		binary.LittleEndian.PutUint64(shdr[24:32], layout[i].off)
		binary.LittleEndian.PutUint64(shdr[32:40], uint64(len(s.Data)))
		binary.LittleEndian.PutUint32(shdr[40:44], s.Link)
		binary.LittleEndian.PutUint32(shdr[44:48], s.Info)
		binary.LittleEndian.PutUint64(shdr[48:56], s.AddrAlign)
		binary.LittleEndian.PutUint64(shdr[56:64], s.EntSize)
		if _, err := w.Write(shdr[:]); err != nil {
			return toolerr.Wrap(toolerr.IO, err, "writing section header %d", i)
		}
	}

	// Section payloads, in increasing file-offset order (already the
	// order they were laid out in).
	cur := uint64(ehdrSize) + uint64(n)*shdrSize
	for i, s := range f.Sections {
		if layout[i].off == 0 {
			continue
		}
		if pad := layout[i].off - cur; pad > 0 {
			if _, err := w.Write(make([]byte, pad)); err != nil {
				return toolerr.Wrap(toolerr.IO, err, "writing padding before section %d", i)
			}
			cur += pad
		}
		if _, err := w.Write(s.Data); err != nil {
			return toolerr.Wrap(toolerr.IO, err, "writing section %d payload", i)
		}
		cur += uint64(len(s.Data))
	}

	return nil
}
