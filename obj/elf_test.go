// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package obj

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildSample creates a small ET_REL object with a .text section
// containing one function symbol and a .rodata section holding a
// string, referenced by a relocation inside .text.
func buildSample(t *testing.T) *File {
	t.Helper()
	f := NewFile()

	text := f.NewSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR)
	text.AddrAlign = 16
	text.Data = []byte{0xe8, 0, 0, 0, 0, 0xc3} // call rel32; ret

	rodata := f.NewSection(".rodata.str1.1", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_MERGE|elf.SHF_STRINGS)
	rodata.EntSize = 1
	f.AppendSectionData(rodata, []byte("hello\x00"))

	strtab := f.StrtabSection()
	fooNameOff := f.AppendString(strtab, "foo")
	fooSym := &Symbol{Name: "foo", NameOff: fooNameOff, Value: 0, Size: uint64(len(text.Data)), Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Shndx: uint16(text.Index())}
	f.AddSymbol(fooSym)

	rela := f.NewRelaSection(".rela.text", text)
	f.AppendRelocation(rela, Relocation{Off: 1, Sym: uint32(len(f.Symbols) - 1), Type: elf.R_X86_64_PLT32, Addend: -4})

	return f
}

func TestRoundTrip(t *testing.T) {
	f := buildSample(t)

	var buf bytes.Buffer
	require.NoError(t, f.FinalizeAndWrite(&buf))

	r := bytes.NewReader(buf.Bytes())
	f2, err := Open(r)
	require.NoError(t, err)

	require.Equal(t, len(f.Sections), len(f2.Sections))
	text2, ok := f2.SectionByName(".text")
	require.True(t, ok)
	require.Equal(t, []byte{0xe8, 0, 0, 0, 0, 0xc3}, text2.Data)

	rodata2, ok := f2.SectionByName(".rodata.str1.1")
	require.True(t, ok)
	require.Equal(t, []byte("hello\x00"), rodata2.Data)

	var foo *Symbol
	for _, s := range f2.Symbols {
		if s.Name == "foo" {
			foo = s
		}
	}
	require.NotNil(t, foo)
	require.True(t, foo.IsFunction())
	require.Equal(t, uint64(6), foo.Size)

	rela2, ok := f2.RelaSectionFor(text2.Index())
	require.True(t, ok)
	relocs := f2.Relocations(rela2)
	require.Len(t, relocs, 1)
	require.Equal(t, elf.R_X86_64_PLT32, relocs[0].Type)
	require.Equal(t, int64(-4), relocs[0].Addend)
}

func TestOpenRejectsNonELF(t *testing.T) {
	r := bytes.NewReader([]byte("not an elf file"))
	_, err := Open(r)
	require.Error(t, err)
}

func TestSortSymbolsPartitionsLocalsFirst(t *testing.T) {
	f := NewFile()
	strtab := f.StrtabSection()

	mkSym := func(name string, bind elf.SymBind) *Symbol {
		off := f.AppendString(strtab, name)
		s := &Symbol{Name: name, NameOff: off, Bind: bind, Type: elf.STT_FUNC}
		f.AddSymbol(s)
		return s
	}
	g1 := mkSym("global1", elf.STB_GLOBAL)
	l1 := mkSym("local1", elf.STB_LOCAL)
	g2 := mkSym("global2", elf.STB_GLOBAL)
	l2 := mkSym("local2", elf.STB_LOCAL)

	firstGlobal := f.SortSymbols(nil)

	for i := 1; i < firstGlobal; i++ {
		require.True(t, f.Symbols[i].Local(), "symbol %d (%s) should be local", i, f.Symbols[i].Name)
	}
	for i := firstGlobal; i < len(f.Symbols); i++ {
		require.False(t, f.Symbols[i].Local(), "symbol %d (%s) should be global", i, f.Symbols[i].Name)
	}

	names := map[string]bool{}
	for _, s := range f.Symbols[1:] {
		names[s.Name] = true
	}
	for _, s := range []*Symbol{g1, l1, g2, l2} {
		require.True(t, names[s.Name])
	}
}

func TestAppendStringDuplicatesAreNotDeduped(t *testing.T) {
	f := NewFile()
	strtab := f.StrtabSection()
	off1 := f.AppendString(strtab, "dup")
	off2 := f.AppendString(strtab, "dup")
	require.NotEqual(t, off1, off2)
	require.Equal(t, "dup", f.String(strtab, off1))
	require.Equal(t, "dup", f.String(strtab, off2))
}
