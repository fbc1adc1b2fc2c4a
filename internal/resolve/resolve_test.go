package resolve

import (
	"debug/elf"
	"testing"

	"github.com/kpatch-tools/klpdiff/obj"
	"github.com/stretchr/testify/require"
)

func buildFile(t *testing.T) (*obj.File, *obj.Section, *obj.Symbol, *obj.Symbol) {
	t.Helper()
	f := obj.NewFile()
	strtab := f.StrtabSection()

	data := f.NewSection(".data.mystruct", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE)
	data.Data = make([]byte, 16)

	nameA := f.AppendString(strtab, "outer")
	outer := &obj.Symbol{Name: "outer", NameOff: nameA, Value: 0, Size: 16, Bind: elf.STB_GLOBAL, Type: elf.STT_OBJECT, Shndx: uint16(data.Index())}
	f.AddSymbol(outer)

	nameB := f.AppendString(strtab, "")
	secSym := &obj.Symbol{Name: "", NameOff: nameB, Value: 0, Size: 0, Bind: elf.STB_LOCAL, Type: elf.STT_SECTION, Shndx: uint16(data.Index())}
	f.AddSymbol(secSym)

	return f, data, outer, secSym
}

func TestResolveSectionRelative(t *testing.T) {
	f, data, outer, secSym := buildFile(t)
	secSymIdx := -1
	for i, s := range f.Symbols {
		if s == secSym {
			secSymIdx = i
		}
	}
	require.NotEqual(t, -1, secSymIdx)

	idx := NewIndex(f)

	r := obj.Relocation{Off: 0, Sym: uint32(secSymIdx), Type: elf.R_X86_64_64, Addend: 8}
	got := idx.Resolve(data, r)
	require.Equal(t, outer, got)
}

func TestResolvePC32AddsFour(t *testing.T) {
	f := obj.NewFile()
	strtab := f.StrtabSection()

	text := f.NewSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR)
	text.Data = make([]byte, 32)

	nameFn := f.AppendString(strtab, "callee")
	callee := &obj.Symbol{Name: "callee", NameOff: nameFn, Value: 20, Size: 4, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Shndx: uint16(text.Index())}
	f.AddSymbol(callee)

	nameSec := f.AppendString(strtab, "")
	secSym := &obj.Symbol{NameOff: nameSec, Value: 0, Size: 0, Bind: elf.STB_LOCAL, Type: elf.STT_SECTION, Shndx: uint16(text.Index())}
	f.AddSymbol(secSym)
	secIdx := len(f.Symbols) - 1

	idx := NewIndex(f)
	// addend 16 + 4 (PC32 adjustment) = 20, which is callee.Value.
	r := obj.Relocation{Off: 0, Sym: uint32(secIdx), Type: elf.R_X86_64_PC32, Addend: 16}
	got := idx.Resolve(text, r)
	require.Equal(t, callee, got)
}

func TestResolveFallsBackToSectionSymbolForStringPool(t *testing.T) {
	f := obj.NewFile()
	strtab := f.StrtabSection()

	rodata := f.NewSection(".rodata.str1.1", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_MERGE|elf.SHF_STRINGS)
	rodata.Data = []byte("hello\x00world\x00")

	nameSec := f.AppendString(strtab, "")
	secSym := &obj.Symbol{Name: ".rodata.str1.1", NameOff: nameSec, Value: 0, Size: 0, Bind: elf.STB_LOCAL, Type: elf.STT_SECTION, Shndx: uint16(rodata.Index())}
	f.AddSymbol(secSym)
	secIdx := len(f.Symbols) - 1

	idx := NewIndex(f)
	r := obj.Relocation{Off: 0, Sym: uint32(secIdx), Type: elf.R_X86_64_32S, Addend: 6}
	got := idx.Resolve(rodata, r)
	require.Equal(t, secSym, got)
}

func TestResolveWithOffset(t *testing.T) {
	f := obj.NewFile()
	strtab := f.StrtabSection()

	text := f.NewSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR)
	text.Data = make([]byte, 64)

	nameFn := f.AppendString(strtab, "fn")
	fn := &obj.Symbol{Name: "fn", NameOff: nameFn, Value: 16, Size: 32, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Shndx: uint16(text.Index())}
	f.AddSymbol(fn)

	nameSec := f.AppendString(strtab, "")
	secSym := &obj.Symbol{NameOff: nameSec, Value: 0, Size: 0, Bind: elf.STB_LOCAL, Type: elf.STT_SECTION, Shndx: uint16(text.Index())}
	f.AddSymbol(secSym)
	secIdx := len(f.Symbols) - 1

	idx := NewIndex(f)
	r := obj.Relocation{Off: 0, Sym: uint32(secIdx), Type: elf.R_X86_64_PC32, Addend: 20 - 4}
	sym, off := idx.ResolveWithOffset(text, r)
	require.Equal(t, fn, sym)
	require.Equal(t, uint64(4), off)
}

func TestFindCoveringAndStartingAt(t *testing.T) {
	f, data, outer, _ := buildFile(t)
	idx := NewIndex(f)

	require.Equal(t, outer, idx.FindCovering(data, 4))
	require.Equal(t, outer, idx.FindStartingAt(data, 0))
	require.Nil(t, idx.FindStartingAt(data, 4))
	require.Nil(t, idx.FindCovering(data, 16))
}
