package extract

import (
	"debug/elf"
	"testing"

	"github.com/kpatch-tools/klpdiff/obj"
	"github.com/stretchr/testify/require"
)

// buildCallerCallee builds a two-function object where foo calls bar
// via a raw E8 rel32 at offset 0x10, matching spec §8 scenario 2.
func buildCallerCallee(t *testing.T) *obj.File {
	t.Helper()
	f := obj.NewFile()
	strtab := f.StrtabSection()

	text := f.NewSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR)
	code := make([]byte, 0x20)
	code[0x10] = 0xe8
	disp := int32(0x18 - (0x10 + 5))
	code[0x11] = byte(disp)
	code[0x12] = byte(disp >> 8)
	code[0x13] = byte(disp >> 16)
	code[0x14] = byte(disp >> 24)
	code[0x18] = 0xc3
	text.Data = code

	fooOff := f.AppendString(strtab, "foo")
	foo := &obj.Symbol{Name: "foo", NameOff: fooOff, Value: 0, Size: 0x18, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Shndx: uint16(text.Index())}
	f.AddSymbol(foo)

	barOff := f.AppendString(strtab, "bar")
	bar := &obj.Symbol{Name: "bar", NameOff: barOff, Value: 0x18, Size: 8, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Shndx: uint16(text.Index())}
	f.AddSymbol(bar)

	return f
}

func TestExtractPromotesCallToExternalSymbol(t *testing.T) {
	src := buildCallerCallee(t)

	out, err := Extract(src, []string{"foo"})
	require.NoError(t, err)

	var fooOut, barOut *obj.Symbol
	for _, s := range out.Symbols {
		switch s.Name {
		case "foo":
			fooOut = s
		case "bar":
			barOut = s
		}
	}
	require.NotNil(t, fooOut)
	require.NotNil(t, barOut)
	require.True(t, fooOut.Defined(), "foo was extracted and must be defined in the output")
	require.False(t, barOut.Defined(), "bar was not requested and must stay an undefined external reference")

	outText := fooOut.Section()
	require.NotNil(t, outText)
	rela, ok := out.RelaSectionFor(outText.Index())
	require.True(t, ok)
	relocs := out.Relocations(rela)
	require.Len(t, relocs, 1)
	require.Equal(t, fooOut.Value+0x11, relocs[0].Off)
	require.Equal(t, elf.R_X86_64_PC32, relocs[0].Type)
	require.Equal(t, int64(-4), relocs[0].Addend)
	require.Equal(t, barOut, out.Symbols[relocs[0].Sym])

	// Extract-then-load closure (spec §8): no output relocation may
	// point at a local, non-extracted symbol.
	for _, r := range relocs {
		sym := out.Symbols[r.Sym]
		require.True(t, sym.Defined() || !sym.Local(), "relocation must target a defined symbol or an undefined global")
	}
}

func TestExtractIsIdempotentOnSharedSection(t *testing.T) {
	src := buildCallerCallee(t)
	out, err := Extract(src, []string{"foo", "bar"})
	require.NoError(t, err)

	count := 0
	for _, s := range out.Symbols {
		if s.Name == "foo" || s.Name == "bar" {
			count++
			require.True(t, s.Defined())
		}
	}
	require.Equal(t, 2, count)
}

func TestExtractUnresolvedSymbolFails(t *testing.T) {
	src := buildCallerCallee(t)
	_, err := Extract(src, []string{"nonexistent"})
	require.Error(t, err)
}
