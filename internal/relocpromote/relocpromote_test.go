package relocpromote

import (
	"debug/elf"
	"testing"

	"github.com/kpatch-tools/klpdiff/internal/resolve"
	"github.com/kpatch-tools/klpdiff/obj"
	"github.com/stretchr/testify/require"
)

// TestPromoteCallToKnownFunction builds foo calling bar at offset
// 0x10 via a raw E8 rel32 and verifies scenario 2 of spec §8: a
// R_X86_64_PC32 relocation appears at foo.value+0x11 with addend -4.
func TestPromoteCallToKnownFunction(t *testing.T) {
	f := obj.NewFile()
	strtab := f.StrtabSection()

	text := f.NewSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR)
	code := make([]byte, 0x20)
	// foo starts at 0; call bar (disp = bar.Value - (0x10+5) = 0x18-0x15 = 3)
	code[0x10] = 0xe8
	disp := int32(0x18 - (0x10 + 5))
	code[0x11] = byte(disp)
	code[0x12] = byte(disp >> 8)
	code[0x13] = byte(disp >> 16)
	code[0x14] = byte(disp >> 24)
	code[0x18] = 0xc3 // bar: ret
	text.Data = code

	fooOff := f.AppendString(strtab, "foo")
	foo := &obj.Symbol{Name: "foo", NameOff: fooOff, Value: 0, Size: 0x18, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Shndx: uint16(text.Index())}
	f.AddSymbol(foo)

	barOff := f.AppendString(strtab, "bar")
	bar := &obj.Symbol{Name: "bar", NameOff: barOff, Value: 0x18, Size: 1, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Shndx: uint16(text.Index())}
	f.AddSymbol(bar)

	idx := resolve.NewIndex(f)
	require.NoError(t, Promote(f, idx))

	require.Equal(t, []byte{0, 0, 0, 0}, text.Data[0x11:0x15])

	rela, ok := f.RelaSectionFor(text.Index())
	require.True(t, ok)
	relocs := f.Relocations(rela)
	require.Len(t, relocs, 1)
	require.Equal(t, uint64(0x11), relocs[0].Off)
	require.Equal(t, elf.R_X86_64_PC32, relocs[0].Type)
	require.Equal(t, int64(-4), relocs[0].Addend)
	require.Equal(t, bar, f.Symbols[relocs[0].Sym])
}

func TestPromoteIsIdempotent(t *testing.T) {
	f := obj.NewFile()
	strtab := f.StrtabSection()

	text := f.NewSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR)
	code := []byte{0xe8, 0, 0, 0, 0, 0xc3}
	text.Data = code

	fooOff := f.AppendString(strtab, "foo")
	foo := &obj.Symbol{Name: "foo", NameOff: fooOff, Value: 0, Size: uint64(len(code)), Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Shndx: uint16(text.Index())}
	f.AddSymbol(foo)

	idx := resolve.NewIndex(f)
	require.NoError(t, Promote(f, idx))

	_, ok := f.RelaSectionFor(text.Index())
	require.False(t, ok, "an already-zeroed displacement must not synthesize a relocation")
}
