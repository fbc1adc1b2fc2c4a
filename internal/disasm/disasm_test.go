package disasm

import (
	"debug/elf"
	"testing"

	"github.com/kpatch-tools/klpdiff/internal/resolve"
	"github.com/kpatch-tools/klpdiff/obj"
	"github.com/stretchr/testify/require"
)

func TestDecodeResolvesCallViaRelocation(t *testing.T) {
	f := obj.NewFile()
	strtab := f.StrtabSection()

	text := f.NewSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR)
	// call rel32 (offset 0); ret (offset 5)
	text.Data = []byte{0xe8, 0, 0, 0, 0, 0xc3}

	calleeOff := f.AppendString(strtab, "callee")
	callee := &obj.Symbol{Name: "callee", NameOff: calleeOff, Value: 100, Size: 4, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Shndx: 0}
	f.AddSymbol(callee)
	callee.Shndx = 0 // undefined in another section; relocation carries the real target

	rela := f.NewRelaSection(".rela.text", text)
	f.AppendRelocation(rela, obj.Relocation{Off: 1, Sym: uint32(len(f.Symbols) - 1), Type: elf.R_X86_64_PLT32, Addend: -4})

	idx := resolve.NewIndex(f)
	bridge := New(f, idx)

	insts, err := bridge.Decode(text, 0)
	require.NoError(t, err)
	require.Len(t, insts, 2)
	require.Equal(t, "callee", insts[0].Target)
}

func TestDecodeFallsBackToCoveringSymbol(t *testing.T) {
	f := obj.NewFile()
	strtab := f.StrtabSection()

	text := f.NewSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR)
	// jmp rel8 +2 (to the ret at offset 4), then two nops, then ret.
	text.Data = []byte{0xeb, 0x02, 0x90, 0x90, 0xc3}

	nameOff := f.AppendString(strtab, "fn")
	fn := &obj.Symbol{Name: "fn", NameOff: nameOff, Value: 0, Size: uint64(len(text.Data)), Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Shndx: uint16(text.Index())}
	f.AddSymbol(fn)

	idx := resolve.NewIndex(f)
	bridge := New(f, idx)

	insts, err := bridge.Decode(text, 0)
	require.NoError(t, err)
	require.Equal(t, "<fn+0x4>", insts[0].Target)
}

func TestDecodeFallsBackToEnclosingFunction(t *testing.T) {
	f := obj.NewFile()
	strtab := f.StrtabSection()

	text := f.NewSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR)
	// call rel32 to an address with no relocation and no symbol
	// covering it: the fallback must name the enclosing function.
	text.Data = []byte{0xe8, 0x10, 0x00, 0x00, 0x00, 0xc3}

	nameOff := f.AppendString(strtab, "fn")
	fn := &obj.Symbol{Name: "fn", NameOff: nameOff, Value: 0, Size: uint64(len(text.Data)), Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Shndx: uint16(text.Index())}
	f.AddSymbol(fn)

	idx := resolve.NewIndex(f)
	bridge := New(f, idx)

	insts, err := bridge.Decode(text, 0)
	require.NoError(t, err)
	require.Equal(t, "<fn+0x15>", insts[0].Target)
}
