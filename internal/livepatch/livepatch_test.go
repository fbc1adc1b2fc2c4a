package livepatch

import (
	"debug/elf"
	"testing"

	"github.com/kpatch-tools/klpdiff/obj"
	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	tgt, err := ParseTarget("vmlinux.bar,1")
	require.NoError(t, err)
	require.Equal(t, Target{ObjName: "vmlinux", SymName: "bar", Pos: 1}, tgt)

	_, err = ParseTarget("missingcomma")
	require.Error(t, err)
}

// buildModuleWithCall builds a module object with a function foo
// containing two relocations: one to bar (a target symbol) and one
// to printk (an untargeted symbol that must survive untouched).
func buildModuleWithCall(t *testing.T) (*obj.File, *obj.Symbol, *obj.Symbol) {
	t.Helper()
	f := obj.NewFile()
	strtab := f.StrtabSection()

	text := f.NewSection(".text.foo", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR)
	text.Data = make([]byte, 0x20)

	fooOff := f.AppendString(strtab, "foo")
	foo := &obj.Symbol{Name: "foo", NameOff: fooOff, Value: 0, Size: 0x20, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Shndx: uint16(text.Index())}
	f.AddSymbol(foo)

	barOff := f.AppendString(strtab, "bar")
	bar := &obj.Symbol{Name: "bar", NameOff: barOff, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Shndx: 0}
	f.AddSymbol(bar)

	printkOff := f.AppendString(strtab, "printk")
	printk := &obj.Symbol{Name: "printk", NameOff: printkOff, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Shndx: 0}
	f.AddSymbol(printk)

	rela := f.NewRelaSection(".rela.text.foo", text)
	f.AppendRelocation(rela, obj.Relocation{Off: 0x5, Sym: 2, Type: elf.R_X86_64_PC32, Addend: -4})
	f.AppendRelocation(rela, obj.Relocation{Off: 0xc, Sym: 3, Type: elf.R_X86_64_PC32, Addend: -4})

	return f, bar, printk
}

func TestConvertScenario5(t *testing.T) {
	f, bar, _ := buildModuleWithCall(t)

	targets := []Target{{ObjName: "vmlinux", SymName: "bar", Pos: 1}}
	require.NoError(t, Convert(f, "vmlinux", targets))

	require.Equal(t, ".klp.sym.vmlinux.bar,1", bar.Name)
	require.EqualValues(t, obj.SHN_LIVEPATCH, bar.Shndx)
	require.Equal(t, ".klp.sym.vmlinux.bar,1", f.String(f.StrtabSection(), bar.NameOff))

	klpSec, ok := f.SectionByName(".klp.rela.vmlinux.text.foo")
	require.True(t, ok)
	require.NotEqual(t, elf.SectionFlag(0), klpSec.Flags&obj.SHF_RELA_LIVEPATCH)
	relocs := f.Relocations(klpSec)
	require.Len(t, relocs, 1)
	require.Equal(t, uint64(0x5), relocs[0].Off)
}

func TestConvertPreservesUntargetedRelocations(t *testing.T) {
	f, _, printk := buildModuleWithCall(t)

	text, ok := f.SectionByName(".text.foo")
	require.True(t, ok)
	origRela, ok := f.RelaSectionFor(text.Index())
	require.True(t, ok)
	origRelocs := append([]obj.Relocation(nil), f.Relocations(origRela)...)

	targets := []Target{{ObjName: "vmlinux", SymName: "bar", Pos: 1}}
	require.NoError(t, Convert(f, "vmlinux", targets))

	rela, ok := f.RelaSectionFor(text.Index())
	require.True(t, ok)
	relocs := f.Relocations(rela)
	require.Len(t, relocs, 1)
	require.Equal(t, origRelocs[1].Off, relocs[0].Off)
	require.Equal(t, printk.Name, "printk")
	require.Equal(t, origRelocs[1].Sym, relocs[0].Sym)
}
