// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package relocpromote implements relocation promotion (spec §4.5):
// turning a hand-encoded CALL/JMP/Jcc rel32 displacement into a
// real R_X86_64_PC32 relocation, so the extractor and live-patch
// converter never have to special-case raw machine-code displacements.
package relocpromote

import (
	"debug/elf"

	"github.com/kpatch-tools/klpdiff/internal/disasm"
	"github.com/kpatch-tools/klpdiff/internal/resolve"
	"github.com/kpatch-tools/klpdiff/obj"
)

// rel32OperandOffset is the offset of the 4-byte displacement field
// from the start of a CALL/JMP/Jcc-rel32 instruction: 1 for the 5-byte
// one-byte-opcode forms (0xE8, 0xE9), 2 for the 6-byte two-byte 0x0F
// 0x8x Jcc forms.
func rel32OperandOffset(raw []byte) (off int, ok bool) {
	if len(raw) == 0 {
		return 0, false
	}
	switch raw[0] {
	case 0xe8, 0xe9:
		return 1, true
	}
	if raw[0] == 0x0f && len(raw) > 1 && raw[1] >= 0x80 && raw[1] <= 0x8f {
		return 2, true
	}
	return 0, false
}

// Promote scans every function in f and replaces each CALL/JMP rel32
// (5-byte) or Jcc rel32 (6-byte) displacement whose target is another named
// function with a real R_X86_64_PC32 relocation in the parent
// section's .rela section, zeroing the displacement bytes in place.
//
// Idempotence (spec §4.5, §8): a displacement already zeroed is
// skipped, on the assumption a relocation for it already exists.
func Promote(f *obj.File, idx *resolve.Index) error {
	for _, fn := range f.Symbols {
		if !fn.IsFunction() {
			continue
		}
		if err := PromoteFunction(f, idx, fn); err != nil {
			return err
		}
	}
	return nil
}

// PromoteFunction runs the same pass as Promote, scoped to a single
// function. The extractor (spec §4.6) calls this per freshly-copied
// function rather than once over the whole file.
func PromoteFunction(f *obj.File, idx *resolve.Index, fn *obj.Symbol) error {
	sec := fn.Section()
	if sec == nil {
		return nil
	}
	bridge := disasm.New(f, idx)
	insts, err := bridge.Decode(sec, 0)
	if err != nil {
		return err
	}
	for _, inst := range insts {
		if inst.PC < fn.Value || inst.PC >= fn.Value+fn.Size {
			continue
		}
		if inst.Len < 5 || inst.ShortDisplacement {
			continue
		}
		if err := promoteOne(f, idx, sec, inst.PC, int(inst.Len)); err != nil {
			return err
		}
	}
	return nil
}

func promoteOne(f *obj.File, idx *resolve.Index, sec *obj.Section, instPC uint64, instLen int) error {
	raw := sec.Data[instPC : instPC+uint64(instLen)]
	operandOff, ok := rel32OperandOffset(raw)
	if !ok {
		return nil
	}
	fieldOff := instPC + uint64(operandOff)

	if isZero(sec.Data[fieldOff : fieldOff+4]) {
		return nil // already promoted; a relocation must already exist.
	}

	disp := int32(uint32(raw[operandOff]) | uint32(raw[operandOff+1])<<8 | uint32(raw[operandOff+2])<<16 | uint32(raw[operandOff+3])<<24)
	targetAbs := int64(instPC) + int64(instLen) + int64(disp)
	if targetAbs < 0 {
		return nil
	}
	target := idx.FindCovering(sec, uint64(targetAbs))
	if target == nil || !target.IsFunction() {
		return nil
	}

	for i := 0; i < 4; i++ {
		sec.Data[fieldOff+uint64(i)] = 0
	}

	targetIdx := symbolIndex(f, target)
	rela, ok := f.RelaSectionFor(sec.Index())
	if !ok {
		rela = f.NewRelaSection(".rela"+sec.Name, sec)
	}
	f.AppendRelocation(rela, obj.Relocation{
		Off:    fieldOff,
		Sym:    uint32(targetIdx),
		Type:   elf.R_X86_64_PC32,
		Addend: targetAbs - int64(target.Value) - 4,
	})
	return nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func symbolIndex(f *obj.File, sym *obj.Symbol) int {
	for i, s := range f.Symbols {
		if s == sym {
			return i
		}
	}
	return -1
}
