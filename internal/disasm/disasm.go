// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package disasm bridges the x86-64 decoder in asm with object-file
// symbol information (spec §4.3, §6.4): for every instruction in a
// section it classifies the displacement operand (if any) using a
// fixed per-opcode offset/size table, and resolves that operand to a
// symbol name the way a human reading a disassembly listing would.
package disasm

import (
	"fmt"

	"github.com/kpatch-tools/klpdiff/arch"
	"github.com/kpatch-tools/klpdiff/asm"
	"github.com/kpatch-tools/klpdiff/internal/resolve"
	"github.com/kpatch-tools/klpdiff/obj"
)

// operandShape describes where a CALL/JMP/Jcc displacement sits inside
// an instruction's encoding, keyed by the instruction's first opcode
// byte (or, for the two-byte Jcc forms, its second byte).
type operandShape struct {
	off  int // offset of the displacement field from the start of the instruction
	size int // 1, 2, or 4 bytes
}

var oneByteOpcodeShapes = map[byte]operandShape{
	0xe8: {off: 1, size: 4}, // CALL rel32
	0xe9: {off: 1, size: 4}, // JMP rel32
	0xea: {off: 1, size: 2}, // far JMP ptr16:16 (displacement-like field only)
	0xeb: {off: 1, size: 1}, // JMP rel8
}

func jccShape(b byte) (operandShape, bool) {
	if b >= 0x70 && b <= 0x7f {
		return operandShape{off: 1, size: 1}, true // Jcc rel8
	}
	return operandShape{}, false
}

func twoByteJccShape(b byte) (operandShape, bool) {
	if b >= 0x80 && b <= 0x8f {
		return operandShape{off: 2, size: 4}, true // 0x0F 0x8x: Jcc rel32
	}
	return operandShape{}, false
}

// classify returns the displacement operand's shape for the
// instruction starting at raw[0], or (operandShape{}, false) if this
// opcode carries no displacement operand under this table.
func classify(raw []byte) (operandShape, bool) {
	if len(raw) == 0 {
		return operandShape{}, false
	}
	if raw[0] == 0x0f && len(raw) > 1 {
		return twoByteJccShape(raw[1])
	}
	if shape, ok := oneByteOpcodeShapes[raw[0]]; ok {
		return shape, true
	}
	if shape, ok := jccShape(raw[0]); ok {
		return shape, true
	}
	return operandShape{}, false
}

// Instruction is one decoded, symbol-annotated instruction.
type Instruction struct {
	PC     uint64
	Len    int
	Text   string // Go-syntax rendering, symbol names substituted in
	Target string // resolved symbol name for the displacement operand, if any; "" otherwise

	// ShortDisplacement is true when Target came from a non-4-byte
	// displacement field (rel8 Jcc/JMP or the far ptr16:16 form): the
	// encoding can't be independently relinked, unlike a rel32 operand.
	ShortDisplacement bool
}

// Bridge decodes a section's instruction stream and resolves operand
// symbols against idx.
type Bridge struct {
	file *obj.File
	idx  *resolve.Index
}

// New builds a Bridge over f, using idx for symbol resolution.
func New(f *obj.File, idx *resolve.Index) *Bridge {
	return &Bridge{file: f, idx: idx}
}

// Decode disassembles sec's entire contents, starting at program
// counter pc (the section's load address, or 0 for relocatable
// objects where addresses are not yet assigned).
func (b *Bridge) Decode(sec *obj.Section, pc uint64) ([]Instruction, error) {
	seq, err := asm.Disasm(arch.AMD64, sec.Data, pc)
	if err != nil {
		return nil, err
	}

	relaSec, hasRela := b.file.RelaSectionFor(sec.Index())
	var relocs []obj.Relocation
	if hasRela {
		relocs = b.file.Relocations(relaSec)
	}

	out := make([]Instruction, 0, seq.Len())
	for i := 0; i < seq.Len(); i++ {
		inst := seq.Get(i)
		secOff := inst.PC() - pc
		raw := sec.Data[secOff : secOff+uint64(inst.Len())]

		target := b.resolveOperand(sec, relocs, raw, secOff)
		shape, hasShape := classify(raw)

		symName := func(addr uint64) (string, uint64) {
			if sym := b.idx.FindCovering(sec, addr-pc); sym != nil {
				return sym.Name, sym.Value + pc
			}
			// Neither a relocation nor a symbol covers the target
			// itself; fall back to the function currently being
			// disassembled, per spec §4.3's third fallback.
			if sym := b.idx.FindCovering(sec, secOff); sym != nil {
				return sym.Name, sym.Value + pc
			}
			return "", 0
		}
		out = append(out, Instruction{
			PC:                inst.PC(),
			Len:               inst.Len(),
			Text:              inst.GoSyntax(symName),
			Target:            target,
			ShortDisplacement: hasShape && shape.size != 4,
		})
	}
	return out, nil
}

// resolveOperand implements spec §4.3's symbol-name fallback chain for
// a single instruction's displacement operand: (1) an existing
// relocation exactly at the displacement field's section offset, (2)
// the symbol covering the computed target offset, rendered as
// "<enclosing_name+0xhex>" when the target isn't a symbol's exact
// start, (3) the symbol covering the instruction itself (the function
// currently being disassembled), rendered the same way, if neither (1)
// nor (2) found anything.
//
// secOff is the instruction's offset from the start of sec's data.
func (b *Bridge) resolveOperand(sec *obj.Section, relocs []obj.Relocation, raw []byte, secOff uint64) string {
	shape, ok := classify(raw)
	if !ok {
		return ""
	}
	fieldOff := secOff + uint64(shape.off)

	for _, r := range relocs {
		if r.Off != fieldOff {
			continue
		}
		if sym := b.idx.Resolve(sec, r); sym != nil && sym.Name != "" {
			return sym.Name
		}
	}

	disp := decodeDisp(raw[shape.off:shape.off+shape.size], shape.size)
	targetAbs := int64(secOff) + int64(len(raw)) + disp
	if targetAbs < 0 {
		return ""
	}
	target := uint64(targetAbs)

	if sym := b.idx.FindCovering(sec, target); sym != nil {
		return formatRelative(sym.Name, target, sym.Value)
	}
	if sym := b.idx.FindCovering(sec, secOff); sym != nil {
		return formatRelative(sym.Name, target, sym.Value)
	}
	return ""
}

// formatRelative renders name alone when target sits exactly at base,
// or "<name+0xhex>"/"<name-0xhex>" otherwise.
func formatRelative(name string, target, base uint64) string {
	if target == base {
		return name
	}
	if target > base {
		return fmt.Sprintf("<%s+0x%x>", name, target-base)
	}
	return fmt.Sprintf("<%s-0x%x>", name, base-target)
}

func decodeDisp(b []byte, size int) int64 {
	switch size {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(uint16(b[0]) | uint16(b[1])<<8))
	case 4:
		v := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
		return int64(int32(v))
	default:
		return 0
	}
}
