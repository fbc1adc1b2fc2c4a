// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package diffengine implements the cross-compilation diff (spec
// §4.4): classifying every function and variable symbol in a new
// object relative to an old one as unchanged, new, or modified.
package diffengine

import (
	"bytes"
	"strings"

	"github.com/kpatch-tools/klpdiff/internal/disasm"
	"github.com/kpatch-tools/klpdiff/internal/resolve"
	"github.com/kpatch-tools/klpdiff/obj"
)

// Verdict is a symbol's diff classification (spec §4.4).
type Verdict int

const (
	NoDiff Verdict = iota
	NewVariable
	ModifiedVariable
	NewFunction
	ModifiedFunction
)

func (v Verdict) String() string {
	switch v {
	case NoDiff:
		return "No diff"
	case NewVariable:
		return "New variable"
	case ModifiedVariable:
		return "Modified variable"
	case NewFunction:
		return "New function"
	case ModifiedFunction:
		return "Modified function"
	default:
		return "unknown verdict"
	}
}

// Entry is one non-NoDiff verdict, in new-object symbol-table order.
type Entry struct {
	Name    string
	Verdict Verdict
}

// Diff compares oldFile against newFile and returns every symbol whose
// verdict isn't NoDiff, ordered as the new object's symbol table lists
// them (spec §6.1's CLI contract).
func Diff(oldFile, newFile *obj.File) ([]Entry, error) {
	oldIdx := resolve.NewIndex(oldFile)
	newIdx := resolve.NewIndex(newFile)

	oldFuncs := make(map[string]*obj.Symbol)
	oldVars := make(map[string]*obj.Symbol)
	for _, s := range oldFile.Symbols {
		switch {
		case s.IsFunction():
			oldFuncs[s.Name] = s
		case s.IsVariable():
			oldVars[s.Name] = s
		}
	}

	oldEntries, err := collectJumpEntries(oldFile, oldIdx)
	if err != nil {
		return nil, err
	}
	newEntries, err := collectJumpEntries(newFile, newIdx)
	if err != nil {
		return nil, err
	}

	verdicts := make(map[string]Verdict)
	var order []string
	seen := make(map[string]bool)

	for _, s := range newFile.Symbols {
		switch {
		case s.IsFunction():
			if seen[s.Name] {
				continue
			}
			seen[s.Name] = true
			order = append(order, s.Name)

			old, ok := oldFuncs[s.Name]
			if !ok {
				verdicts[s.Name] = NewFunction
				continue
			}
			v, err := diffFunction(oldFile, oldIdx, old, oldEntries, newFile, newIdx, s, newEntries)
			if err != nil {
				return nil, err
			}
			verdicts[s.Name] = v

		case s.IsVariable():
			if seen[s.Name] {
				continue
			}
			seen[s.Name] = true
			if _, ok := oldVars[s.Name]; ok {
				continue
			}
			order = append(order, s.Name)
			verdicts[s.Name] = NewVariable
		}
	}

	propagate(newFile, newIdx, verdicts)

	out := make([]Entry, 0, len(order))
	for _, name := range order {
		if v := verdicts[name]; v != NoDiff {
			out = append(out, Entry{Name: name, Verdict: v})
		}
	}
	return out, nil
}

// diffFunction implements spec §4.4's function-diff steps 1-5.
func diffFunction(
	oldFile *obj.File, oldIdx *resolve.Index, oldSym *obj.Symbol, oldJump []jumpEntry,
	newFile *obj.File, newIdx *resolve.Index, newSym *obj.Symbol, newJump []jumpEntry,
) (Verdict, error) {
	if oldSym.Size != newSym.Size {
		return ModifiedFunction, nil
	}

	oldSec, newSec := oldSym.Section(), newSym.Section()
	if oldSec == nil || newSec == nil {
		return ModifiedFunction, nil
	}

	oldBuf := append([]byte(nil), oldSec.Data...)
	newBuf := append([]byte(nil), newSec.Data...)

	// The ranges alias oldBuf/newBuf, so normalizing them in place also
	// normalizes the section copies handed to disasmLines below.
	oldRange := oldBuf[oldSym.Value : oldSym.Value+oldSym.Size]
	newRange := newBuf[newSym.Value : newSym.Value+newSym.Size]
	if err := normalizeStaticKeys(oldRange, oldSym, oldJump); err != nil {
		return 0, err
	}
	if err := normalizeStaticKeys(newRange, newSym, newJump); err != nil {
		return 0, err
	}

	if !bytes.Equal(oldRange, newRange) {
		oldLines, err := disasmLines(oldFile, oldIdx, oldSec, oldSym, oldBuf)
		if err != nil {
			return 0, err
		}
		newLines, err := disasmLines(newFile, newIdx, newSec, newSym, newBuf)
		if err != nil {
			return 0, err
		}
		if !linesEqual(oldLines, newLines) {
			return ModifiedFunction, nil
		}
	}

	oldCRC, err := relocationCRC(oldFile, oldIdx, oldSym)
	if err != nil {
		return 0, err
	}
	newCRC, err := relocationCRC(newFile, newIdx, newSym)
	if err != nil {
		return 0, err
	}
	if oldCRC != newCRC {
		return ModifiedFunction, nil
	}
	return NoDiff, nil
}

// disasmLines disassembles sym's byte range using normalizedSectionData
// in place of sec's real bytes (the static-key-normalized copy), and
// returns one rendered line per instruction.
func disasmLines(f *obj.File, idx *resolve.Index, sec *obj.Section, sym *obj.Symbol, normalizedSectionData []byte) ([]string, error) {
	orig := sec.Data
	sec.Data = normalizedSectionData
	defer func() { sec.Data = orig }()

	bridge := disasm.New(f, idx)
	insts, err := bridge.Decode(sec, 0)
	if err != nil {
		return nil, err
	}

	var lines []string
	for _, inst := range insts {
		if inst.PC < sym.Value || inst.PC >= sym.Value+sym.Size {
			continue
		}
		lines = append(lines, inst.Text)
	}
	if len(lines) > 0 && strings.HasPrefix(strings.ToUpper(lines[0]), "NOP") {
		lines = lines[1:]
	}
	return lines, nil
}

func linesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// propagate implements spec §4.4's fixed-point closure: a short
// (non-4-byte-operand) inter-function jump or call out of a
// new/modified function forces its target to Modified too, since the
// two sides can no longer share that short encoding independently.
// Iterates to a fixed point in symbol-table order.
func propagate(f *obj.File, idx *resolve.Index, verdicts map[string]Verdict) {
	bridge := disasm.New(f, idx)
	funcs := make([]*obj.Symbol, 0)
	for _, s := range f.Symbols {
		if s.IsFunction() {
			funcs = append(funcs, s)
		}
	}

	for {
		changed := false
		for _, fn := range funcs {
			if verdicts[fn.Name] == NoDiff {
				continue
			}
			sec := fn.Section()
			if sec == nil {
				continue
			}
			insts, err := bridge.Decode(sec, 0)
			if err != nil {
				continue
			}
			for _, inst := range insts {
				if !inst.ShortDisplacement {
					continue
				}
				if inst.PC < fn.Value || inst.PC >= fn.Value+fn.Size {
					continue
				}
				if inst.Target == "" || inst.Target == fn.Name {
					continue
				}
				if strings.HasPrefix(inst.Target, "<") {
					// "<enclosing+0xN>" renderings aren't a clean
					// function-boundary jump; the target function
					// wasn't a symbol's exact start.
					continue
				}
				if verdicts[inst.Target] == NoDiff {
					if _, known := fnByName(funcs, inst.Target); known {
						verdicts[inst.Target] = ModifiedFunction
						changed = true
					}
				}
			}
		}
		if !changed {
			return
		}
	}
}

func fnByName(funcs []*obj.Symbol, name string) (*obj.Symbol, bool) {
	for _, fn := range funcs {
		if fn.Name == name {
			return fn, true
		}
	}
	return nil, false
}
