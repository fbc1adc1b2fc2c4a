// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package extract implements the symbol-closure extractor (spec
// §4.6): copying a requested set of symbols, their static-key
// targets, everything they relocate against, and a curated set of
// metadata sections into a fresh, self-contained relocatable object.
package extract

import (
	"debug/elf"
	"strings"

	"github.com/kpatch-tools/klpdiff/internal/relocpromote"
	"github.com/kpatch-tools/klpdiff/internal/resolve"
	"github.com/kpatch-tools/klpdiff/internal/toolerr"
	"github.com/kpatch-tools/klpdiff/obj"
)

// metadataSectionNames are copied whole, with an unfiltered
// relocation copy, if present in the source object (spec §4.6
// "Metadata passes").
var metadataSectionNames = []string{
	".altinstructions",
	".altinstr_aux",
	".altinstr_replacement",
	"__bug_table",
}

// stringPoolSectionNames are always fully copied (bytes included)
// when a relocation inside a copied symbol targets them, regardless
// of the copySec rule that otherwise governs function/variable
// targets (spec §4.6 "Relocation copy").
var stringPoolSectionNames = map[string]bool{
	"__tracepoint_str":   true,
	"__trace_printk_fmt": true,
}

func isStringPoolSection(sec *obj.Section) bool {
	if sec == nil {
		return false
	}
	if sec.Flags&(elf.SHF_MERGE|elf.SHF_STRINGS) != 0 {
		return true
	}
	if strings.HasPrefix(sec.Name, ".rodata.__func__") || strings.HasPrefix(sec.Name, ".rodata.cst16") {
		return true
	}
	return stringPoolSectionNames[sec.Name]
}

// Extractor carries the idempotent input→output mappings a single
// extraction run accumulates: section copies and symbol copies are
// each memoized so repeatedly reaching the same input section or
// symbol from different relocation paths returns the same output
// entity (spec §4.6).
type Extractor struct {
	src *obj.File
	out *obj.File
	idx *resolve.Index

	secCopy     map[int]*obj.Section // input section index -> output section
	symCopy     map[int]int          // input symbol index -> output symbol index
	relaSecDone map[int]bool         // input rela-section index -> already fully copied (unfiltered)
}

// Extract builds a new relocatable object containing names and their
// transitive closure, per spec §4.6.
func Extract(src *obj.File, names []string) (*obj.File, error) {
	e := &Extractor{
		src:         src,
		out:         obj.NewFile(),
		idx:         resolve.NewIndex(src),
		secCopy:     make(map[int]*obj.Section),
		symCopy:     make(map[int]int),
		relaSecDone: make(map[int]bool),
	}

	seeds, err := e.collectSeeds(names)
	if err != nil {
		return nil, err
	}
	for _, sym := range seeds {
		if _, err := e.copySymbol(sym, true); err != nil {
			return nil, err
		}
	}

	if err := e.copyPendingRodataRelocations(); err != nil {
		return nil, err
	}
	if err := e.copyMetadataSections(); err != nil {
		return nil, err
	}
	if err := e.copyJumpTable(); err != nil {
		return nil, err
	}

	e.out.SortSymbols(nil)
	return e.out, nil
}

// collectSeeds resolves names to symbols and extends the set with
// each static-key entry's key target whose code relocation resolves
// into one of the named functions (spec §4.6 "Seed set").
func (e *Extractor) collectSeeds(names []string) ([]*obj.Symbol, error) {
	var seeds []*obj.Symbol
	seen := make(map[int]bool)
	for _, name := range names {
		sym := findSymbolByName(e.src, name)
		if sym == nil {
			return nil, toolerr.New(toolerr.Unresolved, "symbol %q not found", name)
		}
		if !seen[sym.OrigIndex] {
			seen[sym.OrigIndex] = true
			seeds = append(seeds, sym)
		}
	}

	keyTargets, err := e.staticKeyTargets(seen)
	if err != nil {
		return nil, err
	}
	for _, sym := range keyTargets {
		if !seen[sym.OrigIndex] {
			seen[sym.OrigIndex] = true
			seeds = append(seeds, sym)
		}
	}
	return seeds, nil
}

// findSymbolByName returns the best match for name in f: a defined
// symbol if one exists, else the first symbol with that name.
// Extraction targets may be local (file-static) functions, so this
// scans the whole table rather than only globals.
func findSymbolByName(f *obj.File, name string) *obj.Symbol {
	var best *obj.Symbol
	for _, s := range f.Symbols {
		if s.Name != name {
			continue
		}
		if best == nil {
			best = s
		}
		if s.Defined() {
			return s
		}
	}
	return best
}

// staticKeyTargets returns the key-relocation target of every
// __jump_table entry whose code relocation resolves into a symbol
// already in seedIdx.
func (e *Extractor) staticKeyTargets(seedIdx map[int]bool) ([]*obj.Symbol, error) {
	entries, err := e.decodeJumpTable()
	if err != nil {
		return nil, err
	}
	var out []*obj.Symbol
	for _, ent := range entries {
		if ent.code == nil || !seedIdx[ent.code.OrigIndex] {
			continue
		}
		if ent.key != nil {
			out = append(out, ent.key)
		}
	}
	return out, nil
}

type jumpTableEntry struct {
	code, target, key *obj.Symbol
}

func (e *Extractor) decodeJumpTable() ([]jumpTableEntry, error) {
	jt, ok := e.src.SectionByName("__jump_table")
	if !ok {
		return nil, nil
	}
	rela, ok := e.src.RelaSectionFor(jt.Index())
	if !ok {
		return nil, toolerr.New(toolerr.Malformed, "__jump_table has no relocation section")
	}
	relocs := e.src.Relocations(rela)
	if len(relocs)%3 != 0 {
		return nil, toolerr.New(toolerr.Malformed, "__jump_table relocation count %d is not a multiple of 3", len(relocs))
	}
	var out []jumpTableEntry
	for i := 0; i+2 < len(relocs); i += 3 {
		codeSym, _ := e.idx.ResolveWithOffset(jt, relocs[i])
		targetSym, _ := e.idx.ResolveWithOffset(jt, relocs[i+1])
		keySym, _ := e.idx.ResolveWithOffset(jt, relocs[i+2])
		out = append(out, jumpTableEntry{code: codeSym, target: targetSym, key: keySym})
	}
	return out, nil
}

// copySection copies sec's bytes into the output unmodified and
// memoizes the mapping, so later calls for the same input section
// return the same output section (spec §4.6: "copying a section to
// the output is idempotent").
func (e *Extractor) copySection(sec *obj.Section) *obj.Section {
	if out, ok := e.secCopy[sec.Index()]; ok {
		return out
	}
	out := e.out.NewSection(sec.Name, sec.Type, sec.Flags)
	out.EntSize = sec.EntSize
	out.AddrAlign = sec.AddrAlign
	out.Data = append([]byte(nil), sec.Data...)
	e.secCopy[sec.Index()] = out
	return out
}

// copySymbol implements spec §4.6's "Symbol copy" operation.
func (e *Extractor) copySymbol(sym *obj.Symbol, copySec bool) (*obj.Symbol, error) {
	if outIdx, ok := e.symCopy[sym.OrigIndex]; ok {
		return e.out.Symbols[outIdx], nil
	}

	if sym.Defined() && copySec {
		outSec := e.copySection(sym.Section())
		name := sym.Name
		if sym.IsFunction() {
			// The kernel loader rejects dots in global symbol names.
			name = strings.ReplaceAll(name, ".", "_")
		}
		outSym := &obj.Symbol{
			Name:  name,
			Value: sym.Value,
			Size:  sym.Size,
			Bind:  elf.STB_GLOBAL,
			Type:  sym.Type,
			Shndx: uint16(outSec.Index()),
		}
		outSym.NameOff = e.out.AppendString(e.out.StrtabSection(), name)
		outIdx := e.out.AddSymbol(outSym)
		e.symCopy[sym.OrigIndex] = outIdx

		if err := e.copyRelocationsFor(sym.Section(), outSec, sym); err != nil {
			return nil, err
		}
		if sym.IsFunction() {
			outIdx2 := resolve.NewIndex(e.out)
			if err := relocpromote.PromoteFunction(e.out, outIdx2, outSym); err != nil {
				return nil, err
			}
		}
		return outSym, nil
	}

	// Undefined on input, or explicitly requested to stay external:
	// the defining section's code stays behind (or was never ours),
	// and the kernel loader resolves this name against the running
	// image.
	outSym := &obj.Symbol{
		Name:  sym.Name,
		Bind:  elf.STB_GLOBAL,
		Type:  sym.Type,
		Shndx: 0,
	}
	outSym.NameOff = e.out.AppendString(e.out.StrtabSection(), sym.Name)
	outIdx := e.out.AddSymbol(outSym)
	e.symCopy[sym.OrigIndex] = outIdx
	return outSym, nil
}

// adjustAddendTypes are the relocation types whose addend is
// reinterpreted relative to the resolved symbol when the raw
// reference was an anonymous STT_SECTION entry (spec §4.6).
var adjustAddendTypes = map[elf.R_X86_64]bool{
	elf.R_X86_64_PC32:  true,
	elf.R_X86_64_PLT32: true,
	elf.R_X86_64_32S:   true,
	elf.R_X86_64_64:    true,
}

// copyRelocationsFor copies every relocation in sec's .rela section
// that falls within fromSym's byte range into outSec's .rela section
// (spec §4.6 "Relocation copy", the fromSym-scoped case used while
// copying an individual symbol's own code/data).
func (e *Extractor) copyRelocationsFor(sec *obj.Section, outSec *obj.Section, fromSym *obj.Symbol) error {
	return e.copyRelocationsMatching(sec, outSec, func(r obj.Relocation) bool {
		return fromSym.Covers(r.Off)
	}, true)
}

// copyRelocationsMatching implements the shared body of the
// fromSym-scoped and metadata-pass (unfiltered, copySec-always-true)
// relocation copies.
func (e *Extractor) copyRelocationsMatching(sec *obj.Section, outSec *obj.Section, keep func(obj.Relocation) bool, restrictCopySec bool) error {
	rela, ok := e.src.RelaSectionFor(sec.Index())
	if !ok {
		return nil
	}
	for _, r := range e.src.Relocations(rela) {
		if keep != nil && !keep(r) {
			continue
		}
		if err := e.copyOneRelocation(sec, outSec, r, restrictCopySec); err != nil {
			return err
		}
	}
	return nil
}

// copyOneRelocation implements spec §4.6's per-entry relocation copy
// rule. restrictCopySec selects the fromSym-scoped semantics
// (function/variable targets stay external) versus the unrestricted
// metadata-pass semantics (always copySec=true).
func (e *Extractor) copyOneRelocation(sec *obj.Section, outSec *obj.Section, r obj.Relocation, restrictCopySec bool) error {
	raw := e.src.Symbols[r.Sym]

	if raw.Type == elf.STT_SECTION {
		if rsec := raw.Section(); isStringPoolSection(rsec) {
			e.copySection(rsec)
			outRawSym, err := e.copySymbol(raw, true)
			if err != nil {
				return err
			}
			e.out.AppendRelocation(outSec, obj.Relocation{
				Off:    r.Off,
				Sym:    uint32(outIndex(e.out, outRawSym)),
				Type:   r.Type,
				Addend: r.Addend,
			})
			return nil
		}
	}

	target, _ := e.idx.ResolveWithOffset(sec, r)
	copySec := true
	if restrictCopySec {
		copySec = !(target.IsFunction() || target.IsVariable())
	}
	outSym, err := e.copySymbol(target, copySec)
	if err != nil {
		return err
	}

	addend := r.Addend
	if raw.Type == elf.STT_SECTION && adjustAddendTypes[r.Type] && r.Addend != -4 {
		addend -= int64(target.Value)
	}

	e.out.AppendRelocation(outSec, obj.Relocation{
		Off:    r.Off,
		Sym:    uint32(outIndex(e.out, outSym)),
		Type:   r.Type,
		Addend: addend,
	})
	return nil
}

func outIndex(f *obj.File, sym *obj.Symbol) int {
	for i, s := range f.Symbols {
		if s == sym {
			return i
		}
	}
	return -1
}

// copyPendingRodataRelocations implements spec §4.6's first metadata
// pass: any .rodata* section that was copied as a relocation target
// but whose own relocation section hasn't been copied yet gets a
// full, unfiltered relocation copy.
func (e *Extractor) copyPendingRodataRelocations() error {
	for inIdx, outSec := range e.secCopy {
		inSec := e.src.Sections[inIdx]
		if !strings.HasPrefix(inSec.Name, ".rodata") {
			continue
		}
		rela, ok := e.src.RelaSectionFor(inSec.Index())
		if !ok || e.relaSecDone[rela.Index()] {
			continue
		}
		e.relaSecDone[rela.Index()] = true
		if err := e.copyRelocationsMatching(inSec, outSec, nil, false); err != nil {
			return err
		}
	}
	return nil
}

// copyMetadataSections implements spec §4.6's second metadata pass:
// copy .altinstructions/.altinstr_aux/.altinstr_replacement/__bug_table
// verbatim, with unfiltered relocations, if present.
func (e *Extractor) copyMetadataSections() error {
	for _, name := range metadataSectionNames {
		inSec, ok := e.src.SectionByName(name)
		if !ok {
			continue
		}
		outSec := e.copySection(inSec)
		rela, ok := e.src.RelaSectionFor(inSec.Index())
		if !ok || e.relaSecDone[rela.Index()] {
			continue
		}
		e.relaSecDone[rela.Index()] = true
		if err := e.copyRelocationsMatching(inSec, outSec, nil, false); err != nil {
			return err
		}
	}
	return nil
}

// jumpTableEntrySize is the on-disk size of one __jump_table row: a
// 4-byte code field, a 4-byte target field, and an 8-byte key field,
// at row offsets 0, 4, and 8.
const jumpTableEntrySize = 16

// copyJumpTable implements spec §4.6's __jump_table pass: keep entry
// i iff its code target was copied with non-zero output size and its
// key target has non-zero size, then compact the survivors into a
// fresh, densely-packed section and relocation set.
func (e *Extractor) copyJumpTable() error {
	entries, err := e.decodeJumpTable()
	if err != nil {
		return err
	}
	if entries == nil {
		return nil
	}
	jt, _ := e.src.SectionByName("__jump_table")
	rela, _ := e.src.RelaSectionFor(jt.Index())
	relocs := e.src.Relocations(rela)

	var keptGroups [][3]obj.Relocation
	for i, ent := range entries {
		outCodeIdx, copied := e.symCopy[ent.code.OrigIndex]
		if !copied {
			continue
		}
		outCodeSym := e.out.Symbols[outCodeIdx]
		if outCodeSym.Size == 0 {
			continue
		}
		if ent.key == nil || ent.key.Size == 0 {
			continue
		}
		keptGroups = append(keptGroups, [3]obj.Relocation{relocs[i*3], relocs[i*3+1], relocs[i*3+2]})
	}
	if len(keptGroups) == 0 {
		return nil
	}

	outJt := e.out.NewSection(jt.Name, jt.Type, jt.Flags)
	outJt.EntSize = jt.EntSize
	outJt.AddrAlign = jt.AddrAlign
	outJt.Data = make([]byte, len(keptGroups)*jumpTableEntrySize)
	outRela := e.out.NewRelaSection(".rela"+jt.Name, outJt)

	for groupIdx, group := range keptGroups {
		for slot, r := range group {
			raw := e.src.Symbols[r.Sym]
			target, _ := e.idx.ResolveWithOffset(jt, r)
			outSym, err := e.copySymbol(target, true)
			if err != nil {
				return err
			}
			addend := r.Addend
			if raw.Type == elf.STT_SECTION && adjustAddendTypes[r.Type] && r.Addend != -4 {
				addend -= int64(target.Value)
			}
			e.out.AppendRelocation(outRela, obj.Relocation{
				Off:    uint64(groupIdx*jumpTableEntrySize + slot*4),
				Sym:    uint32(outIndex(e.out, outSym)),
				Type:   r.Type,
				Addend: addend,
			})
		}
	}
	return nil
}
