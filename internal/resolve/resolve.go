// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package resolve implements the symbol resolver (spec §4.2): mapping
// any relocation to the "meaningful" defining symbol, coping with
// section-relative relocations and STT_SECTION entries. It also
// exposes the general by-address symbol lookup the disassembly bridge
// (§4.3) and extractor (§4.6) need, adapted from the teacher's
// overlap-aware per-section address index (formerly package symtab).
package resolve

import (
	"debug/elf"
	"sort"

	"github.com/kpatch-tools/klpdiff/obj"
)

// Index is a per-File symbol lookup index: by name (globals only) and
// by (section, address), built once per invocation and reused by the
// resolver, the disassembly bridge, and the extractor.
type Index struct {
	file *obj.File

	byName    map[string]*obj.Symbol
	bySection map[int][]addrEntry

	cache map[cacheKey]*obj.Symbol
}

type addrEntry struct {
	addr uint64
	sym  *obj.Symbol
}

type cacheKey struct {
	sym    int
	addend int64
	typ    elf.R_X86_64
}

// NewIndex builds an Index over f's current symbol table. The caller
// must rebuild the Index if symbols are added or their values/sizes
// change.
func NewIndex(f *obj.File) *Index {
	idx := &Index{
		file:      f,
		byName:    make(map[string]*obj.Symbol),
		bySection: make(map[int][]addrEntry),
		cache:     make(map[cacheKey]*obj.Symbol),
	}
	bySec := make(map[int][]*obj.Symbol)
	for _, sym := range f.Symbols {
		if sym.Name != "" && !sym.Local() {
			idx.byName[sym.Name] = sym
		}
		sec := sym.Section()
		if sec == nil || sym.Size == 0 {
			continue
		}
		bySec[sec.Index()] = append(bySec[sec.Index()], sym)
	}
	for secIdx, syms := range bySec {
		idx.bySection[secIdx] = buildAddrIndex(syms)
	}
	return idx
}

// buildAddrIndex is the teacher's overlap-aware boundary-stack
// algorithm (symtab.makeAddrIndex), adapted to our Symbol type: it
// produces a sorted list of (address, owning-symbol) boundaries so a
// lookup can binary-search for the symbol active at any address, even
// when symbols of different sizes overlap (e.g. an outer struct and
// its first field alias the same address).
func buildAddrIndex(syms []*obj.Symbol) []addrEntry {
	order := append([]*obj.Symbol(nil), syms...)
	sort.Slice(order, func(i, j int) bool {
		si, sj := order[i], order[j]
		if si.Value != sj.Value {
			return si.Value < sj.Value
		}
		if si.Size != sj.Size {
			return si.Size > sj.Size
		}
		return si.OrigIndex > sj.OrigIndex
	})

	var out []addrEntry
	stack := make([]addrEntry, 0, 8) // addr is the *end* address
	drain := func(addr uint64) {
		for len(stack) > 0 {
			end := stack[len(stack)-1].addr
			if end > addr {
				return
			}
			for len(stack) > 0 && stack[len(stack)-1].addr == end {
				stack = stack[:len(stack)-1]
			}
			if len(stack) > 0 {
				out = append(out, addrEntry{end, stack[len(stack)-1].sym})
			}
		}
	}
	for _, sym := range order {
		if len(stack) == 1 {
			if stack[0].addr <= sym.Value {
				stack = stack[:0]
			}
		} else if len(stack) > 0 {
			drain(sym.Value)
		}
		start := addrEntry{sym.Value, sym}
		if len(out) > 0 && out[len(out)-1].addr == sym.Value {
			out[len(out)-1] = start
		} else {
			out = append(out, start)
		}
		stack = append(stack, addrEntry{sym.Value + sym.Size, sym})
		for i := len(stack) - 1; i >= 1 && stack[i].addr > stack[i-1].addr; i-- {
			stack[i], stack[i-1] = stack[i-1], stack[i]
		}
	}
	drain(^uint64(0))
	return out
}

// FindCovering returns the symbol whose [Value, Value+Size) interval
// contains off within section sec, or nil (the "findSymbolCovering"
// operation named in the DESIGN NOTES).
func (idx *Index) FindCovering(sec *obj.Section, off uint64) *obj.Symbol {
	tab := idx.bySection[sec.Index()]
	i := sort.Search(len(tab), func(i int) bool { return off < tab[i].addr }) - 1
	if i < 0 {
		return nil
	}
	sym := tab[i].sym
	if sym.Value+sym.Size <= off {
		return nil
	}
	return sym
}

// FindStartingAt returns the symbol whose Value exactly equals off
// within section sec, or nil (the "findSymbolStartingAt" operation).
func (idx *Index) FindStartingAt(sec *obj.Section, off uint64) *obj.Symbol {
	if sym := idx.FindCovering(sec, off); sym != nil && sym.Value == off {
		return sym
	}
	return nil
}

// ByName returns the (global) symbol named name, or nil. The result
// may not be unique; ties favor whichever symbol the underlying map
// retained last.
func (idx *Index) ByName(name string) *obj.Symbol {
	return idx.byName[name]
}

// Resolve implements spec §4.2: map r, a relocation inside section
// sec, to the symbol the engineer actually wrote, even when the raw
// referenced symbol is an anonymous STT_SECTION entry with a large
// addend.
func (idx *Index) Resolve(sec *obj.Section, r obj.Relocation) *obj.Symbol {
	key := cacheKey{int(r.Sym), r.Addend, r.Type}
	if cached, ok := idx.cache[key]; ok {
		return cached
	}
	sym, _ := idx.resolveUncached(sec, r)
	idx.cache[key] = sym
	return sym
}

// ResolveWithOffset is Resolve plus the byte offset of r's target
// within the returned symbol's interval. It's used by callers that
// need to reason about *where* inside a function or variable a
// relocation lands (static-key normalization, relocation promotion),
// not just which symbol it names.
func (idx *Index) ResolveWithOffset(sec *obj.Section, r obj.Relocation) (sym *obj.Symbol, offset uint64) {
	return idx.resolveUncached(sec, r)
}

// resolveUncached implements spec §4.2 and also returns the byte
// offset of r's target within the returned symbol's interval. The two
// early-return paths use different coordinate systems for that offset:
// a direct FUNC/OBJECT reference's addend is already relative to the
// symbol itself, while a section-relative (STT_SECTION) reference's
// addend is an absolute section offset that must be reduced by the
// covering symbol's value.
func (idx *Index) resolveUncached(sec *obj.Section, r obj.Relocation) (*obj.Symbol, uint64) {
	raw := idx.file.Symbols[r.Sym]

	addend := r.Addend
	if r.Type == elf.R_X86_64_PC32 || r.Type == elf.R_X86_64_PLT32 {
		addend += 4
	}

	// Step 2: undefined, sized, or FUNC/OBJECT symbols are already the
	// "meaningful" target; the addend is relative to that symbol.
	if !raw.Defined() || raw.Size != 0 || raw.Type == elf.STT_FUNC || raw.Type == elf.STT_OBJECT {
		if addend < 0 {
			return raw, 0
		}
		return raw, uint64(addend)
	}

	// Step 3: section-relative reference via an anonymous section
	// symbol. addend is now the absolute offset into the defining
	// section being referenced.
	targetOff := uint64(addend)

	defSec := raw.Section()
	if defSec == nil {
		return raw, targetOff
	}

	// Step 4: scan symbols defined in the same section for one whose
	// interval contains the adjusted offset.
	if sym := idx.FindCovering(defSec, targetOff); sym != nil {
		return sym, targetOff - sym.Value
	}

	// Step 5: no symbol covers it (e.g. a string-pool reference into
	// .rodata.str1.1). Callers distinguish string-pool refs by section
	// flags SHF_MERGE|SHF_STRINGS.
	return raw, targetOff
}
