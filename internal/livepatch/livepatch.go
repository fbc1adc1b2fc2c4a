// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package livepatch implements the live-patch converter (spec §4.7):
// turning a finished relocatable object into a kernel live-patch
// module by renaming unresolved symbols into the
// ".klp.sym.<obj>.<name>,<pos>" form and promoting their relocation
// sections to ".klp.rela.<obj>.<sec>" with SHF_RELA_LIVEPATCH.
package livepatch

import (
	"debug/elf"
	"fmt"
	"strconv"
	"strings"

	"github.com/kpatch-tools/klpdiff/internal/toolerr"
	"github.com/kpatch-tools/klpdiff/obj"
)

// excludedRelaSections are never scanned for symbols to convert
// (spec §4.7 step 2).
var excludedRelaSections = map[string]bool{
	".rela.debug_info":  true,
	".rela__jump_table": true,
}

// Target is one parsed "objName.symName,pos" triple from a -r flag
// (spec §6.1, §4.7 step 1).
type Target struct {
	ObjName string
	SymName string
	Pos     uint
}

// ParseTarget parses spec s (sscanf equivalent "%55[^.].%127[^,],%u")
// into a Target. Malformed input is fatal, per spec §4.7 step 1.
func ParseTarget(s string) (Target, error) {
	dot := strings.IndexByte(s, '.')
	comma := strings.LastIndexByte(s, ',')
	if dot < 0 || comma < 0 || comma < dot {
		return Target{}, toolerr.New(toolerr.Usage, "symbol %q has an incorrectly formatted name", s)
	}
	objName := s[:dot]
	symName := s[dot+1 : comma]
	posStr := s[comma+1:]
	if objName == "" || symName == "" {
		return Target{}, toolerr.New(toolerr.Usage, "symbol %q has an incorrectly formatted name", s)
	}
	if len(objName) > 55 {
		objName = objName[:55]
	}
	if len(symName) > 127 {
		symName = symName[:127]
	}
	pos, err := strconv.ParseUint(posStr, 10, 32)
	if err != nil {
		return Target{}, toolerr.Wrap(toolerr.Usage, err, "symbol %q has an incorrectly formatted name", s)
	}
	return Target{ObjName: objName, SymName: symName, Pos: uint(pos)}, nil
}

// Convert mutates f in place into a live-patch module named objName,
// converting every symbol named in targets per spec §4.7.
func Convert(f *obj.File, objName string, targets []Target) error {
	byName := make(map[string]Target, len(targets))
	for _, t := range targets {
		byName[t.SymName] = t
	}

	type removedGroup struct {
		sec     *obj.Section
		removed []obj.Relocation
	}
	var groups []removedGroup

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		if excludedRelaSections[sec.Name] {
			continue
		}
		removed := f.RemoveRelocations(sec, func(r obj.Relocation) bool {
			raw := f.Symbols[r.Sym]
			_, hit := byName[raw.Name]
			return !hit
		})
		if len(removed) > 0 {
			groups = append(groups, removedGroup{sec: sec, removed: removed})
		}
	}

	strtab := f.StrtabSection()
	for i, sym := range f.Symbols {
		if i == 0 {
			continue
		}
		t, hit := byName[sym.Name]
		if !hit {
			continue
		}
		klpName := fmt.Sprintf(".klp.sym.%s.%s,%d", objName, t.SymName, t.Pos)
		sym.NameOff = f.AppendString(strtab, klpName)
		sym.Name = klpName
		sym.Shndx = obj.SHN_LIVEPATCH
	}

	for _, g := range groups {
		parentName := strings.TrimPrefix(g.sec.Name, ".rela")
		klpRelaName := fmt.Sprintf(".klp.rela.%s%s", objName, parentName)
		klpSec := f.NewSection(klpRelaName, elf.SHT_RELA, elf.SHF_ALLOC|obj.SHF_RELA_LIVEPATCH)
		klpSec.EntSize = 24
		klpSec.Link = uint32(f.SymtabSection().Index())
		klpSec.Info = uint32(g.sec.Info)
		for _, r := range g.removed {
			f.AppendRelocation(klpSec, r)
		}
	}

	return nil
}
