// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package diffengine

import (
	"github.com/kpatch-tools/klpdiff/internal/resolve"
	"github.com/kpatch-tools/klpdiff/internal/toolerr"
	"github.com/kpatch-tools/klpdiff/obj"
)

// jumpEntry is one __jump_table row (spec §4.4.1): a static_key
// placeholder at codeOff bytes into function fn, along with the
// function-local offset the kernel rewrites it to branch to once the
// key is enabled.
type jumpEntry struct {
	fn        *obj.Symbol
	codeOff   uint64
	targetOff uint64
}

// collectJumpEntries reads every __jump_table row in f whose code
// relocation resolves into a named function, grouping rows of 3
// relocations (code, target, key) per spec §4.4.1/§4.6.
func collectJumpEntries(f *obj.File, idx *resolve.Index) ([]jumpEntry, error) {
	jt, ok := f.SectionByName("__jump_table")
	if !ok {
		return nil, nil
	}
	rela, ok := f.RelaSectionFor(jt.Index())
	if !ok {
		return nil, toolerr.New(toolerr.Malformed, "__jump_table has no relocation section")
	}
	relocs := f.Relocations(rela)
	if len(relocs)%3 != 0 {
		return nil, toolerr.New(toolerr.Malformed, "__jump_table relocation count %d is not a multiple of 3", len(relocs))
	}

	var out []jumpEntry
	for i := 0; i+2 < len(relocs); i += 3 {
		codeR, targetR := relocs[i], relocs[i+1]
		fn, codeOff := idx.ResolveWithOffset(jt, codeR)
		if fn == nil || !fn.IsFunction() {
			continue
		}
		_, targetOff := idx.ResolveWithOffset(jt, targetR)
		out = append(out, jumpEntry{fn: fn, codeOff: codeOff, targetOff: targetOff})
	}
	return out, nil
}

// normalizeStaticKeys rewrites, in place, every static-key nop
// placeholder inside buf (the byte range of fn within its section)
// into the jump encoding the kernel would patch it to at runtime, per
// spec §4.4.1.
func normalizeStaticKeys(buf []byte, fn *obj.Symbol, entries []jumpEntry) error {
	for _, e := range entries {
		if e.fn != fn {
			continue
		}
		o := e.codeOff
		if o >= uint64(len(buf)) {
			continue
		}
		switch {
		case hasPrefix(buf, o, 0x66, 0x90):
			disp := int8(int64(e.targetOff) - int64(o) - 2)
			buf[o], buf[o+1] = 0xeb, byte(disp)
		case hasPrefix(buf, o, 0x0f, 0x1f, 0x40, 0x00):
			disp := int16(int64(e.targetOff) - int64(o) - 3)
			buf[o] = 0xea
			buf[o+1] = byte(disp)
			buf[o+2] = byte(disp >> 8)
		case hasPrefix(buf, o, 0x0f, 0x1f, 0x44, 0x00, 0x00):
			disp := int32(int64(e.targetOff) - int64(o) - 5)
			buf[o] = 0xe9
			buf[o+1] = byte(disp)
			buf[o+2] = byte(disp >> 8)
			buf[o+3] = byte(disp >> 16)
			buf[o+4] = byte(disp >> 24)
		case buf[o] == 0xeb || buf[o] == 0xea || buf[o] == 0xe9:
			// Already normalized (idempotence, spec §8).
		default:
			return toolerr.New(toolerr.Unrecognized, "static-key placeholder at offset 0x%x of %s does not match any known nop shape", o, fn.Name)
		}
	}
	return nil
}

func hasPrefix(buf []byte, off uint64, want ...byte) bool {
	if off+uint64(len(want)) > uint64(len(buf)) {
		return false
	}
	for i, b := range want {
		if buf[off+uint64(i)] != b {
			return false
		}
	}
	return true
}
