// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package obj

import "bytes"

// AppendString appends s, NUL-terminated, to the payload of string
// table section tab and returns the offset of the newly appended
// string: tab's size before the append. String-table append never
// deduplicates, so calling this twice with the same s appends it
// twice; each call's returned offset is still valid (spec §8).
func (f *File) AppendString(tab *Section, s string) uint32 {
	off := uint32(len(tab.Data))
	tab.Data = append(tab.Data, s...)
	tab.Data = append(tab.Data, 0)
	return off
}

// String returns the NUL-terminated string at offset off in string
// table section tab.
func (f *File) String(tab *Section, off uint32) string {
	return cstringAt(tab.Data, off)
}

func cstringAt(b []byte, off uint32) string {
	if int(off) >= len(b) {
		return ""
	}
	b = b[off:]
	if n := bytes.IndexByte(b, 0); n >= 0 {
		b = b[:n]
	}
	return string(b)
}
