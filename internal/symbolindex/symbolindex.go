// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package symbolindex implements the "symbol-index" query: given a
// chosen address for a symbol name that appears more than once in an
// archive (the same static-named function compiled into several
// translation units), report which occurrence the address belongs to
// as a 1-based rank among the candidate addresses for that name.
//
// Archive-member and source-occurrence parsing are explicitly out of
// this module's scope: the spec excludes them "except for their
// interface". This package is that interface — callers already
// holding a parsed archive index and a candidate-address list plug
// them in here; no ar(1) or DWARF parsing lives in this module.
package symbolindex

import "bytes"

// FindOccurrence locates the offset of the occurrenceNumber'th (1-based)
// textual occurrence of "<sourceFile>.o/" inside index, a byte blob
// the caller has already sliced out of an archive's index member (the
// GNU ar "//" long-names member, or an equivalent symbol table). It
// also reports the total number of occurrences found.
//
// This is a byte-search convenience, not an archive-format parser:
// index must already be positioned at the start of the name table.
func FindOccurrence(index []byte, sourceFile string, occurrenceNumber int) (offset int, total int, err error) {
	needle := []byte(sourceFile + ".o/")
	pos := 0
	found := -1
	for {
		i := bytes.Index(index[pos:], needle)
		if i < 0 {
			break
		}
		total++
		if total == occurrenceNumber {
			found = pos + i
		}
		pos += i + len(needle)
	}
	if occurrenceNumber <= 0 || found < 0 {
		return 0, total, errNoSuchOccurrence{sourceFile, occurrenceNumber, total}
	}
	return found, total, nil
}

type errNoSuchOccurrence struct {
	sourceFile string
	want, have int
}

func (e errNoSuchOccurrence) Error() string {
	return "no occurrence " + itoa(e.want) + " of " + e.sourceFile + ".o in archive index (found " + itoa(e.have) + ")"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Rank returns 1 + the count of candidateAddresses strictly less than
// chosenAddress: the 1-based position chosenAddress occupies among all
// known addresses for the queried symbol name, in ascending order.
func Rank(candidateAddresses []uint64, chosenAddress uint64) int {
	rank := 1
	for _, addr := range candidateAddresses {
		if addr < chosenAddress {
			rank++
		}
	}
	return rank
}
