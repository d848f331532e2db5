// Copyright 2026 The KOS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pagetables

import (
	"fmt"
	"strings"

	"kos.dev/kos/pkg/hostarch"
	"kos.dev/kos/pkg/sentry/page"
)

// Bits in page table entries.
const (
	present  = 1 << 0
	writable = 1 << 1
	user     = 1 << 2
	accessed = 1 << 5
	dirty    = 1 << 6
	global   = 1 << 8
	noExec   = 1 << 63

	pfnMask = 0x000ffffffffff000
)

// Address space layout.
const (
	pteShift = hostarch.PageShift
	pmdShift = pteShift + 9
	pudShift = pmdShift + 9
	pgdShift = pudShift + 9

	entriesPerPage = 512
	entrySize      = 8
)

// RangeFlushThreshold is the largest range, in pages, that is invalidated
// page by page. Larger ranges flush the whole TLB.
const RangeFlushThreshold = 16

// Level is a page table level. The leaf level is zero.
type Level int

// Levels, leaf first.
const (
	PTE Level = iota
	PMD
	PUD
	PGD
)

func (l Level) shift() uint {
	return pteShift + 9*uint(l)
}

// size returns the span of one entry at this level.
func (l Level) size() hostarch.Addr {
	return hostarch.Addr(1) << l.shift()
}

func (l Level) index(va hostarch.Addr) uint64 {
	return (uint64(va) >> l.shift()) & (entriesPerPage - 1)
}

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case PTE:
		return "pte"
	case PMD:
		return "pmd"
	case PUD:
		return "pud"
	case PGD:
		return "pgd"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// MapOpts are the options for a leaf mapping.
type MapOpts struct {
	// AccessType is the permitted access. Read is implied by any access.
	AccessType hostarch.AccessType

	// User marks the mapping as accessible from user mode.
	User bool

	// Global survives address space switches.
	Global bool
}

// Entry is a page table entry: a frame number and flag bits. A clear entry
// is zero.
type Entry uint64

// MakeEntry returns a present entry for pfn with opts.
func MakeEntry(pfn page.PFN, opts MapOpts) Entry {
	e := Entry(pfn.Phys()&pfnMask) | present
	if opts.AccessType.Write {
		e |= writable
	}
	if !opts.AccessType.Execute {
		e |= noExec
	}
	if opts.User {
		e |= user
	}
	if opts.Global {
		e |= global
	}
	return e
}

// tableEntry returns an intermediate entry pointing at the table in pfn.
func tableEntry(pfn page.PFN) Entry {
	return Entry(pfn.Phys()&pfnMask) | present | writable | user
}

// Valid returns true if the entry is present.
func (e Entry) Valid() bool {
	return e&present != 0
}

// PFN returns the frame the entry points at.
func (e Entry) PFN() page.PFN {
	return page.FromPhys(uint64(e) & pfnMask)
}

// Writable returns true if writes are allowed.
func (e Entry) Writable() bool {
	return e&writable != 0
}

// User returns true if user mode may access the page.
func (e Entry) User() bool {
	return e&user != 0
}

// Accessed returns the accessed bit.
func (e Entry) Accessed() bool {
	return e&accessed != 0
}

// Dirty returns the dirty bit.
func (e Entry) Dirty() bool {
	return e&dirty != 0
}

// Global returns the global bit.
func (e Entry) Global() bool {
	return e&global != 0
}

// Opts returns the mapping options of a present entry.
func (e Entry) Opts() MapOpts {
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    true,
			Write:   e&writable != 0,
			Execute: e&noExec == 0,
		},
		User:   e&user != 0,
		Global: e&global != 0,
	}
}

// withOpts returns e with its permission bits replaced by opts.
func (e Entry) withOpts(opts MapOpts) Entry {
	return MakeEntry(e.PFN(), opts) | e&(accessed|dirty)
}

// String implements fmt.Stringer.
func (e Entry) String() string {
	if !e.Valid() {
		return "<none>"
	}
	var flags []string
	for _, f := range []struct {
		bit  Entry
		name string
	}{
		{writable, "W"},
		{user, "U"},
		{accessed, "A"},
		{dirty, "D"},
		{global, "G"},
		{noExec, "NX"},
	} {
		if e&f.bit != 0 {
			flags = append(flags, f.name)
		}
	}
	return fmt.Sprintf("%v[P%s]", e.PFN(), strings.Join(append([]string{""}, flags...), "|"))
}
