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

// Package page implements the page frame database: one record per simulated
// physical page frame, plus the simulated physical memory those frames
// describe.
//
// A frame's State says which subsystem owns it. Every transition is a single
// State rewrite performed by the owner's allocator under the owner's lock; the
// database itself is not synchronized.
package page

import (
	"fmt"

	"kos.dev/kos/pkg/hostarch"
)

// PFN is a page frame number: a physical address divided by the page size.
type PFN uint64

// NoPFN terminates frame lists.
const NoPFN = ^PFN(0)

// Phys returns the physical address of the first byte of the frame.
func (p PFN) Phys() uint64 {
	return uint64(p) << hostarch.PageShift
}

// Addr returns the frame's kernel virtual address in the direct map.
func (p PFN) Addr() hostarch.Addr {
	return hostarch.PhysToVirt(p.Phys())
}

// String implements fmt.Stringer.
func (p PFN) String() string {
	if p == NoPFN {
		return "pfn(none)"
	}
	return fmt.Sprintf("pfn(%#x)", uint64(p))
}

// FromPhys returns the frame containing physical address pa.
func FromPhys(pa uint64) PFN {
	return PFN(pa >> hostarch.PageShift)
}

// FromAddr returns the frame containing direct-map address a.
func FromAddr(a hostarch.Addr) (PFN, bool) {
	pa, ok := hostarch.VirtToPhys(a)
	if !ok {
		return NoPFN, false
	}
	return FromPhys(pa), true
}

// State is the owner of a frame.
type State uint8

const (
	// Reserved frames were never handed to the allocator, or are tail
	// frames of a block whose head carries the real state.
	Reserved State = iota

	// Free frames head a block on a buddy free list.
	Free

	// Allocated frames head a block handed out by the buddy allocator
	// without a more specific owner.
	Allocated

	// Slab frames back a slab; Owner points to it.
	Slab

	// Mapped frames are mapped into a user address space.
	Mapped

	// PageTable frames hold page-table entries.
	PageTable
)

func (s State) String() string {
	switch s {
	case Reserved:
		return "reserved"
	case Free:
		return "free"
	case Allocated:
		return "allocated"
	case Slab:
		return "slab"
	case Mapped:
		return "mapped"
	case PageTable:
		return "pagetable"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Zone is a memory zone.
type Zone uint8

// Zones, lowest first.
const (
	ZoneDMA Zone = iota
	ZoneNormal
	ZoneHighMem

	NumZones = 3
)

func (z Zone) String() string {
	switch z {
	case ZoneDMA:
		return "DMA"
	case ZoneNormal:
		return "Normal"
	case ZoneHighMem:
		return "HighMem"
	default:
		return fmt.Sprintf("Zone(%d)", z)
	}
}

// Flags are per-frame flag bits.
type Flags uint32

const (
	// FlagReserved is set while the frame is not in use: it is on a free
	// list or was never registered.
	FlagReserved Flags = 1 << iota

	// FlagSlab marks slab-backing frames.
	FlagSlab

	// FlagLRU marks frames on a zone LRU list.
	FlagLRU

	// FlagActive marks frames on the active rather than inactive LRU list.
	FlagActive

	// FlagDirty marks frames written through a user mapping.
	FlagDirty
)

// NoOrder is the order of tail frames and frames outside any block.
const NoOrder = -1

// Frame is the record for one physical page frame.
type Frame struct {
	State State
	Flags Flags
	Zone  Zone

	// Order is the block order for a block head, NoOrder otherwise.
	Order int8

	// Refs is the reference count. Zero for free frames.
	Refs int32

	// Owner is the owning object for Slab and PageTable frames.
	Owner any

	// List links. Valid only while list != nil.
	prev, next PFN
	list       *List
}

// Has returns true if all of f are set.
func (fr *Frame) Has(f Flags) bool {
	return fr.Flags&f == f
}

// Set sets f.
func (fr *Frame) Set(f Flags) {
	fr.Flags |= f
}

// Clear clears f.
func (fr *Frame) Clear(f Flags) {
	fr.Flags &^= f
}

// OnList returns the list the frame is linked on, or nil.
func (fr *Frame) OnList() *List {
	return fr.list
}
