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

package page

import (
	"encoding/binary"
	"fmt"

	"kos.dev/kos/pkg/hostarch"
)

// DB is the page frame database.
type DB struct {
	frames []Frame

	// mem is the simulated physical memory, len(frames) pages long.
	mem []byte
}

// NewDB returns a database of n frames, all Reserved, backed by n pages of
// zeroed memory.
func NewDB(n uint64) *DB {
	db := &DB{
		frames: make([]Frame, n),
		mem:    make([]byte, n<<hostarch.PageShift),
	}
	for i := range db.frames {
		db.frames[i] = Frame{
			State: Reserved,
			Flags: FlagReserved,
			Order: NoOrder,
			prev:  NoPFN,
			next:  NoPFN,
		}
	}
	return db
}

// Len returns the number of frames.
func (db *DB) Len() uint64 {
	return uint64(len(db.frames))
}

// Valid returns true if pfn names a frame in the database.
func (db *DB) Valid(pfn PFN) bool {
	return uint64(pfn) < uint64(len(db.frames))
}

// Frame returns the record for pfn. It panics if pfn is out of range.
func (db *DB) Frame(pfn PFN) *Frame {
	return &db.frames[pfn]
}

// Lookup returns the record for pfn, or nil if it is out of range.
func (db *DB) Lookup(pfn PFN) *Frame {
	if !db.Valid(pfn) {
		return nil
	}
	return &db.frames[pfn]
}

// Bytes returns the memory of npages frames starting at pfn.
func (db *DB) Bytes(pfn PFN, npages uint64) []byte {
	start := pfn.Phys()
	return db.mem[start : start+npages<<hostarch.PageShift]
}

// PhysBytes returns n bytes of memory starting at physical address pa, or
// false if the range is not entirely backed.
func (db *DB) PhysBytes(pa, n uint64) ([]byte, bool) {
	end := pa + n
	if end < pa || end > uint64(len(db.mem)) {
		return nil, false
	}
	return db.mem[pa:end], true
}

// AddrBytes is PhysBytes for a direct-map address.
func (db *DB) AddrBytes(a hostarch.Addr, n uint64) ([]byte, bool) {
	pa, ok := hostarch.VirtToPhys(a)
	if !ok {
		return nil, false
	}
	return db.PhysBytes(pa, n)
}

// Zero clears npages frames starting at pfn.
func (db *DB) Zero(pfn PFN, npages uint64) {
	clear(db.Bytes(pfn, npages))
}

// CopyFrame copies the contents of frame src into frame dst.
func (db *DB) CopyFrame(dst, src PFN) {
	copy(db.Bytes(dst, 1), db.Bytes(src, 1))
}

// ReadWord reads the little-endian word at physical address pa, which must be
// 8-byte aligned.
func (db *DB) ReadWord(pa uint64) uint64 {
	return binary.LittleEndian.Uint64(db.mem[pa : pa+8])
}

// WriteWord writes the little-endian word v at physical address pa.
func (db *DB) WriteWord(pa, v uint64) {
	binary.LittleEndian.PutUint64(db.mem[pa:pa+8], v)
}

// SetBlock records a block of 1<<order frames headed by pfn: the head gets
// state, order and refs, the tails become Reserved with NoOrder.
func (db *DB) SetBlock(pfn PFN, order int, state State, refs int32) {
	head := &db.frames[pfn]
	head.State = state
	head.Order = int8(order)
	head.Refs = refs
	for i := PFN(1); i < PFN(1)<<order; i++ {
		tail := &db.frames[pfn+i]
		tail.State = Reserved
		tail.Order = NoOrder
		tail.Refs = 0
		tail.Owner = nil
	}
}

// String implements fmt.Stringer.
func (db *DB) String() string {
	return fmt.Sprintf("page.DB{frames: %d, bytes: %d}", len(db.frames), len(db.mem))
}
