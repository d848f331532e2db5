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

// Package pagetables implements four-level page tables in simulated physical
// memory, with a model of the TLB that caches their translations.
//
// Tables are PageSize objects from a dedicated slab cache. Entries are 64-bit
// words stored in the frames themselves, so a table is a frame like any
// other. Only the lower canonical half of the address space may be mapped.
//
// Lock order:
//
//	PageTables.mu (by creation order)
//	  slab.Cache.mu
//	    pgalloc zone locks
package pagetables

import (
	"fmt"
	"sync/atomic"

	"kos.dev/kos/pkg/errors/kerr"
	"kos.dev/kos/pkg/hostarch"
	"kos.dev/kos/pkg/sentry/page"
	"kos.dev/kos/pkg/sentry/slab"
	"kos.dev/kos/pkg/sync/locking"
)

// TableCacheName is the name of the slab cache holding tables.
const TableCacheName = "pgtable"

var ptClass = locking.NewMutexClass("pagetables", locking.RankPageTable)

// seq orders PageTables for lock nesting: a copy locks the older tables
// first.
var seq atomic.Int64

// NewTableCache creates the slab cache that tables are allocated from.
func NewTableCache(slabs *slab.Allocator) (*slab.Cache, error) {
	return slabs.CreateCache(TableCacheName, hostarch.PageSize, hostarch.PageSize, nil)
}

// PageTables is one address space's page tables.
type PageTables struct {
	db    *page.DB
	cache *slab.Cache
	seq   int64

	mu locking.Mutex

	// Fields below are protected by mu.
	root   page.PFN
	tables int
	leaves int
	tlb    tlb
}

// New allocates a root table from cache.
func New(db *page.DB, cache *slab.Cache) (*PageTables, error) {
	pt := &PageTables{
		db:    db,
		cache: cache,
		seq:   seq.Add(1),
		root:  page.NoPFN,
	}
	pt.mu.Init(ptClass, int(pt.seq))
	pt.tlb.init()
	root, err := pt.allocTable()
	if err != nil {
		return nil, fmt.Errorf("allocating pgd: %w", err)
	}
	pt.root = root
	return pt, nil
}

// Seq returns the creation sequence number, which orders nested locking.
func (pt *PageTables) Seq() int64 {
	return pt.seq
}

func (pt *PageTables) allocTable() (page.PFN, error) {
	addr, err := pt.cache.Alloc(true)
	if err != nil {
		return page.NoPFN, err
	}
	pfn, _ := page.FromAddr(addr)
	pt.tables++
	return pfn, nil
}

func (pt *PageTables) freeTable(pfn page.PFN) {
	if err := pt.cache.Free(pfn.Addr()); err != nil {
		panic(fmt.Sprintf("freeing page table %v: %v", pfn, err))
	}
	pt.tables--
}

// checkRange validates a page-aligned user range.
func checkRange(start, end hostarch.Addr) error {
	if !start.IsPageAligned() || !end.IsPageAligned() || end < start {
		return fmt.Errorf("range [%v, %v): %w", start, end, kerr.EINVAL)
	}
	if end > hostarch.UserTop {
		return fmt.Errorf("range [%v, %v) outside user space: %w", start, end, kerr.EFAULT)
	}
	return nil
}

func (pt *PageTables) checkLive() error {
	if pt.root == page.NoPFN {
		return fmt.Errorf("page tables released: %w", kerr.EINVAL)
	}
	return nil
}

// Map maps the page at va to frame pfn. An existing mapping is replaced.
func (pt *PageTables) Map(va hostarch.Addr, pfn page.PFN, opts MapOpts) error {
	if err := checkRange(va, va+hostarch.PageSize); err != nil {
		return err
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if err := pt.checkLive(); err != nil {
		return err
	}
	return pt.mapLocked(va, MakeEntry(pfn, opts))
}

// Preconditions: pt.mu is locked.
func (pt *PageTables) mapLocked(va hostarch.Addr, e Entry) error {
	v := mapVisitor{entry: e}
	if _, err := pt.walkLocked(pt.root, PGD, va, va+hostarch.PageSize, &v); err != nil {
		return fmt.Errorf("map %v: %w", va, err)
	}
	if v.old.Valid() {
		pt.tlb.invalidate(va)
	} else {
		pt.leaves++
	}
	return nil
}

// Unmap removes the mapping at va and returns the entry that was there.
func (pt *PageTables) Unmap(va hostarch.Addr) (Entry, bool) {
	var old Entry
	n, _ := pt.unmap(va, va+hostarch.PageSize, func(_ hostarch.Addr, e Entry) { old = e })
	return old, n == 1
}

// UnmapRange removes every mapping in [start, end) and returns the number
// removed.
func (pt *PageTables) UnmapRange(start, end hostarch.Addr) (int, error) {
	return pt.unmap(start, end, nil)
}

// FreeRange removes every mapping in [start, end), calling fn (if not nil)
// for each removed entry, and frees tables left empty.
func (pt *PageTables) FreeRange(start, end hostarch.Addr, fn func(va hostarch.Addr, e Entry)) (int, error) {
	return pt.unmap(start, end, fn)
}

func (pt *PageTables) unmap(start, end hostarch.Addr, fn func(hostarch.Addr, Entry)) (int, error) {
	if err := checkRange(start, end); err != nil {
		return 0, err
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if err := pt.checkLive(); err != nil {
		return 0, err
	}
	return pt.unmapLocked(start, end, fn), nil
}

// Preconditions: pt.mu is locked.
func (pt *PageTables) unmapLocked(start, end hostarch.Addr, fn func(hostarch.Addr, Entry)) int {
	v := unmapVisitor{fn: fn}
	pt.walkLocked(pt.root, PGD, start, end, &v)
	pt.leaves -= v.count
	if v.count == 0 {
		return 0
	}
	if end-start == hostarch.PageSize {
		pt.tlb.invalidate(start)
	} else {
		pt.tlb.invalidateRange(start, end)
	}
	return v.count
}

// Lookup returns the leaf entry for va, consulting the TLB first.
func (pt *PageTables) Lookup(va hostarch.Addr) (Entry, bool) {
	if !va.IsUser() {
		return 0, false
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.root == page.NoPFN {
		return 0, false
	}
	if e, ok := pt.tlb.lookup(va); ok {
		return e, true
	}
	e, ok := pt.lookupLocked(va)
	if ok {
		pt.tlb.fill(va, e)
	}
	return e, ok
}

// Translate returns the physical address va maps to.
func (pt *PageTables) Translate(va hostarch.Addr) (uint64, error) {
	if !va.IsUser() {
		return 0, fmt.Errorf("translate %v: %w", va, kerr.EFAULT)
	}
	e, ok := pt.Lookup(va)
	if !ok {
		return 0, fmt.Errorf("translate %v: not mapped: %w", va, kerr.EFAULT)
	}
	return e.PFN().Phys() + va.PageOffset(), nil
}

// MarkAccessed sets the accessed bit, and the dirty bit for writes, on the
// leaf for va. Hardware would do this on access.
func (pt *PageTables) MarkAccessed(va hostarch.Addr, write bool) bool {
	va = va.RoundDown()
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.root == page.NoPFN || !va.IsUser() {
		return false
	}
	e, ok := pt.lookupLocked(va)
	if !ok {
		return false
	}
	ne := e | accessed
	if write {
		ne |= dirty
	}
	if ne != e {
		v := mapVisitor{entry: ne}
		pt.walkLocked(pt.root, PGD, va, va+hostarch.PageSize, &v)
		pt.tlb.update(va, ne)
	}
	return true
}

// Protect changes the permissions of the mappings in [start, end). Write
// permission can be removed but not granted: a page that should become
// writable regains write access through a write fault. The TLB is
// invalidated if any mapping lost permissions.
func (pt *PageTables) Protect(start, end hostarch.Addr, opts MapOpts) (int, error) {
	if err := checkRange(start, end); err != nil {
		return 0, err
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if err := pt.checkLive(); err != nil {
		return 0, err
	}
	v := protectVisitor{opts: opts}
	pt.walkLocked(pt.root, PGD, start, end, &v)
	if v.reduced > 0 {
		pt.tlb.invalidateRange(start, end)
	}
	return v.count, nil
}

// SetWritable grants write access to the present mapping at va. Granting
// permissions needs no invalidation.
func (pt *PageTables) SetWritable(va hostarch.Addr) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if err := pt.checkLive(); err != nil {
		return err
	}
	e, ok := pt.lookupLocked(va)
	if !ok {
		return fmt.Errorf("set writable %v: not mapped: %w", va, kerr.EFAULT)
	}
	v := mapVisitor{entry: e | writable}
	pt.walkLocked(pt.root, PGD, va, va+hostarch.PageSize, &v)
	pt.tlb.update(va, e|writable)
	return nil
}

// Walk calls fn for each present entry, at every level, that maps part of
// [start, end). Returning false stops the walk.
func (pt *PageTables) Walk(start, end hostarch.Addr, fn func(level Level, va hostarch.Addr, e Entry) bool) error {
	if err := checkRange(start, end); err != nil {
		return err
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if err := pt.checkLive(); err != nil {
		return err
	}
	pt.walkLocked(pt.root, PGD, start, end, funcVisitor{fn})
	return nil
}

// CopyRange copies the mappings in [start, end) into dst for fork. Writable
// mappings become read-only in both tables, so the first write to either
// copy faults and breaks the sharing. fn, if not nil, is called for every
// copied entry so the caller can take a reference on the frame.
//
// dst must have been created after pt.
func (pt *PageTables) CopyRange(dst *PageTables, start, end hostarch.Addr, fn func(va hostarch.Addr, e Entry)) (int, error) {
	if err := checkRange(start, end); err != nil {
		return 0, err
	}
	if dst.seq <= pt.seq {
		return 0, fmt.Errorf("copy into older page tables: %w", kerr.EINVAL)
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()
	if err := pt.checkLive(); err != nil {
		return 0, err
	}
	if err := dst.checkLive(); err != nil {
		return 0, err
	}

	v := copyVisitor{dst: dst, fn: fn}
	_, err := pt.walkLocked(pt.root, PGD, start, end, &v)
	if err == nil {
		err = v.err
	}
	if v.downgraded > 0 {
		pt.tlb.invalidateRange(start, end)
	}
	return v.copied, err
}

type copyVisitor struct {
	dst        *PageTables
	fn         func(hostarch.Addr, Entry)
	copied     int
	downgraded int
	err        error
}

// visit downgrades the source entry and installs it in dst.
// Preconditions: both tables are locked.
func (v *copyVisitor) visit(va hostarch.Addr, e Entry) (Entry, bool) {
	ne := e
	if e.Writable() {
		ne = e &^ writable
		v.downgraded++
	}
	if err := v.dst.mapLocked(va, ne); err != nil {
		v.err = err
		return e, false
	}
	v.copied++
	if v.fn != nil {
		v.fn(va, ne)
	}
	return ne, true
}

func (*copyVisitor) requiresAlloc() bool { return false }
func (*copyVisitor) mayClear() bool      { return false }

// Release unmaps everything, calling fn for each removed entry, and frees
// every table including the root. The PageTables cannot be used afterwards.
func (pt *PageTables) Release(fn func(va hostarch.Addr, e Entry)) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if err := pt.checkLive(); err != nil {
		return err
	}
	pt.unmapLocked(0, hostarch.UserTop, fn)
	pt.freeTable(pt.root)
	pt.root = page.NoPFN
	pt.tlb.flush()
	return nil
}

// Stats is a snapshot of a PageTables.
type Stats struct {
	Tables int
	Leaves int
	TLB    TLBStats
}

// Stats returns a snapshot of pt.
func (pt *PageTables) Stats() Stats {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	s := Stats{Tables: pt.tables, Leaves: pt.leaves, TLB: pt.tlb.stats}
	s.TLB.Entries = len(pt.tlb.entries)
	return s
}

// FlushTLB flushes every cached translation.
func (pt *PageTables) FlushTLB() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.tlb.flush()
}
