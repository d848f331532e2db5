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
	"kos.dev/kos/pkg/hostarch"
	"kos.dev/kos/pkg/sentry/page"
)

// visitor is called by the walker for leaf entries.
type visitor interface {
	// visit is called for each leaf in the range that is present, or for
	// every leaf if requiresAlloc is true. It returns the entry to store and
	// whether to continue the walk.
	visit(va hostarch.Addr, e Entry) (Entry, bool)

	// requiresAlloc returns true if missing tables should be allocated.
	requiresAlloc() bool

	// mayClear returns true if the visitor can clear entries, in which case
	// tables left empty by the walk are freed.
	mayClear() bool
}

// tableVisitor is implemented by visitors that also want to see present
// intermediate entries.
type tableVisitor interface {
	visitTable(level Level, va hostarch.Addr, e Entry) bool
}

// addrEnd returns the next boundary of an entry of the given size after
// addr, or end if that comes earlier.
func addrEnd(addr, end, size hostarch.Addr) hostarch.Addr {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// entryAddr returns the physical address of entry idx of the table in pfn.
func entryAddr(table page.PFN, idx uint64) uint64 {
	return table.Phys() + idx*entrySize
}

func (pt *PageTables) load(table page.PFN, idx uint64) Entry {
	return Entry(pt.db.ReadWord(entryAddr(table, idx)))
}

func (pt *PageTables) store(table page.PFN, idx uint64, e Entry) {
	pt.db.WriteWord(entryAddr(table, idx), uint64(e))
}

// tableEmpty returns true if no entry of the table in pfn is present.
func (pt *PageTables) tableEmpty(table page.PFN) bool {
	for i := uint64(0); i < entriesPerPage; i++ {
		if pt.load(table, i).Valid() {
			return false
		}
	}
	return true
}

// walkLocked visits [start, end) of the table in pfn at the given level.
// Preconditions: pt.mu is locked.
func (pt *PageTables) walkLocked(table page.PFN, level Level, start, end hostarch.Addr, v visitor) (bool, error) {
	tv, _ := v.(tableVisitor)
	for start < end {
		next := addrEnd(start, end, level.size())
		idx := level.index(start)
		e := pt.load(table, idx)

		if level == PTE {
			if e.Valid() || v.requiresAlloc() {
				ne, ok := v.visit(start&^(hostarch.PageSize-1), e)
				if ne != e {
					pt.store(table, idx, ne)
				}
				if !ok {
					return false, nil
				}
			}
			start = next
			continue
		}

		if !e.Valid() {
			if !v.requiresAlloc() {
				start = next
				continue
			}
			child, err := pt.allocTable()
			if err != nil {
				return false, err
			}
			e = tableEntry(child)
			pt.store(table, idx, e)
		}
		if tv != nil && !tv.visitTable(level, start&^(level.size()-1), e) {
			return false, nil
		}

		child := e.PFN()
		ok, err := pt.walkLocked(child, level-1, start, next, v)
		if v.mayClear() && pt.tableEmpty(child) {
			pt.store(table, idx, 0)
			pt.freeTable(child)
		}
		if !ok || err != nil {
			return ok, err
		}
		start = next
	}
	return true, nil
}

// lookupLocked walks to the leaf for va without allocating.
// Preconditions: pt.mu is locked.
func (pt *PageTables) lookupLocked(va hostarch.Addr) (Entry, bool) {
	table := pt.root
	for level := PGD; ; level-- {
		e := pt.load(table, level.index(va))
		if !e.Valid() {
			return 0, false
		}
		if level == PTE {
			return e, true
		}
		table = e.PFN()
	}
}

type mapVisitor struct {
	entry Entry
	old   Entry
}

func (v *mapVisitor) visit(_ hostarch.Addr, e Entry) (Entry, bool) {
	v.old = e
	return v.entry, true
}

func (*mapVisitor) requiresAlloc() bool { return true }
func (*mapVisitor) mayClear() bool      { return false }

type unmapVisitor struct {
	fn    func(va hostarch.Addr, e Entry)
	count int
}

func (v *unmapVisitor) visit(va hostarch.Addr, e Entry) (Entry, bool) {
	v.count++
	if v.fn != nil {
		v.fn(va, e)
	}
	return 0, true
}

func (*unmapVisitor) requiresAlloc() bool { return false }
func (*unmapVisitor) mayClear() bool      { return true }

// protectVisitor applies new permissions. Write permission is only ever
// taken away: a page regains it through a write fault.
type protectVisitor struct {
	opts    MapOpts
	reduced int
	count   int
}

func (v *protectVisitor) visit(_ hostarch.Addr, e Entry) (Entry, bool) {
	opts := v.opts
	opts.AccessType.Write = opts.AccessType.Write && e.Writable()
	ne := e.withOpts(opts)
	if !opts.AccessType.SupersetOf(e.Opts().AccessType) || (e.User() && !opts.User) {
		v.reduced++
	}
	v.count++
	return ne, true
}

func (*protectVisitor) requiresAlloc() bool { return false }
func (*protectVisitor) mayClear() bool      { return false }

type funcVisitor struct {
	fn func(level Level, va hostarch.Addr, e Entry) bool
}

func (v funcVisitor) visit(va hostarch.Addr, e Entry) (Entry, bool) {
	return e, v.fn(PTE, va, e)
}

func (v funcVisitor) visitTable(level Level, va hostarch.Addr, e Entry) bool {
	return v.fn(level, va, e)
}

func (funcVisitor) requiresAlloc() bool { return false }
func (funcVisitor) mayClear() bool      { return false }
