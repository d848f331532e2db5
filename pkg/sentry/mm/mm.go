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

// Package mm provides a per-process address space: a set of virtual memory
// areas (VMAs), the page tables that back them, and demand paging.
//
// VMAs are indexed twice: a B-tree keyed by start address answers point and
// overlap queries, and a list sorted by start address serves in-order walks.
// Both are updated together under MemoryManager.mu.
//
// Anonymous and file-backed mappings are both populated lazily. A page is
// allocated from the buddy allocator on first touch and mapped with the
// VMA's permissions. Fork shares frames copy-on-write.
//
// Lock order:
//
//	MemoryManager.mu
//	  pagetables.PageTables.mu
//	    slab.Cache.mu
//	      pgalloc zone locks
package mm

import (
	"fmt"
	"sync/atomic"

	"github.com/google/btree"
	"kos.dev/kos/pkg/errors/kerr"
	"kos.dev/kos/pkg/hostarch"
	"kos.dev/kos/pkg/log"
	"kos.dev/kos/pkg/sentry/page"
	"kos.dev/kos/pkg/sentry/pagetables"
	"kos.dev/kos/pkg/sentry/pgalloc"
	"kos.dev/kos/pkg/sentry/slab"
	"kos.dev/kos/pkg/sync/locking"
)

var mmClass = locking.NewMutexClass("mm", locking.RankVMA)

// seq orders address spaces for lock nesting: a fork holds the parent's lock
// while it may take the child's.
var seq atomic.Int64

// btreeDegree is the degree of the VMA index.
const btreeDegree = 8

// Layout describes where things go in a new address space.
type Layout struct {
	// MinAddr is the lowest address that may be mapped.
	MinAddr hostarch.Addr

	// MmapBase is where non-fixed mappings without a hint are placed.
	MmapBase hostarch.Addr

	// StackTop is the end of the stack VMA.
	StackTop hostarch.Addr

	// MaxStack is the size of the region below StackTop that is kept free
	// for the stack.
	MaxStack uint64
}

// DefaultLayout is the layout used when none is given.
var DefaultLayout = Layout{
	MinAddr:  0x10000,
	MmapBase: 0x40000000,
	StackTop: 0x7ffffffff000,
	MaxStack: 8 << 20,
}

func (l Layout) validate() error {
	switch {
	case !l.MinAddr.IsPageAligned() || !l.MmapBase.IsPageAligned() || !l.StackTop.IsPageAligned():
		return fmt.Errorf("layout %+v: addresses must be page aligned: %w", l, kerr.EINVAL)
	case l.StackTop > hostarch.UserTop || l.MinAddr >= l.MmapBase:
		return fmt.Errorf("layout %+v: out of order: %w", l, kerr.EINVAL)
	case l.MaxStack%hostarch.PageSize != 0 || uint64(l.StackTop-l.MmapBase) <= l.MaxStack:
		return fmt.Errorf("layout %+v: bad stack size: %w", l, kerr.EINVAL)
	}
	return nil
}

// stackLimit is the end of the region available to mmap.
func (l Layout) stackLimit() hostarch.Addr {
	return l.StackTop - hostarch.Addr(l.MaxStack)
}

// Markers are the segment boundaries of a process image.
type Markers struct {
	StartCode  hostarch.Addr
	EndCode    hostarch.Addr
	StartData  hostarch.Addr
	EndData    hostarch.Addr
	StartBrk   hostarch.Addr
	Brk        hostarch.Addr
	StartStack hostarch.Addr
}

// MemoryManager is one process's address space.
type MemoryManager struct {
	pages  *pgalloc.Allocator
	db     *page.DB
	tables *slab.Cache
	layout Layout

	// users is the number of references on the address space. The last
	// DecUsers releases it.
	users atomic.Int32

	mu locking.Mutex

	// Fields below are protected by mu.
	pt       *pagetables.PageTables
	vmas     *btree.BTreeG[*vma]
	head     *vma
	tail     *vma
	totalVM  uint64
	markers  Markers
	released bool

	// faults and cowFaults count faults resolved by this address space.
	faults    uint64
	cowFaults uint64
}

// New returns an empty address space whose page tables come from tables.
func New(pages *pgalloc.Allocator, tables *slab.Cache, layout Layout) (*MemoryManager, error) {
	if err := layout.validate(); err != nil {
		return nil, err
	}
	pt, err := pagetables.New(pages.DB(), tables)
	if err != nil {
		return nil, err
	}
	mm := &MemoryManager{
		pages:  pages,
		db:     pages.DB(),
		tables: tables,
		layout: layout,
		pt:     pt,
		vmas:   btree.NewG(btreeDegree, vmaLess),
	}
	mm.users.Store(1)
	mm.mu.Init(mmClass, int(seq.Add(1)))
	return mm, nil
}

// Layout returns the layout mm was created with.
func (mm *MemoryManager) Layout() Layout {
	return mm.layout
}

// PageTables returns mm's page tables.
func (mm *MemoryManager) PageTables() *pagetables.PageTables {
	return mm.pt
}

// IncUsers takes a reference on mm. It returns false if mm has already been
// released.
func (mm *MemoryManager) IncUsers() bool {
	for {
		n := mm.users.Load()
		if n == 0 {
			return false
		}
		if mm.users.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// DecUsers drops a reference on mm, and releases it when the last one is
// gone.
func (mm *MemoryManager) DecUsers() {
	switch n := mm.users.Add(-1); {
	case n > 0:
		return
	case n < 0:
		panic(fmt.Sprintf("Invalid MemoryManager.users: %d", n))
	}
	mm.Release()
}

// Release unmaps everything and frees the page tables. Backing frames lose
// the reference mm held on them.
func (mm *MemoryManager) Release() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.released {
		return
	}
	if err := mm.pt.Release(mm.putPage); err != nil {
		log.Warningf("mm: releasing page tables: %v", err)
	}
	mm.vmas.Clear(false)
	mm.head, mm.tail = nil, nil
	mm.totalVM = 0
	mm.released = true
}

// putPage drops the address space's reference on a mapped frame.
func (mm *MemoryManager) putPage(va hostarch.Addr, e pagetables.Entry) {
	if err := mm.pages.Free(e.PFN(), 0); err != nil {
		log.Warningf("mm: freeing frame of %v: %v", va, err)
	}
}

// Preconditions: mm.mu is locked.
func (mm *MemoryManager) checkLive() error {
	if mm.released {
		return fmt.Errorf("address space released: %w", kerr.EFAULT)
	}
	return nil
}

// Markers returns the segment boundaries.
func (mm *MemoryManager) Markers() Markers {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.markers
}

// SetCodeData records the code and data segments of the loaded image.
func (mm *MemoryManager) SetCodeData(code, data hostarch.AddrRange) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.markers.StartCode, mm.markers.EndCode = code.Start, code.End
	mm.markers.StartData, mm.markers.EndData = data.Start, data.End
}

// TotalVM returns the number of pages covered by VMAs.
func (mm *MemoryManager) TotalVM() uint64 {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.totalVM
}

// Usage summarizes an address space.
type Usage struct {
	VMAs      int
	TotalVM   uint64
	Resident  uint64
	Tables    int
	Faults    uint64
	COWFaults uint64
}

// Usage returns a snapshot of mm's usage.
func (mm *MemoryManager) Usage() Usage {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	u := Usage{
		VMAs:      mm.vmas.Len(),
		TotalVM:   mm.totalVM,
		Faults:    mm.faults,
		COWFaults: mm.cowFaults,
	}
	if !mm.released {
		s := mm.pt.Stats()
		u.Resident = uint64(s.Leaves)
		u.Tables = s.Tables
	}
	return u
}

// CheckInvariants verifies that VMAs are page aligned, pairwise disjoint and
// sorted, that the index and the list agree, and that total_vm is the sum of
// the VMA lengths.
func (mm *MemoryManager) CheckInvariants() error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	var (
		n     int
		pages uint64
		prev  *vma
	)
	for v := mm.head; v != nil; v = v.next {
		switch {
		case !v.start.IsPageAligned() || !v.end.IsPageAligned():
			return fmt.Errorf("vma %v is not page aligned", v)
		case v.start >= v.end:
			return fmt.Errorf("vma %v is empty", v)
		case v.prev != prev:
			return fmt.Errorf("vma %v has prev %v, want %v", v, v.prev, prev)
		case prev != nil && prev.end > v.start:
			return fmt.Errorf("vma %v overlaps or precedes %v", v, prev)
		}
		n++
		pages += v.pages()
		prev = v
	}
	if prev != mm.tail {
		return fmt.Errorf("list ends at %v, tail is %v", prev, mm.tail)
	}
	if n != mm.vmas.Len() {
		return fmt.Errorf("list has %d vmas, index has %d", n, mm.vmas.Len())
	}
	var err error
	cur := mm.head
	mm.vmas.Ascend(func(v *vma) bool {
		if v != cur {
			err = fmt.Errorf("index has %v where list has %v", v, cur)
			return false
		}
		cur = cur.next
		return true
	})
	if err != nil {
		return err
	}
	if pages != mm.totalVM {
		return fmt.Errorf("total_vm is %d, vmas cover %d pages", mm.totalVM, pages)
	}
	if mm.markers.Brk < mm.markers.StartBrk {
		return fmt.Errorf("brk %v below start_brk %v", mm.markers.Brk, mm.markers.StartBrk)
	}
	return nil
}
