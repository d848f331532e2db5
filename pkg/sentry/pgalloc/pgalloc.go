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

// Package pgalloc contains the buddy page allocator.
//
// Physical memory registered with AddMemory is split into zones. Each zone
// keeps one free list per order; a block of order k is 1<<k naturally aligned
// frames. Allocation splits the smallest sufficient free block, keeping the
// lower half and returning the upper half to the free lists. Free coalesces a
// block with its buddy (pfn XOR 1<<k) for as long as the buddy is a free block
// of the same order in the same zone.
//
// Lock order:
//
//	zone.mu
package pgalloc

import (
	"fmt"

	"kos.dev/kos/pkg/bitmap"
	"kos.dev/kos/pkg/errors/kerr"
	"kos.dev/kos/pkg/log"
	"kos.dev/kos/pkg/metric"
	"kos.dev/kos/pkg/sentry/page"
)

const (
	// MaxOrder is the largest block order: 1<<10 pages, 4 MiB.
	MaxOrder = 10

	// NumOrders is the number of free lists per zone.
	NumOrders = MaxOrder + 1
)

var (
	allocsMetric   = metric.MustCreateNewUint64Metric("/buddy/allocs", "Number of successful buddy allocations.", metric.NewField("zone", "DMA", "Normal", "HighMem"))
	freesMetric    = metric.MustCreateNewUint64Metric("/buddy/frees", "Number of buddy blocks returned to the free lists.", metric.NewField("zone", "DMA", "Normal", "HighMem"))
	failuresMetric = metric.MustCreateNewUint64Metric("/buddy/alloc_failures", "Number of buddy allocations that found no free block.")
)

// Allocator is the buddy page allocator.
type Allocator struct {
	db     *page.DB
	layout ZoneLayout
	zones  [page.NumZones]*zone

	// managed marks frames registered with AddMemory. It is only written
	// by AddMemory, which callers serialize with all other use.
	managed bitmap.Bitmap

	// debug makes logic errors panic instead of returning errors.
	debug bool
}

// New returns an allocator managing frames of db. No memory is free until
// AddMemory is called.
func New(db *page.DB, layout ZoneLayout) *Allocator {
	a := &Allocator{
		db:      db,
		layout:  layout,
		managed: bitmap.New(uint32(db.Len())),
	}
	for i := range a.zones {
		a.zones[i] = newZone(page.Zone(i))
	}
	return a
}

// SetDebug makes logic errors (bad frees, corruption) panic.
func (a *Allocator) SetDebug(debug bool) {
	a.debug = debug
}

// DB returns the frame database.
func (a *Allocator) DB() *page.DB {
	return a.db
}

// Layout returns the zone layout.
func (a *Allocator) Layout() ZoneLayout {
	return a.layout
}

// AddMemory registers frames [start, end) and frees them into their zones in
// the largest naturally aligned blocks. It must not race with other calls.
func (a *Allocator) AddMemory(start, end page.PFN) error {
	if start >= end || uint64(end) > a.db.Len() {
		return fmt.Errorf("AddMemory(%v, %v) with %d frames: %w", start, end, a.db.Len(), kerr.EINVAL)
	}
	for pfn := start; pfn < end; pfn++ {
		if a.managed.Contains(uint32(pfn)) {
			return fmt.Errorf("AddMemory: %v already registered: %w", pfn, kerr.EEXIST)
		}
	}

	for pfn := start; pfn < end; {
		z := a.zones[a.layout.ZoneOf(pfn)]
		limit := min(end, a.layout.zoneEnd(pfn))
		order := MaxOrder
		for order > 0 && (uint64(pfn)&(1<<order-1) != 0 || pfn+page.PFN(1)<<order > limit) {
			order--
		}
		n := page.PFN(1) << order
		for p := pfn; p < pfn+n; p++ {
			a.managed.Add(uint32(p))
			a.db.Frame(p).Zone = z.id
		}
		z.mu.Lock()
		z.managedPages += uint64(n)
		z.freeLocked(a.db, pfn, order)
		z.setWatermarks()
		z.mu.Unlock()
		pfn += n
	}
	log.Debugf("buddy: added frames [%#x, %#x)", uint64(start), uint64(end))
	return nil
}

// Alloc allocates a block of 1<<order frames. The head frame is returned with
// a reference count of one. Alloc tries the preferred zone of gfp first, then
// each lower zone, and fails with ENOMEM only if none of them has a free
// block of order >= order.
func (a *Allocator) Alloc(order int, gfp GFP) (page.PFN, error) {
	if order < 0 || order > MaxOrder {
		return page.NoPFN, fmt.Errorf("alloc order %d: %w", order, kerr.EINVAL)
	}
	for _, zid := range gfp.fallback() {
		z := a.zones[zid]
		z.mu.Lock()
		pfn, ok := z.allocLocked(a.db, order)
		if ok {
			a.db.SetBlock(pfn, order, page.Allocated, 1)
			fr := a.db.Frame(pfn)
			fr.Flags = 0
			z.allocs++
			z.mu.Unlock()
			allocsMetric.Increment(zid.String())
			if gfp&GFPZero != 0 {
				a.db.Zero(pfn, 1<<order)
			}
			return pfn, nil
		}
		z.mu.Unlock()
	}
	z := a.zones[gfp.Zone()]
	z.mu.Lock()
	z.failures++
	z.mu.Unlock()
	failuresMetric.Increment()
	return page.NoPFN, fmt.Errorf("alloc order %d %v: %w", order, gfp, kerr.ENOMEM)
}

// Get takes an additional reference on an allocated block.
func (a *Allocator) Get(pfn page.PFN) {
	fr := a.db.Frame(pfn)
	z := a.zones[fr.Zone]
	z.mu.Lock()
	fr.Refs++
	z.mu.Unlock()
}

// Refs returns the reference count of the block headed by pfn.
func (a *Allocator) Refs(pfn page.PFN) int32 {
	fr := a.db.Frame(pfn)
	z := a.zones[fr.Zone]
	z.mu.Lock()
	defer z.mu.Unlock()
	return fr.Refs
}

// Free drops a reference on the block of the given order headed by pfn, and
// returns the block to the free lists once the last reference is gone.
//
// Freeing a frame that does not head an allocated block of that order is a
// logic error: Free returns EBUSY for an order mismatch and EUCLEAN for a
// block that is already free, or panics in debug mode.
func (a *Allocator) Free(pfn page.PFN, order int) error {
	fr := a.db.Lookup(pfn)
	if fr == nil || !a.managed.Contains(uint32(pfn)) {
		return a.logicError(fmt.Errorf("free %v: not managed: %w", pfn, kerr.ENOENT))
	}
	z := a.zones[fr.Zone]
	z.mu.Lock()
	switch {
	case fr.State == page.Free || fr.Order == page.NoOrder || fr.Refs <= 0:
		z.mu.Unlock()
		return a.logicError(fmt.Errorf("free %v order %d: block is not allocated (state %v): %w", pfn, order, fr.State, kerr.EUCLEAN))
	case int(fr.Order) != order:
		z.mu.Unlock()
		return a.logicError(fmt.Errorf("free %v order %d: block has order %d: %w", pfn, order, fr.Order, kerr.EBUSY))
	}
	fr.Refs--
	if fr.Refs > 0 {
		z.mu.Unlock()
		return nil
	}
	if fr.Has(page.FlagLRU) {
		z.lruRemoveLocked(a.db, pfn)
	}
	z.frees++
	z.freeLocked(a.db, pfn, order)
	z.mu.Unlock()
	freesMetric.Increment(z.id.String())
	return nil
}

func (a *Allocator) logicError(err error) error {
	if a.debug {
		panic(err.Error())
	}
	log.Warningf("buddy: %v", err)
	return err
}

// SetState records the owner of an allocated block.
func (a *Allocator) SetState(pfn page.PFN, state page.State, owner any) {
	fr := a.db.Frame(pfn)
	z := a.zones[fr.Zone]
	z.mu.Lock()
	fr.State = state
	fr.Owner = owner
	if state == page.Slab {
		fr.Set(page.FlagSlab)
	} else {
		fr.Clear(page.FlagSlab)
	}
	z.mu.Unlock()
}

// Owner returns the state and owner of the block containing pfn. Tail frames
// report the state and owner of their head.
func (a *Allocator) Owner(pfn page.PFN) (page.State, any, bool) {
	fr := a.db.Lookup(pfn)
	if fr == nil || !a.managed.Contains(uint32(pfn)) {
		return page.Reserved, nil, false
	}
	z := a.zones[fr.Zone]
	z.mu.Lock()
	defer z.mu.Unlock()
	head := pfn
	for o := 0; o <= MaxOrder; o++ {
		h := pfn &^ (page.PFN(1)<<o - 1)
		hf := a.db.Frame(h)
		if int(hf.Order) == o && hf.State != page.Reserved {
			head = h
			break
		}
	}
	hf := a.db.Frame(head)
	return hf.State, hf.Owner, true
}

// FreePages returns the number of free frames in all zones.
func (a *Allocator) FreePages() uint64 {
	var n uint64
	for _, z := range a.zones {
		z.mu.Lock()
		n += z.freePages
		z.mu.Unlock()
	}
	return n
}

// ManagedPages returns the number of registered frames in all zones.
func (a *Allocator) ManagedPages() uint64 {
	var n uint64
	for _, z := range a.zones {
		z.mu.Lock()
		n += z.managedPages
		z.mu.Unlock()
	}
	return n
}

// BelowWatermark returns true if any populated zone has fewer free pages
// than its low watermark.
func (a *Allocator) BelowWatermark() bool {
	for _, z := range a.zones {
		z.mu.Lock()
		low := z.managedPages > 0 && z.freePages < z.pagesLow
		z.mu.Unlock()
		if low {
			return true
		}
	}
	return false
}
