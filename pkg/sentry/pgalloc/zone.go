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

package pgalloc

import (
	"kos.dev/kos/pkg/sentry/page"
	"kos.dev/kos/pkg/sync/locking"
)

var zoneClass = locking.NewMutexClass("pgalloc.zone", locking.RankBuddyZone)

// zone is one memory zone. All fields below mu are protected by it.
type zone struct {
	id page.Zone

	mu locking.Mutex

	// freeArea[k] holds the heads of free blocks of order k.
	freeArea [NumOrders]page.List

	// nrFree[k] is the recorded length of freeArea[k].
	nrFree [NumOrders]uint64

	// freePages is sum(nrFree[k] << k).
	freePages uint64

	// managedPages is the number of frames registered in this zone.
	managedPages uint64

	// Watermarks, recomputed when memory is added.
	pagesMin, pagesLow, pagesHigh uint64

	// LRU lists of user-mapped frames.
	active, inactive page.List

	allocs, frees, failures uint64
}

func newZone(id page.Zone) *zone {
	z := &zone{id: id}
	z.mu.Init(zoneClass, int(id))
	for i := range z.freeArea {
		z.freeArea[i].Init()
	}
	z.active.Init()
	z.inactive.Init()
	return z
}

// setWatermarks recomputes the watermarks from managedPages. Preconditions:
// z.mu is locked.
func (z *zone) setWatermarks() {
	z.pagesMin = max(1, z.managedPages/128)
	z.pagesLow = z.pagesMin * 5 / 4
	z.pagesHigh = z.pagesMin * 3 / 2
}

// allocLocked takes a block of the given order off the free lists, splitting
// a larger block if needed. Preconditions: z.mu is locked.
func (z *zone) allocLocked(db *page.DB, order int) (page.PFN, bool) {
	k := order
	for k < NumOrders && z.freeArea[k].Empty() {
		k++
	}
	if k == NumOrders {
		return page.NoPFN, false
	}
	pfn := z.freeArea[k].PopFront(db)
	z.nrFree[k]--
	z.freePages -= 1 << k

	// Keep the lower half, return the upper half.
	for k > order {
		k--
		buddy := pfn + page.PFN(1)<<k
		z.insertFreeLocked(db, buddy, k)
	}
	return pfn, true
}

// insertFreeLocked puts a free block on freeArea[order] without coalescing.
// Preconditions: z.mu is locked.
func (z *zone) insertFreeLocked(db *page.DB, pfn page.PFN, order int) {
	db.SetBlock(pfn, order, page.Free, 0)
	fr := db.Frame(pfn)
	fr.Zone = z.id
	fr.Owner = nil
	fr.Flags = page.FlagReserved
	z.freeArea[order].PushFront(db, pfn)
	z.nrFree[order]++
	z.freePages += 1 << order
}

// freeLocked returns a block to the zone, coalescing with free buddies.
// Preconditions: z.mu is locked.
func (z *zone) freeLocked(db *page.DB, pfn page.PFN, order int) {
	for order < MaxOrder {
		buddy := pfn ^ page.PFN(1)<<order
		bf := db.Lookup(buddy)
		if bf == nil || bf.State != page.Free || int(bf.Order) != order || bf.Zone != z.id || !bf.Has(page.FlagReserved) {
			break
		}
		z.freeArea[order].Remove(db, buddy)
		z.nrFree[order]--
		z.freePages -= 1 << order
		// The absorbed head becomes a tail of the merged block.
		bf.State = page.Reserved
		bf.Order = page.NoOrder
		pfn = min(pfn, buddy)
		order++
	}
	z.insertFreeLocked(db, pfn, order)
}
