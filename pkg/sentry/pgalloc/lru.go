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
)

// MarkMapped records that an order-0 block is mapped into a user address
// space and puts it on its zone's inactive LRU list.
func (a *Allocator) MarkMapped(pfn page.PFN) {
	fr := a.db.Frame(pfn)
	z := a.zones[fr.Zone]
	z.mu.Lock()
	defer z.mu.Unlock()
	fr.State = page.Mapped
	if !fr.Has(page.FlagLRU) {
		z.inactive.PushFront(a.db, pfn)
		fr.Set(page.FlagLRU)
		fr.Clear(page.FlagActive)
	}
}

// MarkAccessed promotes a mapped frame from the inactive to the active list.
func (a *Allocator) MarkAccessed(pfn page.PFN) {
	fr := a.db.Frame(pfn)
	z := a.zones[fr.Zone]
	z.mu.Lock()
	defer z.mu.Unlock()
	if !fr.Has(page.FlagLRU) || fr.Has(page.FlagActive) {
		return
	}
	z.inactive.Remove(a.db, pfn)
	z.active.PushFront(a.db, pfn)
	fr.Set(page.FlagActive)
}

// MarkDirty records a write through a user mapping.
func (a *Allocator) MarkDirty(pfn page.PFN) {
	fr := a.db.Frame(pfn)
	z := a.zones[fr.Zone]
	z.mu.Lock()
	fr.Set(page.FlagDirty)
	z.mu.Unlock()
}

// AgeActive moves up to n frames from the tail of each zone's active list
// back to its inactive list, clearing their active flag. It returns the
// number of frames moved.
func (a *Allocator) AgeActive(n int) int {
	moved := 0
	for _, z := range a.zones {
		z.mu.Lock()
		for i := 0; i < n && !z.active.Empty(); i++ {
			pfn := z.active.Back()
			z.active.Remove(a.db, pfn)
			z.inactive.PushFront(a.db, pfn)
			a.db.Frame(pfn).Clear(page.FlagActive)
			moved++
		}
		z.mu.Unlock()
	}
	return moved
}

// lruRemoveLocked takes pfn off whichever LRU list holds it. Preconditions:
// z.mu is locked.
func (z *zone) lruRemoveLocked(db *page.DB, pfn page.PFN) {
	fr := db.Frame(pfn)
	if fr.Has(page.FlagActive) {
		z.active.Remove(db, pfn)
	} else {
		z.inactive.Remove(db, pfn)
	}
	fr.Clear(page.FlagLRU | page.FlagActive)
}
