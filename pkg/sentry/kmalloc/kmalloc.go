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

// Package kmalloc implements general-purpose kernel allocation on top of the
// slab and buddy allocators.
//
// Requests up to MaxCacheSize bytes are served from a fixed table of
// size-class caches; larger requests take whole buddy blocks and are recorded
// in a table keyed by address, which remembers the size the caller asked for.
// GFPDMA requests use a parallel table of DMA caches, and their large blocks
// come from ZoneDMA.
//
// Lock order:
//
//	Allocator.mu
//	  slab.Cache.mu
//	    pgalloc zone locks
package kmalloc

import (
	"fmt"
	"sort"

	"kos.dev/kos/pkg/errors/kerr"
	"kos.dev/kos/pkg/hostarch"
	"kos.dev/kos/pkg/log"
	"kos.dev/kos/pkg/metric"
	"kos.dev/kos/pkg/sentry/page"
	"kos.dev/kos/pkg/sentry/pgalloc"
	"kos.dev/kos/pkg/sentry/slab"
	"kos.dev/kos/pkg/sync/locking"
)

// SizeClasses are the object sizes of the kmalloc caches, in increasing
// order.
var SizeClasses = [...]uint64{32, 64, 96, 128, 192, 256, 512, 1024, 2048, 4096, 8192, 16384, 32768}

// MaxCacheSize is the largest request served from a cache.
const MaxCacheSize = 32768

var (
	largeAllocsMetric = metric.MustCreateNewUint64Metric("/kmalloc/large_allocs", "Number of kmalloc requests served directly by the buddy allocator.")
	largeFreesMetric  = metric.MustCreateNewUint64Metric("/kmalloc/large_frees", "Number of large kmalloc blocks returned to the buddy allocator.")
)

var tableClass = locking.NewMutexClass("kmalloc.large", locking.RankKmallocTable)

// large records one allocation served by the buddy allocator.
type large struct {
	size  uint64
	order int
	gfp   pgalloc.GFP
}

// Allocator is the kmalloc façade.
type Allocator struct {
	slabs *slab.Allocator
	pages *pgalloc.Allocator

	caches    [len(SizeClasses)]*slab.Cache
	dmaCaches [len(SizeClasses)]*slab.Cache

	mu    locking.Mutex
	large map[hostarch.Addr]large
}

// New creates the kmalloc-* and dma-kmalloc-* caches in slabs.
func New(slabs *slab.Allocator) (*Allocator, error) {
	a := &Allocator{
		slabs: slabs,
		pages: slabs.Pages(),
		large: make(map[hostarch.Addr]large),
	}
	a.mu.Init(tableClass, 0)
	for i, size := range SizeClasses {
		c, err := slabs.CreateCacheGFP(fmt.Sprintf("kmalloc-%d", size), size, 0, pgalloc.GFPNormal, nil)
		if err != nil {
			return nil, err
		}
		a.caches[i] = c
		c, err = slabs.CreateCacheGFP(fmt.Sprintf("dma-kmalloc-%d", size), size, 0, pgalloc.GFPDMA, nil)
		if err != nil {
			return nil, err
		}
		a.dmaCaches[i] = c
	}
	return a, nil
}

// sizeIndex returns the index of the smallest size class holding size.
// Preconditions: 0 < size <= MaxCacheSize.
func sizeIndex(size uint64) int {
	return sort.Search(len(SizeClasses), func(i int) bool { return SizeClasses[i] >= size })
}

// cacheFor returns the cache serving size with gfp, or nil if size needs a
// large allocation.
func (a *Allocator) cacheFor(size uint64, gfp pgalloc.GFP) *slab.Cache {
	if size > MaxCacheSize {
		return nil
	}
	if gfp&pgalloc.GFPDMA != 0 {
		return a.dmaCaches[sizeIndex(size)]
	}
	return a.caches[sizeIndex(size)]
}

// CacheFor returns the cache that serves requests of size bytes, or nil if
// such requests go to the buddy allocator.
func (a *Allocator) CacheFor(size uint64, gfp pgalloc.GFP) *slab.Cache {
	if size == 0 {
		return nil
	}
	return a.cacheFor(size, gfp)
}

// largeOrder returns the smallest order whose block holds size bytes.
func largeOrder(size uint64) int {
	order := 0
	for uint64(hostarch.PageSize)<<order < size {
		order++
	}
	return order
}

func (a *Allocator) alloc(size uint64, gfp pgalloc.GFP, zero bool) (hostarch.Addr, error) {
	if size == 0 {
		return 0, fmt.Errorf("kmalloc(0): %w", kerr.EINVAL)
	}
	if c := a.cacheFor(size, gfp); c != nil {
		return c.Alloc(zero)
	}

	order := largeOrder(size)
	if order > pgalloc.MaxOrder {
		return 0, fmt.Errorf("kmalloc(%d): larger than the largest block: %w", size, kerr.ENOMEM)
	}
	flags := gfp &^ pgalloc.GFPZero
	if zero {
		flags |= pgalloc.GFPZero
	}
	pfn, err := a.pages.Alloc(order, flags)
	if err != nil {
		return 0, fmt.Errorf("kmalloc(%d): %w", size, err)
	}
	addr := pfn.Addr()
	a.mu.Lock()
	a.large[addr] = large{size: size, order: order, gfp: gfp & pgalloc.GFPDMA}
	a.mu.Unlock()
	largeAllocsMetric.Increment()
	return addr, nil
}

// Kmalloc allocates size bytes. The contents are unspecified.
func (a *Allocator) Kmalloc(size uint64, gfp pgalloc.GFP) (hostarch.Addr, error) {
	return a.alloc(size, gfp, gfp&pgalloc.GFPZero != 0)
}

// Kzalloc allocates size zeroed bytes.
func (a *Allocator) Kzalloc(size uint64, gfp pgalloc.GFP) (hostarch.Addr, error) {
	return a.alloc(size, gfp, true)
}

// Kfree frees an allocation returned by Kmalloc. Kfree(0) does nothing.
func (a *Allocator) Kfree(ptr hostarch.Addr) error {
	if ptr == 0 {
		return nil
	}
	a.mu.Lock()
	if rec, ok := a.large[ptr]; ok {
		defer a.mu.Unlock()
		// The record stays until the pages are back.
		pfn, _ := page.FromAddr(ptr)
		if err := a.pages.Free(pfn, rec.order); err != nil {
			return fmt.Errorf("kfree(%v): %w", ptr, err)
		}
		delete(a.large, ptr)
		largeFreesMetric.Increment()
		return nil
	}
	a.mu.Unlock()
	if err := a.checkSlabPointer(ptr); err != nil {
		return err
	}
	return a.slabs.FreeObject(ptr)
}

// checkSlabPointer classifies a pointer that is not a live large allocation
// and is not in a slab.
func (a *Allocator) checkSlabPointer(ptr hostarch.Addr) error {
	pfn, ok := page.FromAddr(ptr)
	if !ok {
		return fmt.Errorf("kfree(%v): not a kernel address: %w", ptr, kerr.ENOENT)
	}
	state, _, ok := a.pages.Owner(pfn)
	switch {
	case !ok:
		return fmt.Errorf("kfree(%v): no such allocation: %w", ptr, kerr.ENOENT)
	case state == page.Free:
		err := fmt.Errorf("kfree(%v): page already free: %w", ptr, kerr.EUCLEAN)
		log.Warningf("kmalloc: %v", err)
		return err
	case state != page.Slab:
		return fmt.Errorf("kfree(%v): no such allocation: %w", ptr, kerr.ENOENT)
	}
	return nil
}

// Ksize returns the usable size of an allocation: the object size for cache
// allocations, and the requested size for large ones.
func (a *Allocator) Ksize(ptr hostarch.Addr) (uint64, error) {
	a.mu.Lock()
	rec, ok := a.large[ptr]
	a.mu.Unlock()
	if ok {
		return rec.size, nil
	}
	if err := a.checkSlabPointer(ptr); err != nil {
		return 0, err
	}
	c, err := a.slabs.CacheOf(ptr)
	if err != nil {
		return 0, err
	}
	if !c.Contains(ptr) {
		return 0, fmt.Errorf("ksize(%v): not a live object of %s: %w", ptr, c.Name(), kerr.ENOENT)
	}
	return c.ObjectSize(), nil
}

// Krealloc resizes an allocation, returning the new address. The first
// min(old, newSize) bytes are preserved. Krealloc(0, n) is Kmalloc(n), and
// Krealloc(p, 0) frees p and returns 0.
//
// An allocation that would land in the same cache, or the same buddy order,
// is resized in place.
func (a *Allocator) Krealloc(ptr hostarch.Addr, newSize uint64, gfp pgalloc.GFP) (hostarch.Addr, error) {
	if ptr == 0 {
		return a.Kmalloc(newSize, gfp)
	}
	if newSize == 0 {
		return 0, a.Kfree(ptr)
	}

	a.mu.Lock()
	rec, isLarge := a.large[ptr]
	if isLarge && newSize > MaxCacheSize && largeOrder(newSize) == rec.order && gfp&pgalloc.GFPDMA == rec.gfp {
		if gfp&pgalloc.GFPZero != 0 && newSize > rec.size {
			tail, _ := a.pages.DB().AddrBytes(ptr+hostarch.Addr(rec.size), newSize-rec.size)
			clear(tail)
		}
		rec.size = newSize
		a.large[ptr] = rec
		a.mu.Unlock()
		return ptr, nil
	}
	a.mu.Unlock()

	var oldSize uint64
	if isLarge {
		oldSize = rec.size
	} else {
		c, err := a.slabs.CacheOf(ptr)
		if err != nil {
			return 0, fmt.Errorf("krealloc(%v): %w", ptr, kerr.ENOENT)
		}
		if !c.Contains(ptr) {
			return 0, fmt.Errorf("krealloc(%v): not a live object of %s: %w", ptr, c.Name(), kerr.EUCLEAN)
		}
		if c == a.cacheFor(newSize, gfp) {
			return ptr, nil
		}
		oldSize = c.ObjectSize()
	}

	newPtr, err := a.alloc(newSize, gfp, gfp&pgalloc.GFPZero != 0)
	if err != nil {
		return 0, err
	}
	db := a.pages.DB()
	n := min(oldSize, newSize)
	src, _ := db.AddrBytes(ptr, n)
	dst, _ := db.AddrBytes(newPtr, n)
	copy(dst, src)
	if err := a.Kfree(ptr); err != nil {
		return newPtr, err
	}
	return newPtr, nil
}

// Caches returns the kmalloc caches, normal table first.
func (a *Allocator) Caches() []*slab.Cache {
	out := make([]*slab.Cache, 0, 2*len(SizeClasses))
	out = append(out, a.caches[:]...)
	return append(out, a.dmaCaches[:]...)
}

// LargeStats returns the number of live large allocations and the pages they
// hold.
func (a *Allocator) LargeStats() (count int, pages uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, rec := range a.large {
		count++
		pages += 1 << rec.order
	}
	return count, pages
}
