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

package slab

import (
	"fmt"

	"kos.dev/kos/pkg/bitmap"
	"kos.dev/kos/pkg/errors/kerr"
	"kos.dev/kos/pkg/hostarch"
	"kos.dev/kos/pkg/log"
	"kos.dev/kos/pkg/sentry/page"
	"kos.dev/kos/pkg/sentry/pgalloc"
	"kos.dev/kos/pkg/sync/locking"
)

var cacheClass = locking.NewMutexClass("slab.cache", locking.RankSlabCache)

const (
	// wordSize is the minimum object alignment.
	wordSize = 8

	// mgmtHeader is the fixed part of the on-slab management record.
	mgmtHeader = 32

	// freeIndexSize is the size of one free-stack entry.
	freeIndexSize = 2

	// maxSlabOrder bounds the search for a low-waste slab order.
	maxSlabOrder = 5

	// maxColours bounds the colour rotation.
	maxColours = 8

	// maxObjects is the largest index a 16-bit free stack can hold.
	maxObjects = 1 << 16
)

// Cache is a cache of fixed-size objects.
type Cache struct {
	name    string
	alloc   *Allocator
	size    uint64 // object size, rounded up to align
	reqSize uint64 // size as requested
	align   uint64
	gfp     pgalloc.GFP
	ctor    func(obj []byte)

	// Geometry, fixed at creation.
	order      int
	num        int
	offSlab    bool
	colourUnit uint64
	nColours   uint64

	mu locking.Mutex

	// Fields below are protected by mu.
	full, partial, empty slabList
	colourNext           uint64
	inuse                uint64
	allocs, frees        uint64
	grows, shrinks       uint64
	destroyed            bool
}

// slab is one run of 1<<order frames carved into num objects.
type slab struct {
	cache *Cache
	pfn   page.PFN

	// base is the address of object 0, after the colour offset.
	base   hostarch.Addr
	colour uint64

	inuse int

	// free is the stack of free object indices; freeSet mirrors it for
	// O(1) membership tests.
	free    []uint16
	freeSet bitmap.Bitmap

	prev, next *slab
	list       *slabList
}

// geometry returns the object count and unused bytes of a slab of the given
// order.
func geometry(size uint64, order int, offSlab bool) (num int, leftover uint64) {
	bytes := uint64(hostarch.PageSize) << order
	if offSlab {
		n := bytes / size
		return int(n), bytes - n*size
	}
	if bytes <= mgmtHeader {
		return 0, bytes
	}
	n := (bytes - mgmtHeader) / (size + freeIndexSize)
	return int(n), bytes - n*size - mgmtHeader - n*freeIndexSize
}

func newCache(a *Allocator, name string, size, align uint64, gfp pgalloc.GFP, ctor func([]byte)) (*Cache, error) {
	if size == 0 {
		return nil, fmt.Errorf("cache %q: zero object size: %w", name, kerr.EINVAL)
	}
	if align == 0 {
		align = wordSize
	}
	if align&(align-1) != 0 {
		return nil, fmt.Errorf("cache %q: alignment %d is not a power of two: %w", name, align, kerr.EINVAL)
	}
	align = max(align, wordSize)
	rounded := (size + align - 1) &^ (align - 1)
	if rounded > uint64(hostarch.PageSize)<<pgalloc.MaxOrder {
		return nil, fmt.Errorf("cache %q: object size %d too large: %w", name, size, kerr.EINVAL)
	}

	c := &Cache{
		name:       name,
		alloc:      a,
		size:       rounded,
		reqSize:    size,
		align:      align,
		gfp:        gfp,
		ctor:       ctor,
		offSlab:    rounded >= hostarch.PageSize/8,
		colourUnit: max(uint64(hostarch.CacheLineSize), align),
	}
	c.mu.Init(cacheClass, 0)

	// Smallest order with at least one object and at most 1/8 waste,
	// else the smallest order that fits one object.
	c.order = -1
	for o := 0; o <= maxSlabOrder; o++ {
		num, left := geometry(rounded, o, c.offSlab)
		if num >= 1 && left*8 <= uint64(hostarch.PageSize)<<o {
			c.order = o
			break
		}
	}
	if c.order < 0 {
		for o := 0; o <= pgalloc.MaxOrder; o++ {
			if num, _ := geometry(rounded, o, c.offSlab); num >= 1 {
				c.order = o
				break
			}
		}
	}
	if c.order < 0 {
		return nil, fmt.Errorf("cache %q: no slab order fits size %d: %w", name, size, kerr.EINVAL)
	}
	num, left := geometry(rounded, c.order, c.offSlab)
	c.num = min(num, maxObjects)
	c.nColours = min(left/c.colourUnit+1, maxColours)
	return c, nil
}

// Name returns the cache name.
func (c *Cache) Name() string { return c.name }

// ObjectSize returns the size of each object, rounded up to the alignment.
func (c *Cache) ObjectSize() uint64 { return c.size }

// Order returns the order of each slab.
func (c *Cache) Order() int { return c.order }

// ObjectsPerSlab returns the number of objects in each slab.
func (c *Cache) ObjectsPerSlab() int { return c.num }

// OffSlab returns true if the management record lives outside the slab.
func (c *Cache) OffSlab() bool { return c.offSlab }

// grow adds an empty slab to the cache. Preconditions: c.mu is locked.
func (c *Cache) growLocked() (*slab, error) {
	pfn, err := c.alloc.pages.Alloc(c.order, c.gfp)
	if err != nil {
		return nil, err
	}
	colour := (c.colourNext % c.nColours) * c.colourUnit
	c.colourNext++

	s := &slab{
		cache:   c,
		pfn:     pfn,
		base:    pfn.Addr() + hostarch.Addr(colour),
		colour:  colour,
		free:    make([]uint16, c.num),
		freeSet: bitmap.Full(uint32(c.num)),
	}
	// Lowest index on top of the stack.
	for i := range s.free {
		s.free[i] = uint16(c.num - 1 - i)
	}
	c.alloc.pages.SetState(pfn, page.Slab, s)
	if c.ctor != nil {
		db := c.alloc.pages.DB()
		for i := 0; i < c.num; i++ {
			obj, _ := db.AddrBytes(s.objAddr(i), c.size)
			c.ctor(obj)
		}
	}
	c.empty.pushFront(s)
	c.grows++
	growsMetric.Increment()
	log.Debugf("slab: %s grew to %d slabs (colour %d)", c.name, c.full.len+c.partial.len+c.empty.len, colour)
	return s, nil
}

func (s *slab) objAddr(i int) hostarch.Addr {
	return s.base + hostarch.Addr(uint64(i)*s.cache.size)
}

// destroySlabLocked returns a slab's pages to the buddy allocator.
// Preconditions: c.mu is locked; s.inuse == 0.
func (c *Cache) destroySlabLocked(s *slab) {
	if s.list != nil {
		s.list.remove(s)
	}
	c.alloc.pages.SetState(s.pfn, page.Allocated, nil)
	if err := c.alloc.pages.Free(s.pfn, c.order); err != nil {
		log.Warningf("slab: %s: returning %v: %v", c.name, s.pfn, err)
	}
	c.shrinks++
	shrinksMetric.Increment()
}

// Alloc allocates one object. The object is zeroed if zero is set; otherwise
// it holds whatever the constructor or its previous user left there.
func (c *Cache) Alloc(zero bool) (hostarch.Addr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return 0, fmt.Errorf("cache %q destroyed: %w", c.name, kerr.ENOENT)
	}

	var s *slab
	switch {
	case !c.partial.empty():
		s = c.partial.head
	case !c.empty.empty():
		s = c.empty.head
	default:
		var err error
		if s, err = c.growLocked(); err != nil {
			return 0, fmt.Errorf("cache %q: %w", c.name, err)
		}
	}

	idx := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	s.freeSet.Remove(uint32(idx))
	s.inuse++
	if s.inuse == c.num {
		s.moveTo(&c.full)
	} else {
		s.moveTo(&c.partial)
	}
	c.inuse++
	c.allocs++

	obj := s.objAddr(int(idx))
	if zero {
		b, _ := c.alloc.pages.DB().AddrBytes(obj, c.size)
		clear(b)
	}
	return obj, nil
}

// slabOf finds the slab holding obj and its index, validating that obj is a
// live object of c. Preconditions: c.mu is locked.
func (c *Cache) slabOfLocked(obj hostarch.Addr) (*slab, int, error) {
	s, err := c.alloc.slabOf(obj)
	if err != nil {
		return nil, 0, err
	}
	if s.cache != c {
		return nil, 0, fmt.Errorf("free %v to %q: object belongs to %q: %w", obj, c.name, s.cache.name, kerr.EINVAL)
	}
	if obj < s.base || uint64(obj-s.base)%c.size != 0 {
		return nil, 0, fmt.Errorf("free %v to %q: not an object boundary: %w", obj, c.name, kerr.EINVAL)
	}
	idx := uint64(obj-s.base) / c.size
	if idx >= uint64(c.num) {
		return nil, 0, fmt.Errorf("free %v to %q: past the last object: %w", obj, c.name, kerr.EINVAL)
	}
	return s, int(idx), nil
}

// Free returns obj to the cache.
func (c *Cache) Free(obj hostarch.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, idx, err := c.slabOfLocked(obj)
	if err != nil {
		return err
	}
	if s.freeSet.Contains(uint32(idx)) {
		return c.alloc.corruption(fmt.Errorf("double free of %v in %q: %w", obj, c.name, kerr.EUCLEAN))
	}
	s.free = append(s.free, uint16(idx))
	s.freeSet.Add(uint32(idx))
	s.inuse--
	c.inuse--
	c.frees++

	if s.inuse > 0 {
		s.moveTo(&c.partial)
		return nil
	}
	// Keep one spare slab; drop this one if another has room.
	s.list.remove(s)
	if !c.partial.empty() || !c.empty.empty() {
		c.destroySlabLocked(s)
	} else {
		c.empty.pushFront(s)
	}
	return nil
}

// Contains reports whether obj is a live object of c.
func (c *Cache) Contains(obj hostarch.Addr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, idx, err := c.slabOfLocked(obj)
	return err == nil && !s.freeSet.Contains(uint32(idx))
}

// Shrink returns every empty slab to the buddy allocator and reports the
// number of pages freed.
func (c *Cache) Shrink() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shrinkLocked()
}

func (c *Cache) shrinkLocked() uint64 {
	var pages uint64
	for !c.empty.empty() {
		c.destroySlabLocked(c.empty.head)
		pages += 1 << c.order
	}
	if pages > 0 {
		log.Debugf("slab: %s shrank by %d pages", c.name, pages)
	}
	return pages
}

// Destroy releases the cache. It fails with EBUSY while objects are live.
func (c *Cache) Destroy() error {
	c.mu.Lock()
	if c.inuse > 0 {
		n := c.inuse
		c.mu.Unlock()
		return fmt.Errorf("destroy %q with %d live objects: %w", c.name, n, kerr.EBUSY)
	}
	c.shrinkLocked()
	c.destroyed = true
	c.mu.Unlock()
	c.alloc.unregister(c)
	return nil
}
