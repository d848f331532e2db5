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

// Package slab implements caches of fixed-size objects on top of the buddy
// page allocator.
//
// Each cache carves slabs of 1<<order frames into equally sized objects and
// keeps its slabs on full, partial and empty lists. Allocation prefers a
// partial slab, then an empty one, and only then grows the cache. A slab's
// frames record the slab as their owner, which is how a bare object address
// finds its way back to its cache on free.
//
// Lock order:
//
//	Cache.mu
//	  pgalloc zone locks
package slab

import (
	"fmt"
	"sort"
	"sync"

	"kos.dev/kos/pkg/errors/kerr"
	"kos.dev/kos/pkg/hostarch"
	"kos.dev/kos/pkg/log"
	"kos.dev/kos/pkg/metric"
	"kos.dev/kos/pkg/sentry/page"
	"kos.dev/kos/pkg/sentry/pgalloc"
)

var (
	growsMetric   = metric.MustCreateNewUint64Metric("/slab/grows", "Number of slabs added to caches.")
	shrinksMetric = metric.MustCreateNewUint64Metric("/slab/shrinks", "Number of slabs returned to the page allocator.")
)

// Allocator owns the set of caches.
type Allocator struct {
	pages *pgalloc.Allocator

	// mu protects caches. It is never held while a cache lock is taken.
	mu     sync.Mutex
	caches map[string]*Cache

	debug bool
}

// New returns an allocator that draws slabs from pages.
func New(pages *pgalloc.Allocator) *Allocator {
	return &Allocator{
		pages:  pages,
		caches: make(map[string]*Cache),
	}
}

// SetDebug makes detected corruption panic.
func (a *Allocator) SetDebug(debug bool) {
	a.debug = debug
}

// Pages returns the underlying page allocator.
func (a *Allocator) Pages() *pgalloc.Allocator {
	return a.pages
}

// CreateCache creates a cache of objects of the given size and alignment.
// ctor, if not nil, initializes each object when its slab is created. Cache
// names are unique.
func (a *Allocator) CreateCache(name string, size, align uint64, ctor func(obj []byte)) (*Cache, error) {
	return a.CreateCacheGFP(name, size, align, pgalloc.GFPNormal, ctor)
}

// CreateCacheGFP is CreateCache with slab pages drawn using gfp.
func (a *Allocator) CreateCacheGFP(name string, size, align uint64, gfp pgalloc.GFP, ctor func(obj []byte)) (*Cache, error) {
	c, err := newCache(a, name, size, align, gfp&^pgalloc.GFPZero, ctor)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.caches[name]; ok {
		return nil, fmt.Errorf("cache %q: %w", name, kerr.EEXIST)
	}
	a.caches[name] = c
	log.Debugf("slab: created %s: size %d order %d num %d offslab %t colours %d", name, c.size, c.order, c.num, c.offSlab, c.nColours)
	return c, nil
}

func (a *Allocator) unregister(c *Cache) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.caches[c.name] == c {
		delete(a.caches, c.name)
	}
}

// Lookup returns the cache with the given name, or nil.
func (a *Allocator) Lookup(name string) *Cache {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.caches[name]
}

// Caches returns every live cache, sorted by name.
func (a *Allocator) Caches() []*Cache {
	a.mu.Lock()
	out := make([]*Cache, 0, len(a.caches))
	for _, c := range a.caches {
		out = append(out, c)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// slabOf returns the slab whose frames hold obj.
func (a *Allocator) slabOf(obj hostarch.Addr) (*slab, error) {
	pfn, ok := page.FromAddr(obj)
	if !ok {
		return nil, fmt.Errorf("object %v is not a kernel address: %w", obj, kerr.EINVAL)
	}
	state, owner, ok := a.pages.Owner(pfn)
	if !ok || state != page.Slab {
		return nil, fmt.Errorf("object %v is not in a slab: %w", obj, kerr.ENOENT)
	}
	s, ok := owner.(*slab)
	if !ok {
		return nil, a.corruption(fmt.Errorf("slab frame %v has owner %T: %w", pfn, owner, kerr.EUCLEAN))
	}
	return s, nil
}

// CacheOf returns the cache that owns obj.
func (a *Allocator) CacheOf(obj hostarch.Addr) (*Cache, error) {
	s, err := a.slabOf(obj)
	if err != nil {
		return nil, err
	}
	return s.cache, nil
}

// FreeObject frees obj into whichever cache owns it.
func (a *Allocator) FreeObject(obj hostarch.Addr) error {
	c, err := a.CacheOf(obj)
	if err != nil {
		return err
	}
	return c.Free(obj)
}

// ShrinkAll shrinks every cache and returns the number of pages freed.
func (a *Allocator) ShrinkAll() uint64 {
	var pages uint64
	for _, c := range a.Caches() {
		pages += c.Shrink()
	}
	return pages
}

func (a *Allocator) corruption(err error) error {
	if a.debug {
		panic(err.Error())
	}
	log.Warningf("slab: %v", err)
	return err
}
