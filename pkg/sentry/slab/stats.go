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
	"io"
	"text/tabwriter"

	"kos.dev/kos/pkg/errors/kerr"
)

// CacheStats is a snapshot of one cache.
type CacheStats struct {
	Name         string
	ObjectSize   uint64
	Order        int
	ObjsPerSlab  int
	FullSlabs    int
	PartialSlabs int
	EmptySlabs   int
	InUse        uint64
	Allocs       uint64
	Frees        uint64
	Grows        uint64
	Shrinks      uint64
}

// Stats returns a snapshot of c.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Name:         c.name,
		ObjectSize:   c.size,
		Order:        c.order,
		ObjsPerSlab:  c.num,
		FullSlabs:    c.full.len,
		PartialSlabs: c.partial.len,
		EmptySlabs:   c.empty.len,
		InUse:        c.inuse,
		Allocs:       c.allocs,
		Frees:        c.frees,
		Grows:        c.grows,
		Shrinks:      c.shrinks,
	}
}

// WriteStats prints a /proc/slabinfo style table of every cache.
func (a *Allocator) WriteStats(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprintln(tw, "name\tobjsize\torder\tper-slab\tinuse\tfull\tpartial\tempty\tgrows\tshrinks")
	for _, c := range a.Caches() {
		s := c.Stats()
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			s.Name, s.ObjectSize, s.Order, s.ObjsPerSlab, s.InUse, s.FullSlabs, s.PartialSlabs, s.EmptySlabs, s.Grows, s.Shrinks)
	}
	tw.Flush()
}

// CheckInvariants verifies the list discipline and accounting of c: full
// slabs have every object in use, partial slabs some, empty slabs none, each
// slab's free stack agrees with its free set, and the sum of in-use counts
// equals allocations minus frees.
func (c *Cache) CheckInvariants() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sum uint64
	check := func(l *slabList, name string, ok func(inuse int) bool) error {
		n := 0
		for s := l.head; s != nil; s = s.next {
			n++
			if s.list != l || s.cache != c {
				return fmt.Errorf("%s: %s slab %v has wrong list or cache", c.name, name, s.pfn)
			}
			if !ok(s.inuse) {
				return fmt.Errorf("%s: %s slab %v has inuse %d of %d", c.name, name, s.pfn, s.inuse, c.num)
			}
			if len(s.free) != c.num-s.inuse || int(s.freeSet.Count()) != len(s.free) {
				return fmt.Errorf("%s: slab %v free stack %d, free set %d, inuse %d", c.name, s.pfn, len(s.free), s.freeSet.Count(), s.inuse)
			}
			for _, idx := range s.free {
				if !s.freeSet.Contains(uint32(idx)) {
					return fmt.Errorf("%s: slab %v index %d on stack but not in set", c.name, s.pfn, idx)
				}
			}
			sum += uint64(s.inuse)
		}
		if n != l.len {
			return fmt.Errorf("%s: %s list walks %d slabs, len %d", c.name, name, n, l.len)
		}
		return nil
	}
	if err := check(&c.full, "full", func(n int) bool { return n == c.num }); err != nil {
		return fmt.Errorf("%v: %w", err, kerr.EUCLEAN)
	}
	if err := check(&c.partial, "partial", func(n int) bool { return n > 0 && n < c.num }); err != nil {
		return fmt.Errorf("%v: %w", err, kerr.EUCLEAN)
	}
	if err := check(&c.empty, "empty", func(n int) bool { return n == 0 }); err != nil {
		return fmt.Errorf("%v: %w", err, kerr.EUCLEAN)
	}
	if sum != c.inuse || c.inuse != c.allocs-c.frees {
		return fmt.Errorf("%s: slabs hold %d objects, inuse %d, allocs-frees %d: %w", c.name, sum, c.inuse, c.allocs-c.frees, kerr.EUCLEAN)
	}
	return nil
}

// CheckInvariants checks every cache.
func (a *Allocator) CheckInvariants() error {
	for _, c := range a.Caches() {
		if err := c.CheckInvariants(); err != nil {
			return err
		}
	}
	return nil
}
