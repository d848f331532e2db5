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
	"errors"
	"math/rand"
	"testing"

	"kos.dev/kos/pkg/errors/kerr"
	"kos.dev/kos/pkg/hostarch"
	"kos.dev/kos/pkg/sentry/page"
	"kos.dev/kos/pkg/sentry/pgalloc"
)

func newSlabAllocator(t *testing.T, frames uint64) *Allocator {
	t.Helper()
	pages := pgalloc.New(page.NewDB(frames), pgalloc.ZoneLayout{NormalEnd: page.NoPFN})
	if err := pages.AddMemory(0, page.PFN(frames)); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}
	return New(pages)
}

func mustCreate(t *testing.T, a *Allocator, name string, size uint64) *Cache {
	t.Helper()
	c, err := a.CreateCache(name, size, 0, nil)
	if err != nil {
		t.Fatalf("CreateCache(%q, %d): %v", name, size, err)
	}
	return c
}

func mustAlloc(t *testing.T, c *Cache) hostarch.Addr {
	t.Helper()
	obj, err := c.Alloc(false)
	if err != nil {
		t.Fatalf("%s.Alloc: %v", c.Name(), err)
	}
	return obj
}

func checkCache(t *testing.T, c *Cache) {
	t.Helper()
	if err := c.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants: %v", err)
	}
}

func TestGeometry(t *testing.T) {
	a := newSlabAllocator(t, 1024)
	for _, tc := range []struct {
		size    uint64
		order   int
		num     int
		offSlab bool
	}{
		{size: 32, order: 0, num: 119},
		{size: 128, order: 0, num: 31},
		{size: 1000, order: 0, num: 4, offSlab: true},
		{size: 4096, order: 0, num: 1, offSlab: true},
		{size: 32768, order: 3, num: 1, offSlab: true},
		{size: 3000, order: 2, num: 5, offSlab: true},
	} {
		c, err := newCache(a, "geom", tc.size, 0, pgalloc.GFPNormal, nil)
		if err != nil {
			t.Fatalf("newCache(%d): %v", tc.size, err)
		}
		if c.Order() != tc.order || c.ObjectsPerSlab() != tc.num || c.OffSlab() != tc.offSlab {
			t.Errorf("size %d: order %d num %d offslab %t, want %d %d %t",
				tc.size, c.Order(), c.ObjectsPerSlab(), c.OffSlab(), tc.order, tc.num, tc.offSlab)
		}
	}
}

func TestSlabReuseWithoutGrowth(t *testing.T) {
	a := newSlabAllocator(t, 1024)
	c := mustCreate(t, a, "obj-128", 128)

	objs := make([]hostarch.Addr, 1000)
	for i := range objs {
		objs[i] = mustAlloc(t, c)
	}
	grows := c.Stats().Grows

	rng := rand.New(rand.NewSource(2))
	var even []int
	for i := 0; i < len(objs); i += 2 {
		even = append(even, i)
	}
	rng.Shuffle(len(even), func(i, j int) { even[i], even[j] = even[j], even[i] })
	for _, i := range even {
		if err := c.Free(objs[i]); err != nil {
			t.Fatalf("Free(%v): %v", objs[i], err)
		}
	}
	checkCache(t, c)

	for i := 0; i < 500; i++ {
		mustAlloc(t, c)
	}
	st := c.Stats()
	if st.Grows != grows {
		t.Errorf("second burst grew the cache: grows %d -> %d", grows, st.Grows)
	}
	if st.InUse != 1000 {
		t.Errorf("inuse = %d, want 1000", st.InUse)
	}
	checkCache(t, c)
}

func TestAccountingUnderRandomOps(t *testing.T) {
	a := newSlabAllocator(t, 2048)
	caches := []*Cache{
		mustCreate(t, a, "small", 24),
		mustCreate(t, a, "medium", 700),
		mustCreate(t, a, "large", 5000),
	}
	rng := rand.New(rand.NewSource(3))
	live := make([][]hostarch.Addr, len(caches))
	for step := 0; step < 4000; step++ {
		i := rng.Intn(len(caches))
		c := caches[i]
		if len(live[i]) > 0 && rng.Intn(5) < 2 {
			j := rng.Intn(len(live[i]))
			if err := c.Free(live[i][j]); err != nil {
				t.Fatalf("Free: %v", err)
			}
			live[i][j] = live[i][len(live[i])-1]
			live[i] = live[i][:len(live[i])-1]
		} else {
			live[i] = append(live[i], mustAlloc(t, c))
		}
		if step%250 == 0 {
			if err := a.CheckInvariants(); err != nil {
				t.Fatalf("step %d: %v", step, err)
			}
		}
	}
	for i, c := range caches {
		st := c.Stats()
		if st.InUse != uint64(len(live[i])) || st.Allocs-st.Frees != st.InUse {
			t.Errorf("%s: inuse %d allocs %d frees %d, live %d", c.Name(), st.InUse, st.Allocs, st.Frees, len(live[i]))
		}
	}
	if err := a.Pages().CheckInvariants(); err != nil {
		t.Errorf("page allocator: %v", err)
	}
}

func TestColouring(t *testing.T) {
	a := newSlabAllocator(t, 64)
	c := mustCreate(t, a, "coloured", 1000)
	var offsets []uint64
	for i := 0; i < 3*c.ObjectsPerSlab(); i += c.ObjectsPerSlab() {
		first := mustAlloc(t, c)
		offsets = append(offsets, uint64(first)%hostarch.PageSize)
		for j := 1; j < c.ObjectsPerSlab(); j++ {
			mustAlloc(t, c)
		}
	}
	want := []uint64{0, 64, 0}
	for i := range want {
		if offsets[i] != want[i] {
			t.Errorf("slab %d colour offset = %d, want %d", i, offsets[i], want[i])
		}
	}
}

func TestFreeErrors(t *testing.T) {
	a := newSlabAllocator(t, 64)
	c := mustCreate(t, a, "a", 64)
	other := mustCreate(t, a, "b", 64)
	obj := mustAlloc(t, c)
	mustAlloc(t, c)

	if err := other.Free(obj); !errors.Is(err, kerr.EINVAL) {
		t.Errorf("Free to the wrong cache = %v, want EINVAL", err)
	}
	if err := c.Free(obj + 1); !errors.Is(err, kerr.EINVAL) {
		t.Errorf("Free of a misaligned pointer = %v, want EINVAL", err)
	}
	pfn, err := a.Pages().Alloc(0, pgalloc.GFPNormal)
	if err != nil {
		t.Fatalf("Alloc page: %v", err)
	}
	if err := c.Free(pfn.Addr()); !errors.Is(err, kerr.ENOENT) {
		t.Errorf("Free of a non-slab page = %v, want ENOENT", err)
	}
	if err := c.Free(0x1000); !errors.Is(err, kerr.EINVAL) {
		t.Errorf("Free of a user address = %v, want EINVAL", err)
	}
	if err := c.Free(obj); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := c.Free(obj); !errors.Is(err, kerr.EUCLEAN) {
		t.Errorf("double Free = %v, want EUCLEAN", err)
	}
	if c.Contains(obj) {
		t.Errorf("Contains(freed object) = true")
	}
	checkCache(t, c)
}

func TestEmptySlabPolicy(t *testing.T) {
	a := newSlabAllocator(t, 64)
	c := mustCreate(t, a, "obj-128", 128)
	n := c.ObjectsPerSlab()

	first := make([]hostarch.Addr, n)
	for i := range first {
		first[i] = mustAlloc(t, c)
	}
	extra := mustAlloc(t, c)

	// The only other slab is full: keep this one as the spare.
	if err := c.Free(extra); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if st := c.Stats(); st.EmptySlabs != 1 || st.FullSlabs != 1 || st.Shrinks != 0 {
		t.Errorf("after emptying the second slab: %+v", st)
	}

	// With a spare in hand, the first slab is released once empty.
	for _, obj := range first {
		if err := c.Free(obj); err != nil {
			t.Fatalf("Free: %v", err)
		}
	}
	if st := c.Stats(); st.EmptySlabs != 1 || st.PartialSlabs != 0 || st.Shrinks != 1 {
		t.Errorf("after emptying the first slab: %+v", st)
	}
	if pages := c.Shrink(); pages != 1 {
		t.Errorf("Shrink() = %d pages, want 1", pages)
	}
	if got := a.Pages().FreePages(); got != 64 {
		t.Errorf("FreePages after shrink = %d, want 64", got)
	}
	checkCache(t, c)
}

func TestConstructorAndZeroing(t *testing.T) {
	a := newSlabAllocator(t, 64)
	c, err := a.CreateCache("ctor", 48, 16, func(obj []byte) { obj[0] = 0xab })
	if err != nil {
		t.Fatalf("CreateCache: %v", err)
	}
	if c.ObjectSize() != 48 {
		t.Errorf("ObjectSize() = %d, want 48", c.ObjectSize())
	}
	db := a.Pages().DB()
	obj := mustAlloc(t, c)
	if b, _ := db.AddrBytes(obj, 1); b[0] != 0xab {
		t.Errorf("constructed object byte = %#x, want 0xab", b[0])
	}
	if uint64(obj)%16 != 0 {
		t.Errorf("object %v not 16-byte aligned", obj)
	}
	zeroed, err := c.Alloc(true)
	if err != nil {
		t.Fatalf("Alloc(true): %v", err)
	}
	if b, _ := db.AddrBytes(zeroed, 1); b[0] != 0 {
		t.Errorf("zeroed object byte = %#x, want 0", b[0])
	}
}

func TestCreateAndDestroy(t *testing.T) {
	a := newSlabAllocator(t, 64)
	for _, tc := range []struct {
		size, align uint64
	}{
		{0, 0},
		{64, 3},
		{uint64(hostarch.PageSize) << 11, 0},
	} {
		if _, err := a.CreateCache("bad", tc.size, tc.align, nil); !errors.Is(err, kerr.EINVAL) {
			t.Errorf("CreateCache(%d, %d) = %v, want EINVAL", tc.size, tc.align, err)
		}
	}
	c := mustCreate(t, a, "task_struct", 200)
	if _, err := a.CreateCache("task_struct", 200, 0, nil); !errors.Is(err, kerr.EEXIST) {
		t.Errorf("duplicate CreateCache = %v, want EEXIST", err)
	}
	obj := mustAlloc(t, c)
	if got, err := a.CacheOf(obj); err != nil || got != c {
		t.Errorf("CacheOf = %v, %v", got, err)
	}
	if err := c.Destroy(); !errors.Is(err, kerr.EBUSY) {
		t.Errorf("Destroy with live objects = %v, want EBUSY", err)
	}
	if err := a.FreeObject(obj); err != nil {
		t.Fatalf("FreeObject: %v", err)
	}
	if err := c.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if a.Lookup("task_struct") != nil {
		t.Errorf("destroyed cache still registered")
	}
	if _, err := c.Alloc(false); !errors.Is(err, kerr.ENOENT) {
		t.Errorf("Alloc after Destroy = %v, want ENOENT", err)
	}
	if got := a.Pages().FreePages(); got != 64 {
		t.Errorf("FreePages after Destroy = %d, want 64", got)
	}
}

func TestOutOfMemory(t *testing.T) {
	a := newSlabAllocator(t, 4)
	c := mustCreate(t, a, "page", hostarch.PageSize)
	for i := 0; i < 4; i++ {
		mustAlloc(t, c)
	}
	if _, err := c.Alloc(false); !errors.Is(err, kerr.ENOMEM) {
		t.Errorf("Alloc with no pages = %v, want ENOMEM", err)
	}
	checkCache(t, c)
}
