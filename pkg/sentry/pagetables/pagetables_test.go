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
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"kos.dev/kos/pkg/errors/kerr"
	"kos.dev/kos/pkg/hostarch"
	"kos.dev/kos/pkg/sentry/page"
	"kos.dev/kos/pkg/sentry/pgalloc"
	"kos.dev/kos/pkg/sentry/slab"
)

type env struct {
	db    *page.DB
	cache *slab.Cache
}

func newEnv(t *testing.T) env {
	t.Helper()
	const frames = 2048
	db := page.NewDB(frames)
	pages := pgalloc.New(db, pgalloc.ZoneLayout{NormalEnd: page.NoPFN})
	if err := pages.AddMemory(0, frames); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}
	cache, err := NewTableCache(slab.New(pages))
	if err != nil {
		t.Fatalf("NewTableCache: %v", err)
	}
	return env{db: db, cache: cache}
}

func (e env) newPageTables(t *testing.T) *PageTables {
	t.Helper()
	pt, err := New(e.db, e.cache)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return pt
}

var (
	rw = MapOpts{AccessType: hostarch.ReadWrite, User: true}
	ro = MapOpts{AccessType: hostarch.Read, User: true}
)

func mustMap(t *testing.T, pt *PageTables, va hostarch.Addr, pfn page.PFN, opts MapOpts) {
	t.Helper()
	if err := pt.Map(va, pfn, opts); err != nil {
		t.Fatalf("Map(%v, %v): %v", va, pfn, err)
	}
}

func TestTranslateRoundTrip(t *testing.T) {
	e := newEnv(t)
	pt := e.newPageTables(t)
	rng := rand.New(rand.NewSource(10))

	want := make(map[hostarch.Addr]page.PFN)
	for len(want) < 300 {
		// Spread pages across the whole user half, with some clustering.
		va := hostarch.Addr(rng.Int63n(int64(hostarch.UserTop>>hostarch.PageShift))) << hostarch.PageShift
		if rng.Intn(2) == 0 {
			va = 0x400000 + hostarch.Addr(rng.Intn(1024))<<hostarch.PageShift
		}
		pfn := page.PFN(rng.Intn(1 << 20))
		mustMap(t, pt, va, pfn, rw)
		want[va] = pfn
	}
	check := func() {
		t.Helper()
		for va, pfn := range want {
			off := hostarch.Addr(rng.Intn(hostarch.PageSize))
			got, err := pt.Translate(va + off)
			if err != nil || got != pfn.Phys()+uint64(off) {
				t.Fatalf("Translate(%v) = %#x, %v, want %#x", va+off, got, err, pfn.Phys()+uint64(off))
			}
		}
	}
	check()

	i := 0
	for va := range want {
		if i++; i%2 == 0 {
			continue
		}
		if _, ok := pt.Unmap(va); !ok {
			t.Fatalf("Unmap(%v) found nothing", va)
		}
		delete(want, va)
		if _, err := pt.Translate(va); !errors.Is(err, kerr.EFAULT) {
			t.Fatalf("Translate(%v) after Unmap = %v, want EFAULT", va, err)
		}
	}
	check()
	if got := pt.Stats().Leaves; got != len(want) {
		t.Errorf("Leaves = %d, want %d", got, len(want))
	}
}

func TestEmptyTablesFreed(t *testing.T) {
	e := newEnv(t)
	pt := e.newPageTables(t)
	if got := pt.Stats().Tables; got != 1 {
		t.Fatalf("new page tables hold %d tables, want 1", got)
	}
	mustMap(t, pt, 0x10000000, 7, rw)
	mustMap(t, pt, 0x10001000, 8, rw)
	if got := pt.Stats().Tables; got != 4 {
		t.Errorf("two neighbouring pages use %d tables, want 4", got)
	}
	mustMap(t, pt, 0x7f0000000000, 9, rw)
	if got := pt.Stats().Tables; got != 7 {
		t.Errorf("a distant page uses %d tables, want 7", got)
	}

	var freed []page.PFN
	n, err := pt.FreeRange(0x10000000, 0x10002000, func(_ hostarch.Addr, e Entry) { freed = append(freed, e.PFN()) })
	if err != nil || n != 2 {
		t.Fatalf("FreeRange = %d, %v, want 2", n, err)
	}
	if diff := cmp.Diff([]page.PFN{7, 8}, freed); diff != "" {
		t.Errorf("FreeRange callback frames (-want +got):\n%s", diff)
	}
	if got := pt.Stats().Tables; got != 4 {
		t.Errorf("after FreeRange: %d tables, want 4", got)
	}
	if got := e.cache.Stats().InUse; got != 4 {
		t.Errorf("pgtable cache inuse = %d, want 4", got)
	}
}

func TestAddressChecks(t *testing.T) {
	e := newEnv(t)
	pt := e.newPageTables(t)
	for _, tc := range []struct {
		va   hostarch.Addr
		want error
	}{
		{hostarch.UserTop, kerr.EFAULT},
		{hostarch.DirectMapBase, kerr.EFAULT},
		{hostarch.UserTop - hostarch.PageSize, nil},
		{0x1001, kerr.EINVAL},
	} {
		if err := pt.Map(tc.va, 1, rw); !errors.Is(err, tc.want) {
			t.Errorf("Map(%v) = %v, want %v", tc.va, err, tc.want)
		}
	}
	if _, err := pt.Translate(hostarch.DirectMapBase); !errors.Is(err, kerr.EFAULT) {
		t.Errorf("Translate(kernel address) = %v, want EFAULT", err)
	}
}

func TestTLBInvalidation(t *testing.T) {
	e := newEnv(t)
	pt := e.newPageTables(t)
	const base = hostarch.Addr(0x20000000)
	for i := 0; i < 40; i++ {
		mustMap(t, pt, base+hostarch.Addr(i)*hostarch.PageSize, page.PFN(100+i), rw)
	}

	pt.Lookup(base)
	pt.Lookup(base)
	if s := pt.Stats().TLB; s.Hits != 1 || s.Misses != 1 || s.Entries != 1 {
		t.Errorf("after two lookups: %+v", s)
	}

	if _, ok := pt.Unmap(base); !ok {
		t.Fatalf("Unmap found nothing")
	}
	if s := pt.Stats().TLB; s.PageFlushes != 1 || s.Entries != 0 {
		t.Errorf("after Unmap: %+v", s)
	}
	if _, ok := pt.Lookup(base); ok {
		t.Errorf("Lookup after Unmap hit a stale translation")
	}

	// Four pages: invalidated one by one.
	if n, err := pt.UnmapRange(base+hostarch.PageSize, base+5*hostarch.PageSize); err != nil || n != 4 {
		t.Fatalf("UnmapRange = %d, %v", n, err)
	}
	if s := pt.Stats().TLB; s.RangeFlushes != 1 || s.PageFlushes != 5 || s.FullFlushes != 0 {
		t.Errorf("after a small range: %+v", s)
	}

	// More than the threshold: one full flush.
	if n, err := pt.UnmapRange(base+5*hostarch.PageSize, base+40*hostarch.PageSize); err != nil || n != 35 {
		t.Fatalf("UnmapRange = %d, %v", n, err)
	}
	if s := pt.Stats().TLB; s.RangeFlushes != 1 || s.PageFlushes != 5 || s.FullFlushes != 1 {
		t.Errorf("after a large range: %+v", s)
	}

	// Nothing mapped, nothing flushed.
	if n, _ := pt.UnmapRange(base, base+40*hostarch.PageSize); n != 0 {
		t.Errorf("UnmapRange of an empty range removed %d", n)
	}
	if s := pt.Stats().TLB; s.FullFlushes != 1 {
		t.Errorf("empty UnmapRange flushed: %+v", s)
	}
}

func TestRemapInvalidates(t *testing.T) {
	e := newEnv(t)
	pt := e.newPageTables(t)
	mustMap(t, pt, 0x5000, 1, rw)
	if pa, _ := pt.Translate(0x5000); pa != page.PFN(1).Phys() {
		t.Fatalf("Translate = %#x", pa)
	}
	mustMap(t, pt, 0x5000, 2, rw)
	if pa, _ := pt.Translate(0x5000); pa != page.PFN(2).Phys() {
		t.Errorf("Translate after remap = %#x, want %#x", pa, page.PFN(2).Phys())
	}
	if got := pt.Stats().Leaves; got != 1 {
		t.Errorf("Leaves = %d, want 1", got)
	}
}

func TestProtect(t *testing.T) {
	e := newEnv(t)
	pt := e.newPageTables(t)
	mustMap(t, pt, 0x8000, 3, rw)
	pt.Lookup(0x8000)

	if n, err := pt.Protect(0x8000, 0x9000, ro); err != nil || n != 1 {
		t.Fatalf("Protect(ro) = %d, %v", n, err)
	}
	ent, _ := pt.Lookup(0x8000)
	if ent.Writable() {
		t.Errorf("entry still writable after Protect(ro)")
	}
	if s := pt.Stats().TLB; s.PageFlushes != 1 {
		t.Errorf("reducing permissions did not invalidate: %+v", s)
	}

	if _, err := pt.Protect(0x8000, 0x9000, rw); err != nil {
		t.Fatalf("Protect(rw): %v", err)
	}
	if ent, _ := pt.Lookup(0x8000); ent.Writable() {
		t.Errorf("Protect granted write access")
	}
	if s := pt.Stats().TLB; s.PageFlushes != 1 {
		t.Errorf("raising permissions invalidated: %+v", s)
	}
	if err := pt.SetWritable(0x8000); err != nil {
		t.Fatalf("SetWritable: %v", err)
	}
	if ent, _ := pt.Lookup(0x8000); !ent.Writable() || ent.PFN() != 3 {
		t.Errorf("after SetWritable: %v", ent)
	}
	if !pt.MarkAccessed(0x8000, true) {
		t.Fatalf("MarkAccessed found nothing")
	}
	if ent, _ := pt.Lookup(0x8000); !ent.Accessed() || !ent.Dirty() {
		t.Errorf("after MarkAccessed: %v", ent)
	}
}

func TestCopyRange(t *testing.T) {
	e := newEnv(t)
	parent := e.newPageTables(t)
	mustMap(t, parent, 0x1000, 10, rw)
	mustMap(t, parent, 0x2000, 11, rw)
	mustMap(t, parent, 0x200000, 12, rw)
	mustMap(t, parent, 0x3000, 13, ro)
	child := e.newPageTables(t)

	var refs []page.PFN
	n, err := parent.CopyRange(child, 0, 0x400000, func(_ hostarch.Addr, e Entry) { refs = append(refs, e.PFN()) })
	if err != nil || n != 4 {
		t.Fatalf("CopyRange = %d, %v, want 4", n, err)
	}
	if diff := cmp.Diff([]page.PFN{10, 11, 13, 12}, refs); diff != "" {
		t.Errorf("copied frames (-want +got):\n%s", diff)
	}
	for _, va := range []hostarch.Addr{0x1000, 0x2000, 0x3000, 0x200000} {
		pe, _ := parent.Lookup(va)
		ce, ok := child.Lookup(va)
		if !ok || pe != ce {
			t.Errorf("%v: parent %v child %v", va, pe, ce)
		}
		if pe.Writable() {
			t.Errorf("%v still writable after CopyRange", va)
		}
	}
	if _, err := child.CopyRange(parent, 0, 0x1000, nil); !errors.Is(err, kerr.EINVAL) {
		t.Errorf("CopyRange into older tables = %v, want EINVAL", err)
	}
}

func TestWalkVisitsEveryLevel(t *testing.T) {
	e := newEnv(t)
	pt := e.newPageTables(t)
	mustMap(t, pt, 0x1000, 1, rw)
	mustMap(t, pt, 0x7f0000000000, 2, ro)

	counts := make(map[Level]int)
	var leaves []hostarch.Addr
	if err := pt.Walk(0, hostarch.UserTop, func(level Level, va hostarch.Addr, e Entry) bool {
		counts[level]++
		if level == PTE {
			leaves = append(leaves, va)
		}
		return true
	}); err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if diff := cmp.Diff(map[Level]int{PGD: 2, PUD: 2, PMD: 2, PTE: 2}, counts); diff != "" {
		t.Errorf("entries per level (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]hostarch.Addr{0x1000, 0x7f0000000000}, leaves); diff != "" {
		t.Errorf("leaves (-want +got):\n%s", diff)
	}
}

func TestRelease(t *testing.T) {
	e := newEnv(t)
	pt := e.newPageTables(t)
	for i := 0; i < 10; i++ {
		mustMap(t, pt, hostarch.Addr(i)<<30, page.PFN(i), rw)
	}
	var released int
	if err := pt.Release(func(hostarch.Addr, Entry) { released++ }); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released != 10 {
		t.Errorf("Release visited %d entries, want 10", released)
	}
	if got := e.cache.Stats().InUse; got != 0 {
		t.Errorf("pgtable cache inuse after Release = %d, want 0", got)
	}
	if err := pt.Map(0x1000, 1, rw); !errors.Is(err, kerr.EINVAL) {
		t.Errorf("Map after Release = %v, want EINVAL", err)
	}
}

func TestEntryOpts(t *testing.T) {
	for _, opts := range []MapOpts{
		rw,
		ro,
		{AccessType: hostarch.AnyAccess, User: true, Global: true},
		{AccessType: hostarch.Read},
	} {
		e := MakeEntry(42, opts)
		if got := e.Opts(); got != opts {
			t.Errorf("MakeEntry(42, %+v).Opts() = %+v", opts, got)
		}
		if e.PFN() != 42 || !e.Valid() {
			t.Errorf("MakeEntry(42, %+v) = %v", opts, e)
		}
	}
}
