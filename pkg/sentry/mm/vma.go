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

package mm

import (
	"fmt"
	"strings"

	"kos.dev/kos/pkg/hostarch"
)

// MapFlags are mmap flags.
type MapFlags uint32

// Mapping flags. Exactly one of MapShared and MapPrivate must be given.
const (
	MapShared MapFlags = 1 << iota
	MapPrivate
	MapFixed
	MapAnonymous
)

// String implements fmt.Stringer.
func (f MapFlags) String() string {
	var parts []string
	for _, fl := range []struct {
		bit  MapFlags
		name string
	}{
		{MapShared, "MAP_SHARED"},
		{MapPrivate, "MAP_PRIVATE"},
		{MapFixed, "MAP_FIXED"},
		{MapAnonymous, "MAP_ANONYMOUS"},
	} {
		if f&fl.bit != 0 {
			parts = append(parts, fl.name)
		}
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// File is the backing object of a file mapping. Its contents are supplied
// by an external pager; mappings of it fault in zero-filled pages.
type File struct {
	Name string
	Dev  uint64
	Ino  uint64
}

// vma is a virtual memory area.
type vma struct {
	start hostarch.Addr
	end   hostarch.Addr
	perms hostarch.AccessType
	flags MapFlags

	// pgoff is the offset into file, in pages, at start.
	pgoff uint64
	file  *File
	name  string

	// prev and next link VMAs in address order.
	prev *vma
	next *vma
}

func vmaLess(a, b *vma) bool {
	return a.start < b.start
}

func (v *vma) String() string {
	if v == nil {
		return "<nil>"
	}
	return fmt.Sprintf("[%#x, %#x)", v.start, v.end)
}

func (v *vma) pages() uint64 {
	return uint64(v.end-v.start) >> hostarch.PageShift
}

func (v *vma) shared() bool {
	return v.flags&MapShared != 0
}

// VMA is a snapshot of a virtual memory area.
type VMA struct {
	Start  hostarch.Addr
	End    hostarch.Addr
	Perms  hostarch.AccessType
	Flags  MapFlags
	Offset uint64
	File   *File
	Name   string
}

// Range returns the VMA's address range.
func (v VMA) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: v.Start, End: v.End}
}

func (v *vma) snapshot() VMA {
	return VMA{
		Start:  v.start,
		End:    v.end,
		Perms:  v.perms,
		Flags:  v.flags,
		Offset: v.pgoff << hostarch.PageShift,
		File:   v.file,
		Name:   v.name,
	}
}

// findLocked returns the VMA containing addr, or nil.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) findLocked(addr hostarch.Addr) *vma {
	var found *vma
	mm.vmas.DescendLessOrEqual(&vma{start: addr}, func(v *vma) bool {
		found = v
		return false
	})
	if found == nil || found.end <= addr {
		return nil
	}
	return found
}

// lowerBoundLocked returns the first VMA that ends after addr, or nil.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) lowerBoundLocked(addr hostarch.Addr) *vma {
	if v := mm.findLocked(addr); v != nil {
		return v
	}
	var found *vma
	mm.vmas.AscendGreaterOrEqual(&vma{start: addr}, func(v *vma) bool {
		found = v
		return false
	})
	return found
}

// intersectsLocked returns true if any VMA overlaps [start, end).
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) intersectsLocked(start, end hostarch.Addr) bool {
	v := mm.lowerBoundLocked(start)
	return v != nil && v.start < end
}

// insertLocked links v into the index and the list, and accounts its pages.
//
// Preconditions: mm.mu is locked. v does not overlap any VMA.
func (mm *MemoryManager) insertLocked(v *vma) {
	var prev *vma
	mm.vmas.DescendLessOrEqual(v, func(p *vma) bool {
		prev = p
		return false
	})
	if old, ok := mm.vmas.ReplaceOrInsert(v); ok {
		panic(fmt.Sprintf("vma %v replaced %v", v, old))
	}
	v.prev = prev
	if prev == nil {
		v.next = mm.head
		mm.head = v
	} else {
		v.next = prev.next
		prev.next = v
	}
	if v.next == nil {
		mm.tail = v
	} else {
		v.next.prev = v
	}
	mm.totalVM += v.pages()
}

// removeLocked unlinks v and returns the next VMA.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) removeLocked(v *vma) *vma {
	if _, ok := mm.vmas.Delete(v); !ok {
		panic(fmt.Sprintf("vma %v not in index", v))
	}
	next := v.next
	if v.prev == nil {
		mm.head = next
	} else {
		v.prev.next = next
	}
	if next == nil {
		mm.tail = v.prev
	} else {
		next.prev = v.prev
	}
	v.prev, v.next = nil, nil
	mm.totalVM -= v.pages()
	return next
}

// splitLocked splits v at addr, which must lie strictly inside it. v keeps
// [v.start, addr) and the returned VMA covers [addr, v.end).
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) splitLocked(v *vma, addr hostarch.Addr) *vma {
	if addr <= v.start || addr >= v.end || !addr.IsPageAligned() {
		panic(fmt.Sprintf("split of %v at %v", v, addr))
	}
	right := &vma{
		start: addr,
		end:   v.end,
		perms: v.perms,
		flags: v.flags,
		pgoff: v.pgoff + uint64(addr-v.start)>>hostarch.PageShift,
		file:  v.file,
		name:  v.name,
	}
	mm.totalVM -= right.pages()
	v.end = addr
	mm.insertLocked(right)
	return right
}

// isolateLocked splits the VMAs straddling start or end so that every VMA
// overlapping [start, end) lies within it. It returns the first such VMA,
// or nil.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) isolateLocked(start, end hostarch.Addr) *vma {
	v := mm.lowerBoundLocked(start)
	if v == nil || v.start >= end {
		return nil
	}
	if v.start < start {
		v = mm.splitLocked(v, start)
	}
	if last := mm.findLocked(end - 1); last != nil && last.end > end {
		mm.splitLocked(last, end)
	}
	return v
}

// Find returns the VMA containing addr.
func (mm *MemoryManager) Find(addr hostarch.Addr) (VMA, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if v := mm.findLocked(addr); v != nil {
		return v.snapshot(), true
	}
	return VMA{}, false
}

// Intersects returns true if any VMA overlaps [start, end).
func (mm *MemoryManager) Intersects(start, end hostarch.Addr) bool {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return start < end && mm.intersectsLocked(start, end)
}

// VMAs returns every VMA in address order.
func (mm *MemoryManager) VMAs() []VMA {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	vmas := make([]VMA, 0, mm.vmas.Len())
	for v := mm.head; v != nil; v = v.next {
		vmas = append(vmas, v.snapshot())
	}
	return vmas
}
