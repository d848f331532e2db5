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

	"kos.dev/kos/pkg/errors/kerr"
	"kos.dev/kos/pkg/hostarch"
	"kos.dev/kos/pkg/sentry/pagetables"
)

// Names of special VMAs.
const (
	HeapName  = "[heap]"
	StackName = "[stack]"
)

// MMapOpts are the arguments of MMap.
type MMapOpts struct {
	// Addr is the hint, or the exact address if Flags contains MapFixed.
	Addr hostarch.Addr

	// Length is rounded up to a page multiple.
	Length uint64

	Perms hostarch.AccessType
	Flags MapFlags

	// Offset is the byte offset into File. It must be page aligned.
	Offset uint64

	// File is the backing object. It must be nil iff Flags contains
	// MapAnonymous.
	File *File

	// Name, if set, is shown in place of the file name.
	Name string
}

// MMap establishes a mapping and returns its address. Pages are not
// allocated until they are touched.
func (mm *MemoryManager) MMap(opts MMapOpts) (hostarch.Addr, error) {
	if opts.Length == 0 {
		return 0, fmt.Errorf("mmap: zero length: %w", kerr.EINVAL)
	}
	length, ok := hostarch.PageRoundUp(opts.Length)
	if !ok || length > uint64(hostarch.UserTop) {
		return 0, fmt.Errorf("mmap: length %#x: %w", opts.Length, kerr.ENOMEM)
	}
	if (opts.Flags&MapShared != 0) == (opts.Flags&MapPrivate != 0) {
		return 0, fmt.Errorf("mmap: flags %v: %w", opts.Flags, kerr.EINVAL)
	}
	if (opts.Flags&MapAnonymous != 0) == (opts.File != nil) {
		return 0, fmt.Errorf("mmap: flags %v with file %v: %w", opts.Flags, opts.File, kerr.EINVAL)
	}
	if opts.Offset%hostarch.PageSize != 0 {
		return 0, fmt.Errorf("mmap: offset %#x: %w", opts.Offset, kerr.EINVAL)
	}
	if opts.Flags&MapFixed != 0 && !opts.Addr.IsPageAligned() {
		return 0, fmt.Errorf("mmap: fixed address %v: %w", opts.Addr, kerr.EINVAL)
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if err := mm.checkLive(); err != nil {
		return 0, err
	}
	addr, err := mm.placeLocked(opts.Addr, length, opts.Flags&MapFixed != 0)
	if err != nil {
		return 0, err
	}
	mm.insertLocked(&vma{
		start: addr,
		end:   addr + hostarch.Addr(length),
		perms: opts.Perms,
		flags: opts.Flags &^ MapFixed,
		pgoff: opts.Offset >> hostarch.PageShift,
		file:  opts.File,
		name:  opts.Name,
	})
	return addr, nil
}

// placeLocked picks the address of a new mapping of length bytes.
//
// Preconditions: mm.mu is locked. length is a non-zero page multiple.
func (mm *MemoryManager) placeLocked(hint hostarch.Addr, length uint64, fixed bool) (hostarch.Addr, error) {
	if fixed {
		end, ok := hint.AddLength(length)
		if !ok || hint < mm.layout.MinAddr || end > hostarch.UserTop {
			return 0, fmt.Errorf("mmap: fixed range %v+%#x out of bounds: %w", hint, length, kerr.ENOMEM)
		}
		if mm.intersectsLocked(hint, end) {
			return 0, fmt.Errorf("mmap: fixed range [%v, %v): %w", hint, end, kerr.EEXIST)
		}
		return hint, nil
	}

	hint = hint.RoundDown()
	if hint == 0 {
		hint = mm.layout.MmapBase
	} else if hint < mm.layout.MinAddr {
		hint = mm.layout.MinAddr
	}
	// The hint is advisory. Without room above it, fall back to the
	// default search from MmapBase, then to the whole user range.
	for _, from := range []hostarch.Addr{hint, mm.layout.MmapBase, mm.layout.MinAddr} {
		if addr, ok := mm.findAvailableLocked(from, length); ok {
			return addr, nil
		}
	}
	return 0, fmt.Errorf("mmap: no room for %#x bytes: %w", length, kerr.ENOMEM)
}

// findAvailableLocked returns the lowest address at or above from where
// length bytes fit below the stack region.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) findAvailableLocked(from hostarch.Addr, length uint64) (hostarch.Addr, bool) {
	limit := mm.layout.stackLimit()
	size := hostarch.Addr(length)
	addr := from
	for v := mm.lowerBoundLocked(from); v != nil && addr < limit; v = v.next {
		if v.start >= addr+size {
			break
		}
		if v.end > addr {
			addr = v.end
		}
	}
	if addr >= limit || size > limit-addr {
		return 0, false
	}
	return addr, true
}

// MUnmap removes the mappings in [addr, addr+length). VMAs that straddle
// either end are split. Backing frames are released and page tables left
// empty are freed.
func (mm *MemoryManager) MUnmap(addr hostarch.Addr, length uint64) error {
	if !addr.IsPageAligned() {
		return fmt.Errorf("munmap: address %v: %w", addr, kerr.EINVAL)
	}
	if length == 0 {
		return fmt.Errorf("munmap: zero length: %w", kerr.EINVAL)
	}
	la, ok := hostarch.PageRoundUp(length)
	if !ok {
		return fmt.Errorf("munmap: length %#x: %w", length, kerr.EINVAL)
	}
	ar, ok := addr.ToRange(la)
	if !ok || ar.End > hostarch.UserTop {
		return fmt.Errorf("munmap: range %v+%#x: %w", addr, length, kerr.EINVAL)
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if err := mm.checkLive(); err != nil {
		return err
	}
	return mm.unmapLocked(ar.Start, ar.End)
}

// Preconditions: mm.mu is locked. start and end are page aligned.
func (mm *MemoryManager) unmapLocked(start, end hostarch.Addr) error {
	v := mm.isolateLocked(start, end)
	if v == nil {
		return nil
	}
	for v != nil && v.start < end {
		v = mm.removeLocked(v)
	}
	_, err := mm.pt.FreeRange(start, end, mm.putPage)
	return err
}

// MProtect changes the permissions of [addr, addr+length), which must be
// entirely mapped. VMAs are split at the boundaries. Mappings that lose
// permissions are downgraded and invalidated in the TLB; write access is
// restored lazily by write faults.
func (mm *MemoryManager) MProtect(addr hostarch.Addr, length uint64, perms hostarch.AccessType) error {
	if !addr.IsPageAligned() {
		return fmt.Errorf("mprotect: address %v: %w", addr, kerr.EINVAL)
	}
	la, ok := hostarch.PageRoundUp(length)
	if !ok {
		return fmt.Errorf("mprotect: length %#x: %w", length, kerr.ENOMEM)
	}
	ar, ok := addr.ToRange(la)
	if !ok || ar.End > hostarch.UserTop {
		return fmt.Errorf("mprotect: range %v+%#x: %w", addr, length, kerr.ENOMEM)
	}
	if ar.Length() == 0 {
		return nil
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if err := mm.checkLive(); err != nil {
		return err
	}

	// The whole range must be mapped before anything changes.
	cur := ar.Start
	for v := mm.findLocked(ar.Start); cur < ar.End; v = v.next {
		if v == nil || v.start > cur {
			return fmt.Errorf("mprotect: %v not mapped: %w", cur, kerr.ENOMEM)
		}
		cur = v.end
	}

	for v := mm.isolateLocked(ar.Start, ar.End); v != nil && v.start < ar.End; v = v.next {
		v.perms = perms
	}
	_, err := mm.pt.Protect(ar.Start, ar.End, pagetables.MapOpts{AccessType: perms, User: true})
	return err
}

// BrkSetup sets the program break to addr, which also becomes the lowest
// address the break may be moved to.
func (mm *MemoryManager) BrkSetup(addr hostarch.Addr) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.markers.StartBrk = addr
	mm.markers.Brk = addr
}

// Brk moves the program break to addr and returns the new break. If addr is
// zero or below the start of the heap, the current break is returned.
// Growth maps the pages between the old and the new page-rounded break at a
// fixed address, extending the heap VMA; shrinking unmaps them.
func (mm *MemoryManager) Brk(addr hostarch.Addr) (hostarch.Addr, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if err := mm.checkLive(); err != nil {
		return 0, err
	}
	if addr == 0 || addr < mm.markers.StartBrk {
		return mm.markers.Brk, nil
	}
	if mm.markers.StartBrk == 0 {
		return 0, fmt.Errorf("brk %v: no heap: %w", addr, kerr.ENOMEM)
	}

	oldbrkpg, _ := mm.markers.Brk.RoundUp()
	newbrkpg, ok := addr.RoundUp()
	if !ok || newbrkpg > mm.layout.stackLimit() {
		return mm.markers.Brk, fmt.Errorf("brk %v: %w", addr, kerr.ENOMEM)
	}

	switch {
	case newbrkpg < oldbrkpg:
		if err := mm.unmapLocked(newbrkpg, oldbrkpg); err != nil {
			return mm.markers.Brk, err
		}
	case newbrkpg > oldbrkpg:
		if mm.intersectsLocked(oldbrkpg, newbrkpg) {
			return mm.markers.Brk, fmt.Errorf("brk %v: [%v, %v): %w", addr, oldbrkpg, newbrkpg, kerr.EEXIST)
		}
		if heap := mm.findLocked(oldbrkpg - 1); heap != nil && heap.name == HeapName && heap.end == oldbrkpg {
			mm.totalVM += uint64(newbrkpg-oldbrkpg) >> hostarch.PageShift
			heap.end = newbrkpg
		} else {
			mm.insertLocked(&vma{
				start: oldbrkpg,
				end:   newbrkpg,
				perms: hostarch.ReadWrite,
				flags: MapPrivate | MapAnonymous,
				name:  HeapName,
			})
		}
	}
	mm.markers.Brk = addr
	return addr, nil
}

// MapStack creates the stack VMA of size bytes ending at the layout's
// StackTop, and returns its range.
func (mm *MemoryManager) MapStack(size uint64) (hostarch.AddrRange, error) {
	sz, ok := hostarch.PageRoundUp(size)
	if !ok || sz == 0 || sz > mm.layout.MaxStack {
		return hostarch.AddrRange{}, fmt.Errorf("stack size %#x: %w", size, kerr.EINVAL)
	}
	ar := hostarch.AddrRange{Start: mm.layout.StackTop - hostarch.Addr(sz), End: mm.layout.StackTop}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if err := mm.checkLive(); err != nil {
		return hostarch.AddrRange{}, err
	}
	if mm.intersectsLocked(ar.Start, ar.End) {
		return hostarch.AddrRange{}, fmt.Errorf("stack %v: %w", ar, kerr.EEXIST)
	}
	mm.insertLocked(&vma{
		start: ar.Start,
		end:   ar.End,
		perms: hostarch.ReadWrite,
		flags: MapPrivate | MapAnonymous,
		name:  StackName,
	})
	mm.markers.StartStack = ar.End
	return ar, nil
}
