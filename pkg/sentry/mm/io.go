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
	"errors"
	"fmt"

	"kos.dev/kos/pkg/errors/kerr"
	"kos.dev/kos/pkg/hostarch"
)

// CopyOut copies src to the address space at addr, faulting pages in as
// needed. It returns the number of bytes copied.
func (mm *MemoryManager) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	return mm.withPages(addr, len(src), hostarch.Write, func(b []byte, done int) {
		copy(b, src[done:])
	})
}

// CopyIn copies from the address space at addr into dst, faulting pages in
// as needed. It returns the number of bytes copied.
func (mm *MemoryManager) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	return mm.withPages(addr, len(dst), hostarch.Read, func(b []byte, done int) {
		copy(dst[done:], b)
	})
}

// ZeroOut zeroes n bytes at addr.
func (mm *MemoryManager) ZeroOut(addr hostarch.Addr, n int) (int, error) {
	return mm.withPages(addr, n, hostarch.Write, func(b []byte, _ int) {
		clear(b)
	})
}

// withPages calls fn with the backing memory of each page-bounded piece of
// [addr, addr+n), in order. Accesses the VMA does not permit fail with
// EFAULT, as a user copy would.
func (mm *MemoryManager) withPages(addr hostarch.Addr, n int, at hostarch.AccessType, fn func(b []byte, done int)) (int, error) {
	if _, ok := addr.AddLength(uint64(n)); !ok {
		return 0, fmt.Errorf("copy at %v+%d: %w", addr, n, kerr.EFAULT)
	}
	done := 0
	for done < n {
		va := addr + hostarch.Addr(done)
		k := min(n-done, int(hostarch.PageSize-va.PageOffset()))
		if err := mm.withPage(va, k, at, func(b []byte) { fn(b, done) }); err != nil {
			return done, err
		}
		done += k
	}
	return done, nil
}

// withPage calls fn with the k bytes at va, which do not cross a page
// boundary. A missing or read-only translation is faulted once.
func (mm *MemoryManager) withPage(va hostarch.Addr, k int, at hostarch.AccessType, fn func(b []byte)) error {
	for faulted := false; ; faulted = true {
		ok, err := mm.tryPage(va, k, at, fn)
		if err != nil || ok {
			return err
		}
		if faulted {
			return fmt.Errorf("copy at %v: still not mapped after fault: %w", va, kerr.EFAULT)
		}
		if err := mm.HandleFault(va, at); err != nil {
			if errors.Is(err, kerr.ENOMEM) {
				return err
			}
			return fmt.Errorf("copy at %v: %v: %w", va, err, kerr.EFAULT)
		}
	}
}

// tryPage is withPage without faulting. It returns false if va has no
// suitable translation.
func (mm *MemoryManager) tryPage(va hostarch.Addr, k int, at hostarch.AccessType, fn func(b []byte)) (bool, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if err := mm.checkLive(); err != nil {
		return false, err
	}
	v := mm.findLocked(va)
	if v == nil || !v.perms.SupersetOf(at) {
		return false, fmt.Errorf("copy at %v: %w", va, kerr.EFAULT)
	}
	e, ok := mm.pt.Lookup(va)
	if !ok || (at.Write && !e.Writable()) {
		return false, nil
	}
	b, ok := mm.db.PhysBytes(e.PFN().Phys()+va.PageOffset(), uint64(k))
	if !ok {
		return false, fmt.Errorf("copy at %v: frame %v not backed: %w", va, e.PFN(), kerr.EFAULT)
	}
	mm.pt.MarkAccessed(va, at.Write)
	fn(b)
	return true, nil
}
