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
	"kos.dev/kos/pkg/log"
	"kos.dev/kos/pkg/metric"
	"kos.dev/kos/pkg/sentry/page"
	"kos.dev/kos/pkg/sentry/pagetables"
	"kos.dev/kos/pkg/sentry/pgalloc"
)

var (
	faultsMetric    = metric.MustCreateNewUint64Metric("/mm/page_faults", "Number of page faults by outcome.", metric.NewField("outcome", "mapped", "cow", "reuse", "spurious", "segv", "oom"))
	cowCopiesMetric = metric.MustCreateNewUint64Metric("/mm/cow_copies", "Number of pages copied to break copy-on-write sharing.")
)

// userGFP are the allocation flags of user pages.
const userGFP = pgalloc.GFPHighMem | pgalloc.GFPZero

// HandleFault resolves a fault at addr for an access of type at. It fails
// with EFAULT if no VMA contains addr, EACCES if the VMA does not permit
// the access, and ENOMEM if no frame is available. The caller retries the
// access on success.
func (mm *MemoryManager) HandleFault(addr hostarch.Addr, at hostarch.AccessType) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if err := mm.checkLive(); err != nil {
		return err
	}
	v := mm.findLocked(addr)
	if v == nil {
		faultsMetric.Increment("segv")
		return fmt.Errorf("fault at %v: no mapping: %w", addr, kerr.EFAULT)
	}
	if !v.perms.SupersetOf(at) {
		faultsMetric.Increment("segv")
		return fmt.Errorf("fault at %v: %v access to %v mapping %v: %w", addr, at, v.perms, v, kerr.EACCES)
	}

	va := addr.RoundDown()
	if e, ok := mm.pt.Lookup(va); ok {
		if at.Write && !e.Writable() {
			return mm.breakCOWLocked(v, va, e)
		}
		mm.pt.MarkAccessed(va, at.Write)
		mm.pages.MarkAccessed(e.PFN())
		faultsMetric.Increment("spurious")
		return nil
	}

	pfn, err := mm.pages.Alloc(0, userGFP)
	if err != nil {
		faultsMetric.Increment("oom")
		return fmt.Errorf("fault at %v: %w", addr, err)
	}
	if err := mm.mapPageLocked(v, va, pfn, at); err != nil {
		if ferr := mm.pages.Free(pfn, 0); ferr != nil {
			log.Warningf("mm: releasing frame %v after failed fault at %v: %v", pfn, va, ferr)
		}
		return err
	}
	mm.faults++
	faultsMetric.Increment("mapped")
	return nil
}

// mapPageLocked installs pfn at va with v's permissions.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) mapPageLocked(v *vma, va hostarch.Addr, pfn page.PFN, at hostarch.AccessType) error {
	opts := pagetables.MapOpts{AccessType: v.perms, User: true}
	if err := mm.pt.Map(va, pfn, opts); err != nil {
		return fmt.Errorf("fault at %v: %w", va, err)
	}
	mm.pages.MarkMapped(pfn)
	mm.pt.MarkAccessed(va, at.Write)
	return nil
}

// breakCOWLocked handles a write to a present read-only page in a writable
// VMA. A private page that is still shared is copied; otherwise write access
// is simply restored.
//
// Preconditions: mm.mu is locked. v permits writes.
func (mm *MemoryManager) breakCOWLocked(v *vma, va hostarch.Addr, e pagetables.Entry) error {
	old := e.PFN()
	if v.shared() || mm.pages.Refs(old) == 1 {
		if err := mm.pt.SetWritable(va); err != nil {
			return fmt.Errorf("fault at %v: %w", va, err)
		}
		mm.pt.MarkAccessed(va, true)
		mm.faults++
		faultsMetric.Increment("reuse")
		return nil
	}

	pfn, err := mm.pages.Alloc(0, userGFP&^pgalloc.GFPZero)
	if err != nil {
		faultsMetric.Increment("oom")
		return fmt.Errorf("copy-on-write at %v: %w", va, err)
	}
	mm.db.CopyFrame(pfn, old)
	if err := mm.mapPageLocked(v, va, pfn, hostarch.Write); err != nil {
		if ferr := mm.pages.Free(pfn, 0); ferr != nil {
			log.Warningf("mm: releasing copy %v after failed copy-on-write at %v: %v", pfn, va, ferr)
		}
		return err
	}
	if err := mm.pages.Free(old, 0); err != nil {
		log.Warningf("mm: dropping shared frame %v at %v: %v", old, va, err)
	}
	mm.faults++
	mm.cowFaults++
	faultsMetric.Increment("cow")
	cowCopiesMetric.Increment()
	return nil
}
