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

	"kos.dev/kos/pkg/cleanup"
	"kos.dev/kos/pkg/hostarch"
	"kos.dev/kos/pkg/sentry/pagetables"
)

// Fork returns a copy of mm. Every VMA is duplicated, and mapped frames are
// shared with the copy: both sides lose write access, so the first write on
// either side to a private page copies it.
func (mm *MemoryManager) Fork() (*MemoryManager, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if err := mm.checkLive(); err != nil {
		return nil, err
	}

	// The copy is not visible to anyone else yet, so its fields are touched
	// without its lock.
	child, err := New(mm.pages, mm.tables, mm.layout)
	if err != nil {
		return nil, fmt.Errorf("fork: %w", err)
	}
	cu := cleanup.Make(child.Release)
	defer cu.Clean()

	get := func(_ hostarch.Addr, e pagetables.Entry) {
		mm.pages.Get(e.PFN())
	}
	for v := mm.head; v != nil; v = v.next {
		child.insertLocked(&vma{
			start: v.start,
			end:   v.end,
			perms: v.perms,
			flags: v.flags,
			pgoff: v.pgoff,
			file:  v.file,
			name:  v.name,
		})
		if _, err := mm.pt.CopyRange(child.pt, v.start, v.end, get); err != nil {
			return nil, fmt.Errorf("fork: copying %v: %w", v, err)
		}
	}
	child.markers = mm.markers

	cu.Release()
	return child, nil
}
