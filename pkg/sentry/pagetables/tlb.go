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
	"kos.dev/kos/pkg/hostarch"
	"kos.dev/kos/pkg/metric"
)

var flushesMetric = metric.MustCreateNewUint64Metric("/tlb/flushes", "Number of TLB invalidations by kind.", metric.NewField("kind", "page", "range", "full"))

// tlbEntries is the capacity of the simulated TLB.
const tlbEntries = 64

// TLBStats counts TLB activity.
type TLBStats struct {
	Entries      int
	Hits         uint64
	Misses       uint64
	PageFlushes  uint64
	RangeFlushes uint64
	FullFlushes  uint64
}

// tlb caches leaf entries by virtual page number. It is protected by the
// owning PageTables' mutex.
type tlb struct {
	entries map[uint64]Entry
	stats   TLBStats
}

func (t *tlb) init() {
	t.entries = make(map[uint64]Entry, tlbEntries)
}

func (t *tlb) lookup(va hostarch.Addr) (Entry, bool) {
	e, ok := t.entries[va.PageNumber()]
	if ok {
		t.stats.Hits++
	} else {
		t.stats.Misses++
	}
	return e, ok
}

func (t *tlb) fill(va hostarch.Addr, e Entry) {
	if len(t.entries) >= tlbEntries {
		// Evict an arbitrary entry.
		for vpn := range t.entries {
			delete(t.entries, vpn)
			break
		}
	}
	t.entries[va.PageNumber()] = e
}

// update replaces a cached translation, if there is one.
func (t *tlb) update(va hostarch.Addr, e Entry) {
	if _, ok := t.entries[va.PageNumber()]; ok {
		t.entries[va.PageNumber()] = e
	}
}

// invalidate drops the translation of one page.
func (t *tlb) invalidate(va hostarch.Addr) {
	delete(t.entries, va.PageNumber())
	t.stats.PageFlushes++
	flushesMetric.Increment("page")
}

// invalidateRange drops the translations of [start, end). Small ranges are
// invalidated page by page; larger ones flush everything.
func (t *tlb) invalidateRange(start, end hostarch.Addr) {
	if end <= start {
		return
	}
	if (end-start)>>hostarch.PageShift > RangeFlushThreshold {
		t.flush()
		return
	}
	t.stats.RangeFlushes++
	flushesMetric.Increment("range")
	for va := start; va < end; va += hostarch.PageSize {
		t.invalidate(va)
	}
}

func (t *tlb) flush() {
	clear(t.entries)
	t.stats.FullFlushes++
	flushesMetric.Increment("full")
}
