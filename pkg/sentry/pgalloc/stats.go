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

package pgalloc

import (
	"fmt"
	"io"

	"kos.dev/kos/pkg/errors/kerr"
	"kos.dev/kos/pkg/sentry/page"
)

// ZoneStats is a snapshot of one zone.
type ZoneStats struct {
	Zone     page.Zone
	Managed  uint64
	Free     uint64
	NrFree   [NumOrders]uint64
	Min      uint64
	Low      uint64
	High     uint64
	Active   int
	Inactive int
	Allocs   uint64
	Frees    uint64
	Failures uint64
}

// Stats returns a snapshot of every zone, lowest zone first.
func (a *Allocator) Stats() []ZoneStats {
	out := make([]ZoneStats, 0, len(a.zones))
	for _, z := range a.zones {
		z.mu.Lock()
		out = append(out, ZoneStats{
			Zone:     z.id,
			Managed:  z.managedPages,
			Free:     z.freePages,
			NrFree:   z.nrFree,
			Min:      z.pagesMin,
			Low:      z.pagesLow,
			High:     z.pagesHigh,
			Active:   z.active.Len(),
			Inactive: z.inactive.Len(),
			Allocs:   z.allocs,
			Frees:    z.frees,
			Failures: z.failures,
		})
		z.mu.Unlock()
	}
	return out
}

// ZoneStats returns a snapshot of zone id.
func (a *Allocator) ZoneStats(id page.Zone) ZoneStats {
	return a.Stats()[id]
}

// WriteStats prints a /proc/buddyinfo style summary.
func (a *Allocator) WriteStats(w io.Writer) {
	for _, zs := range a.Stats() {
		if zs.Managed == 0 {
			continue
		}
		fmt.Fprintf(w, "zone %-8s managed %6d free %6d min %d low %d high %d active %d inactive %d\n",
			zs.Zone, zs.Managed, zs.Free, zs.Min, zs.Low, zs.High, zs.Active, zs.Inactive)
		fmt.Fprintf(w, "  free_area")
		for _, n := range zs.NrFree {
			fmt.Fprintf(w, " %d", n)
		}
		fmt.Fprintln(w)
	}
}

// CheckInvariants verifies the free lists and page conservation of every
// zone:
//
//   - each free_area[k] has nrFree[k] entries, each a reserved free block
//     head of order k with no references;
//   - the free lists account for exactly freePages;
//   - free plus allocated frames equals the zone's managed frames.
//
// It returns an EUCLEAN error describing the first violation found.
func (a *Allocator) CheckInvariants() error {
	for _, z := range a.zones {
		if err := a.checkZone(z); err != nil {
			return fmt.Errorf("zone %v: %v: %w", z.id, err, kerr.EUCLEAN)
		}
	}
	return nil
}

func (a *Allocator) checkZone(z *zone) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	var listed uint64
	for k := 0; k < NumOrders; k++ {
		var err error
		n := 0
		z.freeArea[k].ForEach(a.db, func(pfn page.PFN) bool {
			n++
			fr := a.db.Frame(pfn)
			switch {
			case int(fr.Order) != k:
				err = fmt.Errorf("%v on free_area[%d] has order %d", pfn, k, fr.Order)
			case fr.State != page.Free || !fr.Has(page.FlagReserved):
				err = fmt.Errorf("%v on free_area[%d] is %v, flags %#x", pfn, k, fr.State, fr.Flags)
			case fr.Refs != 0:
				err = fmt.Errorf("%v on free_area[%d] has %d refs", pfn, k, fr.Refs)
			case fr.Zone != z.id:
				err = fmt.Errorf("%v on free_area[%d] belongs to zone %v", pfn, k, fr.Zone)
			}
			return err == nil
		})
		if err != nil {
			return err
		}
		if uint64(n) != z.nrFree[k] || n != z.freeArea[k].Len() {
			return fmt.Errorf("free_area[%d] has %d entries, nr_free %d, len %d", k, n, z.nrFree[k], z.freeArea[k].Len())
		}
		listed += uint64(n) << k
	}
	if listed != z.freePages {
		return fmt.Errorf("free lists hold %d pages, free_pages %d", listed, z.freePages)
	}

	var free, allocated uint64
	for pfn := page.PFN(0); uint64(pfn) < a.db.Len(); pfn++ {
		fr := a.db.Frame(pfn)
		if fr.Zone != z.id || !a.managed.Contains(uint32(pfn)) || fr.Order == page.NoOrder {
			continue
		}
		size := uint64(1) << fr.Order
		if fr.State == page.Free {
			free += size
		} else {
			allocated += size
		}
		pfn += page.PFN(size) - 1
	}
	if free != z.freePages {
		return fmt.Errorf("free block heads cover %d pages, free_pages %d", free, z.freePages)
	}
	if free+allocated != z.managedPages {
		return fmt.Errorf("free %d + allocated %d != managed %d", free, allocated, z.managedPages)
	}
	return nil
}

// Allocated returns the number of allocated frames in zone id.
func (a *Allocator) Allocated(id page.Zone) uint64 {
	zs := a.ZoneStats(id)
	return zs.Managed - zs.Free
}
