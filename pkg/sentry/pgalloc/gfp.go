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
	"strings"

	"kos.dev/kos/pkg/sentry/page"
)

// GFP are allocation flags.
type GFP uint32

const (
	// GFPNormal allocates from ZoneNormal, falling back to ZoneDMA.
	GFPNormal GFP = 0

	// GFPDMA restricts the allocation to ZoneDMA.
	GFPDMA GFP = 1 << iota

	// GFPHighMem prefers ZoneHighMem, falling back to ZoneNormal then
	// ZoneDMA.
	GFPHighMem

	// GFPZero zeroes the returned pages.
	GFPZero
)

// Zone returns the preferred zone for the flags.
func (g GFP) Zone() page.Zone {
	switch {
	case g&GFPDMA != 0:
		return page.ZoneDMA
	case g&GFPHighMem != 0:
		return page.ZoneHighMem
	default:
		return page.ZoneNormal
	}
}

// fallback returns the zones to try, preferred first. Allocation never moves
// up to a higher zone than requested.
func (g GFP) fallback() []page.Zone {
	switch g.Zone() {
	case page.ZoneDMA:
		return []page.Zone{page.ZoneDMA}
	case page.ZoneHighMem:
		return []page.Zone{page.ZoneHighMem, page.ZoneNormal, page.ZoneDMA}
	default:
		return []page.Zone{page.ZoneNormal, page.ZoneDMA}
	}
}

func (g GFP) String() string {
	var parts []string
	if g&GFPDMA != 0 {
		parts = append(parts, "DMA")
	}
	if g&GFPHighMem != 0 {
		parts = append(parts, "HIGHMEM")
	}
	if g&GFPZero != 0 {
		parts = append(parts, "ZERO")
	}
	if len(parts) == 0 {
		return "GFP_NORMAL"
	}
	return "GFP_" + strings.Join(parts, "|")
}

// ZoneLayout splits physical memory into zones. Frames below DMAEnd are
// ZoneDMA, frames below NormalEnd are ZoneNormal, and the rest are
// ZoneHighMem.
type ZoneLayout struct {
	DMAEnd    page.PFN
	NormalEnd page.PFN
}

// DefaultZoneLayout puts the first 16 MiB in ZoneDMA and everything else in
// ZoneNormal.
var DefaultZoneLayout = ZoneLayout{
	DMAEnd:    4096,
	NormalEnd: page.NoPFN,
}

// ZoneOf returns the zone of pfn.
func (l ZoneLayout) ZoneOf(pfn page.PFN) page.Zone {
	switch {
	case pfn < l.DMAEnd:
		return page.ZoneDMA
	case pfn < l.NormalEnd:
		return page.ZoneNormal
	default:
		return page.ZoneHighMem
	}
}

// zoneEnd returns the first PFN past the zone containing pfn.
func (l ZoneLayout) zoneEnd(pfn page.PFN) page.PFN {
	switch l.ZoneOf(pfn) {
	case page.ZoneDMA:
		return l.DMAEnd
	case page.ZoneNormal:
		return l.NormalEnd
	default:
		return page.NoPFN
	}
}
