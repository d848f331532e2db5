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

package sched

import (
	"kos.dev/kos/pkg/sync/locking"
)

var bandwidthClass = locking.NewMutexClass("sched.rt_bandwidth", locking.RankBandwidth)

// rtBandwidth limits the runtime each CPU may spend on RT tasks per period.
// Exceeding it on any CPU throttles RT on every CPU until the period ends.
//
// CPU clocks are not synchronized; the period boundary moves forward as soon
// as any CPU's clock passes it.
type rtBandwidth struct {
	mu locking.Mutex
	p  *params

	// Fields below are protected by mu.
	periodStart uint64
	consumed    []uint64
	throttled   bool
}

func (b *rtBandwidth) init(ncpu int, p *params) {
	b.mu.Init(bandwidthClass, 0)
	b.p = p
	b.consumed = make([]uint64, ncpu)
}

// Preconditions: b.mu is locked.
func (b *rtBandwidth) refreshLocked(now uint64) {
	period := b.p.rtPeriod()
	if now < b.periodStart+period {
		return
	}
	b.periodStart = now - (now-b.periodStart)%period
	clear(b.consumed)
	b.throttled = false
}

// consume charges delta of RT runtime to cpu. It returns true if this
// throttled RT.
func (b *rtBandwidth) consume(cpu int, now, delta uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked(now)
	runtime := b.p.rtRuntime()
	if runtime < 0 {
		return false
	}
	b.consumed[cpu] += delta
	if b.throttled || b.consumed[cpu] < uint64(runtime) {
		return false
	}
	b.throttled = true
	return true
}

// isThrottled returns true if RT tasks may not run at now.
func (b *rtBandwidth) isThrottled(now uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked(now)
	return b.throttled && b.p.rtRuntime() >= 0
}
