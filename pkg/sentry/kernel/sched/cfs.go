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
	"github.com/google/btree"
	"kos.dev/kos/pkg/sentry/kernel/tunable"
	"kos.dev/kos/pkg/sync/locking"
)

var subQueueClass = locking.NewMutexClass("sched.subqueue", locking.RankSubQueue)

// timelineDegree is the degree of the CFS timeline.
const timelineDegree = 16

// enqueueFlags select vruntime placement.
type enqueueFlags int

const (
	// enqueueWakeup places a task that was asleep.
	enqueueWakeup enqueueFlags = 1 << iota

	// enqueueNew places a task that has never run.
	enqueueNew

	// enqueueMigrated rebases vruntime from the queue the task left.
	enqueueMigrated
)

// entityLess orders the timeline by vruntime. PIDs break ties so that every
// queued task has a distinct key.
func entityLess(a, b *Task) bool {
	if a.se.vruntime != b.se.vruntime {
		return a.se.vruntime < b.se.vruntime
	}
	return a.PID < b.PID
}

// cfsBandwidth limits the runtime a CFS queue may consume per period.
type cfsBandwidth struct {
	periodStart uint64
	consumed    uint64
	throttled   bool

	// parked holds the tasks removed from the timeline while throttled.
	parked []*Task
}

// cfsRQ is the CFS part of a runqueue.
type cfsRQ struct {
	mu locking.Mutex
	p  *params

	// Fields below are protected by mu.

	// timeline holds the queued tasks. The current task is not in it.
	timeline *btree.BTreeG[*Task]
	leftmost *Task
	curr     *Task

	minVruntime uint64

	// nr and load count the queued tasks and the current task.
	nr   int
	load uint64

	bw cfsBandwidth
}

func (c *cfsRQ) init(cpu int, p *params) {
	c.mu.Init(subQueueClass, 2*cpu)
	c.p = p
	c.timeline = btree.NewG(timelineDegree, entityLess)
}

// Preconditions: c.mu is locked.
func (c *cfsRQ) insertLocked(t *Task) {
	if _, ok := c.timeline.ReplaceOrInsert(t); ok {
		panic("task already on the CFS timeline")
	}
	if c.leftmost == nil || entityLess(t, c.leftmost) {
		c.leftmost = t
	}
}

// Preconditions: c.mu is locked.
func (c *cfsRQ) eraseLocked(t *Task) {
	if _, ok := c.timeline.Delete(t); !ok {
		panic("task not on the CFS timeline")
	}
	if c.leftmost == t {
		c.leftmost, _ = c.timeline.Min()
	}
}

// updateMinLocked advances min_vruntime toward the leftmost task, or toward
// the current task when the timeline is empty. It never decreases.
//
// Preconditions: c.mu is locked.
func (c *cfsRQ) updateMinLocked() {
	switch {
	case c.leftmost != nil:
		c.minVruntime = max(c.minVruntime, c.leftmost.se.vruntime)
	case c.curr != nil:
		c.minVruntime = max(c.minVruntime, c.curr.se.vruntime)
	}
}

// updateCurrLocked charges the current task for the time since its last
// update and returns the delta.
//
// Preconditions: c.mu is locked.
func (c *cfsRQ) updateCurrLocked(now uint64) uint64 {
	t := c.curr
	if t == nil || now <= t.se.execStart {
		return 0
	}
	delta := now - t.se.execStart
	t.se.execStart = now
	t.chargeLocked(delta)
	t.se.vruntime += weighted(delta, t.se.weight)
	if c.p.cfsQuota() >= 0 {
		c.bw.consumed += delta
	}
	c.updateMinLocked()
	return delta
}

// placeLocked sets the vruntime of a task about to join the timeline.
//
// Preconditions: c.mu is locked.
func (c *cfsRQ) placeLocked(t *Task, flags enqueueFlags) {
	se := &t.se
	if flags&enqueueMigrated != 0 {
		// Keep the lag behind the old queue's min_vruntime, but never move
		// vruntime back.
		rebased := c.minVruntime
		if se.vruntime >= se.lastMin {
			rebased += se.vruntime - se.lastMin
		}
		se.vruntime = max(se.vruntime, rebased)
	}
	latency := c.p.latency()
	switch {
	case flags&enqueueNew != 0:
		se.vruntime = max(se.vruntime, c.minVruntime) + latency/4
	case flags&enqueueWakeup != 0:
		var floor uint64
		if c.minVruntime > latency/2 {
			floor = c.minVruntime - latency/2
		}
		se.vruntime = max(se.vruntime, floor)
	}
}

// enqueue adds a task that is not on this queue.
func (c *cfsRQ) enqueue(t *Task, flags enqueueFlags) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.placeLocked(t, flags)
	if c.bw.throttled {
		t.throttled = true
		c.bw.parked = append(c.bw.parked, t)
		return
	}
	c.insertLocked(t)
	c.nr++
	c.load += t.se.weight
	c.updateMinLocked()
}

// dequeue removes a queued task, which may be parked.
func (c *cfsRQ) dequeue(t *Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t.se.lastMin = c.minVruntime
	if t.throttled {
		t.throttled = false
		for i, p := range c.bw.parked {
			if p == t {
				c.bw.parked = append(c.bw.parked[:i], c.bw.parked[i+1:]...)
				return
			}
		}
		panic("throttled task not parked")
	}
	c.eraseLocked(t)
	c.nr--
	c.load -= t.se.weight
	c.updateMinLocked()
}

// pickNext makes the leftmost task current.
func (c *cfsRQ) pickNext(now uint64) *Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.leftmost
	if t == nil {
		return nil
	}
	c.eraseLocked(t)
	c.curr = t
	t.se.prevSumExec = t.se.sumExec
	t.se.execStart = now
	c.updateMinLocked()
	return t
}

// putPrev returns the current task to the timeline, or parks it if the
// queue was throttled while it ran.
func (c *cfsRQ) putPrev(t *Task, now uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateCurrLocked(now)
	c.curr = nil
	if c.bw.throttled {
		t.throttled = true
		c.bw.parked = append(c.bw.parked, t)
		c.nr--
		c.load -= t.se.weight
		return
	}
	c.insertLocked(t)
	c.updateMinLocked()
}

// dequeueCurr removes the current task from the queue entirely.
func (c *cfsRQ) dequeueCurr(t *Task, now uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateCurrLocked(now)
	c.curr = nil
	c.nr--
	c.load -= t.se.weight
	t.se.lastMin = c.minVruntime
}

// setCurr makes a running task that just entered the class current.
func (c *cfsRQ) setCurr(t *Task, now uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.curr = t
	c.nr++
	c.load += t.se.weight
	t.se.execStart = now
	t.se.prevSumExec = t.se.sumExec
}

// updateCurr charges the current task.
func (c *cfsRQ) updateCurr(now uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateCurrLocked(now)
}

// reweight changes the weight of a task on this queue, queued or current.
func (c *cfsRQ) reweight(t *Task, weight uint64, now uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.curr == t:
		c.updateCurrLocked(now)
		c.load = c.load - t.se.weight + weight
		t.se.weight = weight
	case t.throttled:
		t.se.weight = weight
	default:
		c.eraseLocked(t)
		c.load = c.load - t.se.weight + weight
		t.se.weight = weight
		c.insertLocked(t)
	}
}

// sliceLocked is the current task's share of the latency period.
//
// Preconditions: c.mu is locked.
func (c *cfsRQ) sliceLocked(t *Task) uint64 {
	slice := c.p.latency()
	if c.load > 0 {
		slice = slice * t.se.weight / c.load
	}
	return max(slice, c.p.minGranularity())
}

// cfsTick is the outcome of a CFS tick.
type cfsTick struct {
	resched bool

	// throttled is set if the tick exhausted the bandwidth quota, and
	// overrun is the runtime consumed past it.
	throttled bool
	overrun   uint64
}

// tick charges the current task and checks whether it used up its slice or
// the queue its quota.
func (c *cfsRQ) tick(now uint64) cfsTick {
	c.mu.Lock()
	defer c.mu.Unlock()
	var r cfsTick
	c.updateCurrLocked(now)
	t := c.curr
	if t == nil {
		return r
	}
	if c.nr > 1 && t.se.sumExec-t.se.prevSumExec > c.sliceLocked(t) {
		r.resched = true
	}
	if quota := c.p.cfsQuota(); quota >= 0 && !c.bw.throttled && c.bw.consumed >= uint64(quota) {
		c.throttleLocked()
		r.resched = true
		r.throttled = true
		r.overrun = c.bw.consumed - uint64(quota)
	}
	return r
}

// throttleLocked parks every queued task. The current task is parked when it
// is put back.
//
// Preconditions: c.mu is locked.
func (c *cfsRQ) throttleLocked() {
	c.bw.throttled = true
	c.timeline.Ascend(func(t *Task) bool {
		t.throttled = true
		c.bw.parked = append(c.bw.parked, t)
		c.nr--
		c.load -= t.se.weight
		return true
	})
	c.timeline.Clear(false)
	c.leftmost = nil
}

// refreshBandwidth starts a new period if the current one has ended. If the
// queue was throttled, parked tasks rejoin the timeline, except zombies,
// which are returned.
func (c *cfsRQ) refreshBandwidth(now uint64) (unthrottled bool, zombies []*Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	period := c.p.cfsPeriod()
	if now < c.bw.periodStart+period {
		return false, nil
	}
	c.bw.periodStart = now - (now-c.bw.periodStart)%period
	c.bw.consumed = 0
	if !c.bw.throttled {
		return false, nil
	}
	c.bw.throttled = false
	for _, t := range c.bw.parked {
		t.throttled = false
		if t.state == Zombie {
			t.se.lastMin = c.minVruntime
			zombies = append(zombies, t)
			continue
		}
		c.placeLocked(t, enqueueWakeup)
		c.insertLocked(t)
		c.nr++
		c.load += t.se.weight
	}
	c.bw.parked = nil
	c.updateMinLocked()
	return true, zombies
}

// checkPreemptWakeup returns true if a newly queued t should preempt the
// current CFS task.
func (c *cfsRQ) checkPreemptWakeup(t *Task) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	curr := c.curr
	switch {
	case curr == nil || t.throttled:
		return false
	case curr.policy == Idle && t.policy != Idle:
		return true
	case t.policy == Batch || t.policy == Idle:
		return false
	}
	return int64(curr.se.vruntime-t.se.vruntime) > int64(c.p.wakeupGranularity())
}

// yield moves the current task behind every queued task. It returns false
// if there is no one to yield to.
func (c *cfsRQ) yield(now uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateCurrLocked(now)
	last, ok := c.timeline.Max()
	if c.curr == nil || !ok {
		return false
	}
	c.curr.se.vruntime = max(c.curr.se.vruntime, last.se.vruntime+1)
	return true
}

// waitingSince returns when the leftmost task was queued.
func (c *cfsRQ) waitingSince() (*Task, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leftmost == nil {
		return nil, 0, false
	}
	return c.leftmost, c.leftmost.waitStart, true
}

// migrationCandidates returns up to n queued tasks that may move to cpu,
// latest vruntime first.
func (c *cfsRQ) migrationCandidates(cpu int, n int) []*Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ts []*Task
	c.timeline.Descend(func(t *Task) bool {
		if t.state != Zombie && t.allowed.Count() > 1 && t.allowed.Contains(uint32(cpu)) {
			ts = append(ts, t)
		}
		return len(ts) < n
	})
	return ts
}

// snapshot returns the queue totals.
func (c *cfsRQ) snapshot() (nr int, load, minVruntime uint64, throttled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nr, c.load, c.minVruntime, c.bw.throttled
}

// verify checks the queue bookkeeping against the timeline, and re-derives
// it if reset is set.
func (c *cfsRQ) verify(cpu int, reset bool) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var (
		problems []string
		nr       int
		load     uint64
	)
	c.timeline.Ascend(func(t *Task) bool {
		nr++
		load += t.se.weight
		if !t.queued || int(t.cpu.Load()) != cpu {
			problems = append(problems, "timeline holds a task that is not queued here")
		}
		return true
	})
	if c.curr != nil {
		nr++
		load += c.curr.se.weight
	}
	first, _ := c.timeline.Min()
	if c.leftmost != first {
		problems = append(problems, "stale leftmost")
	}
	if nr != c.nr || load != c.load {
		problems = append(problems, "nr_running or load disagrees with the timeline")
	}
	if reset && len(problems) > 0 {
		c.leftmost = first
		c.nr = nr
		c.load = load
	}
	return problems
}

// params are the tunables the scheduler reads on its fast paths.
type params struct {
	latencyNs           *tunable.Tunable
	minGranularityNs    *tunable.Tunable
	wakeupGranularityNs *tunable.Tunable
	nrMigrateN          *tunable.Tunable
	balanceIntervalMs   *tunable.Tunable
	cfsPeriodUs         *tunable.Tunable
	cfsQuotaUs          *tunable.Tunable
	rtPeriodUs          *tunable.Tunable
	rtRuntimeUs         *tunable.Tunable
}

func newParams(r *tunable.Registry) *params {
	return &params{
		latencyNs:           r.MustLookup(tunable.SchedLatency),
		minGranularityNs:    r.MustLookup(tunable.SchedMinGranularity),
		wakeupGranularityNs: r.MustLookup(tunable.SchedWakeupGranularity),
		nrMigrateN:          r.MustLookup(tunable.SchedNrMigrate),
		balanceIntervalMs:   r.MustLookup(tunable.SchedBalanceInterval),
		cfsPeriodUs:         r.MustLookup(tunable.SchedCFSPeriod),
		cfsQuotaUs:          r.MustLookup(tunable.SchedCFSQuota),
		rtPeriodUs:          r.MustLookup(tunable.SchedRTPeriod),
		rtRuntimeUs:         r.MustLookup(tunable.SchedRTRuntime),
	}
}

func (p *params) latency() uint64           { return uint64(p.latencyNs.Get()) }
func (p *params) minGranularity() uint64    { return uint64(p.minGranularityNs.Get()) }
func (p *params) wakeupGranularity() uint64 { return uint64(p.wakeupGranularityNs.Get()) }
func (p *params) nrMigrate() int            { return int(p.nrMigrateN.Get()) }
func (p *params) balanceInterval() uint64   { return uint64(p.balanceIntervalMs.Get()) * 1e6 }
func (p *params) cfsPeriod() uint64         { return uint64(p.cfsPeriodUs.Get()) * 1e3 }
func (p *params) rtPeriod() uint64          { return uint64(p.rtPeriodUs.Get()) * 1e3 }

// cfsQuota returns the CFS quota in ns, or -1 if unlimited.
func (p *params) cfsQuota() int64 {
	if q := p.cfsQuotaUs.Get(); q != tunable.Unlimited {
		return q * 1e3
	}
	return -1
}

// rtRuntime returns the RT runtime in ns, or -1 if unlimited.
func (p *params) rtRuntime() int64 {
	if r := p.rtRuntimeUs.Get(); r != tunable.Unlimited {
		return r * 1e3
	}
	return -1
}
