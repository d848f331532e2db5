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
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"kos.dev/kos/pkg/bitmap"
	"kos.dev/kos/pkg/log"
	"kos.dev/kos/pkg/metric"
	"kos.dev/kos/pkg/sync/locking"
)

var rqClass = locking.NewMutexClass("sched.rq", locking.RankRunQueue)

var (
	contextSwitches = metric.MustCreateNewUint64Metric("/sched/context_switches", "Number of context switches.")
	migrations      = metric.MustCreateNewUint64Metric("/sched/migrations", "Number of tasks moved between CPUs.",
		metric.NewField("class", "cfs", "rt"))
	throttles = metric.MustCreateNewUint64Metric("/sched/throttles", "Number of bandwidth throttling events.",
		metric.NewField("class", "cfs", "rt"))
)

const (
	// loadSampleInterval is the load average sampling period.
	loadSampleInterval = 5 * time.Second

	// starvationThreshold is how long a runnable CFS task may wait before
	// it is reported as starved.
	starvationThreshold = 2 * time.Second
)

// loadDecay holds exp(-5s/τ) for τ of 1, 5 and 15 minutes.
var loadDecay = [3]float64{
	math.Exp(-5.0 / 60),
	math.Exp(-5.0 / 300),
	math.Exp(-5.0 / 900),
}

// RunQueue is the per-CPU scheduling state.
type RunQueue struct {
	s   *Scheduler
	cpu int

	// irqs counts interrupts raised since the last tick.
	irqs atomic.Int64

	mu locking.Mutex

	// Fields below are protected by mu.
	clock       uint64
	curr        *Task
	idle        *Task
	cfs         cfsRQ
	rt          rtRQ
	needResched bool
	switches    uint64
	ticks       uint64
	lastBalance uint64
	lastSample  uint64
	lastStarved uint64
	loadAvg     [3]float64

	// pending is work found under mu that needs other locks.
	pending deferred
}

// deferred is work collected under runqueue locks and done after they are
// released.
type deferred struct {
	// misplaced tasks are runnable but on no runqueue.
	misplaced []*Task

	// reaped tasks have been destroyed; their records need freeing.
	reaped []*Task

	// balance lists CPUs due for load balancing. balanceAll balances every
	// CPU.
	balance    []int
	balanceAll bool
}

func (d *deferred) merge(o *deferred) {
	d.misplaced = append(d.misplaced, o.misplaced...)
	d.reaped = append(d.reaped, o.reaped...)
	d.balance = append(d.balance, o.balance...)
	d.balanceAll = d.balanceAll || o.balanceAll
	*o = deferred{}
}

func newRunQueue(s *Scheduler, cpu int) *RunQueue {
	rq := &RunQueue{s: s, cpu: cpu}
	rq.mu.Init(rqClass, cpu)
	rq.cfs.init(cpu, s.params)
	rq.rt.init(cpu)
	idle := newTask(s, 0, 0, fmt.Sprintf("swapper/%d", cpu))
	idle.idle = true
	idle.policy = Idle
	idle.updatePrioLocked()
	idle.state = Running
	idle.running = true
	idle.allowed = bitmap.New(uint32(len(s.rqs)))
	idle.allowed.Add(uint32(cpu))
	idle.cpu.Store(int32(cpu))
	rq.idle = idle
	rq.curr = idle
	return rq
}

// unlock releases rq.mu, moving collected work to d.
func (rq *RunQueue) unlock(d *deferred) {
	d.merge(&rq.pending)
	rq.mu.Unlock()
}

// enqueueLocked queues a runnable task that is on no runqueue.
//
// Preconditions: rq.mu is locked, t.cpu is rq.cpu.
func (rq *RunQueue) enqueueLocked(t *Task, flags enqueueFlags) {
	if t.policy.IsRT() {
		rq.rt.enqueue(t)
	} else {
		rq.cfs.enqueue(t, flags)
	}
	t.queued = true
	t.waitStart = rq.clock
}

// dequeueLocked removes a queued task.
//
// Preconditions: rq.mu is locked, t.queued.
func (rq *RunQueue) dequeueLocked(t *Task) {
	if t.policy.IsRT() {
		rq.rt.dequeue(t)
	} else {
		rq.cfs.dequeue(t)
	}
	t.queued = false
}

// classPutPrevLocked returns the running task to its class queue.
//
// Preconditions: rq.mu is locked, t is rq.curr.
func (rq *RunQueue) classPutPrevLocked(t *Task) {
	if t.policy.IsRT() {
		rq.rt.putPrev(t, rq.clock)
	} else {
		rq.cfs.putPrev(t, rq.clock)
	}
	t.running = false
	t.queued = true
	t.waitStart = rq.clock
}

// classDequeueCurrLocked takes the running task out of its class. It remains
// rq.curr until the next switch.
//
// Preconditions: rq.mu is locked, t is rq.curr.
func (rq *RunQueue) classDequeueCurrLocked(t *Task) {
	if t.policy.IsRT() {
		rq.rt.dequeueCurr(t, rq.clock)
	} else {
		rq.cfs.dequeueCurr(t, rq.clock)
	}
}

// classSetCurrLocked enters the running task into its class.
//
// Preconditions: rq.mu is locked, t is rq.curr.
func (rq *RunQueue) classSetCurrLocked(t *Task) {
	if t.policy.IsRT() {
		rq.rt.setCurr(t, rq.clock)
	} else {
		rq.cfs.setCurr(t, rq.clock)
	}
}

// updateCurrLocked charges the current task for the time since its last
// update.
//
// Preconditions: rq.mu is locked.
func (rq *RunQueue) updateCurrLocked() {
	curr := rq.curr
	switch {
	case curr == rq.idle:
	case curr.policy.IsRT():
		rq.chargeRTLocked(rq.rt.updateCurr(rq.clock))
	default:
		rq.cfs.updateCurr(rq.clock)
	}
}

// chargeRTLocked charges RT runtime to the RT bandwidth.
//
// Preconditions: rq.mu is locked.
func (rq *RunQueue) chargeRTLocked(delta uint64) {
	if delta == 0 {
		return
	}
	if rq.s.rtBW.consume(rq.cpu, rq.clock, delta) {
		throttles.Increment("rt")
		log.Debugf("sched: cpu %d: RT throttled at %v", rq.cpu, time.Duration(rq.clock))
		rq.needResched = true
	}
}

// currPrioLocked returns the RT priority of the current task, or MaxRTPrio
// if it is not an RT task.
//
// Preconditions: rq.mu is locked.
func (rq *RunQueue) currPrioLocked() int {
	if rq.curr.policy.IsRT() && !rq.curr.idle {
		return rq.curr.rtPrio
	}
	return MaxRTPrio
}

// checkPreemptLocked flags a reschedule if t, just queued on rq, should run
// instead of the current task.
//
// Preconditions: rq.mu is locked.
func (rq *RunQueue) checkPreemptLocked(t *Task) {
	curr := rq.curr
	switch {
	case curr == rq.idle:
		rq.needResched = true
	case t.policy.IsRT():
		if t.rtPrio < rq.currPrioLocked() && !rq.s.rtBW.isThrottled(rq.clock) {
			rq.needResched = true
		}
	case curr.policy.IsRT():
	default:
		if rq.cfs.checkPreemptWakeup(t) {
			rq.needResched = true
		}
	}
}

// reportLocked hands an anomaly to the recovery policy and applies the
// runqueue-local part of its action.
//
// Preconditions: rq.mu is locked.
func (rq *RunQueue) reportLocked(c Condition, t *Task, detail string) Action {
	ev := Event{Condition: c, CPU: rq.cpu, Clock: time.Duration(rq.clock), Detail: detail}
	if t != nil {
		ev.PID = t.PID
	}
	a := rq.s.recovery.Handle(ev)
	switch a {
	case Rebalance:
		rq.pending.balanceAll = true
	case ResetEntity:
		rq.verifyLocked(true)
		rq.needResched = true
	}
	return a
}

// dropLocked handles a task that left rq for good.
//
// Preconditions: rq.mu is locked, t is neither queued nor running.
func (rq *RunQueue) dropLocked(t *Task) {
	switch {
	case t.state == Zombie && t.reap:
		t.destroyed = true
		rq.pending.reaped = append(rq.pending.reaped, t)
	case t.state == Running:
		rq.pending.misplaced = append(rq.pending.misplaced, t)
	}
}

// pickNextLocked returns the task to run next: RT unless throttled, then CFS,
// then idle. Zombies and tasks not allowed here are taken off the queue on
// the way.
//
// Preconditions: rq.mu is locked, rq.curr is in no class queue.
func (rq *RunQueue) pickNextLocked() *Task {
	for {
		var t *Task
		if !rq.s.rtBW.isThrottled(rq.clock) {
			t = rq.rt.pickNext(rq.clock)
		}
		if t == nil {
			t = rq.cfs.pickNext(rq.clock)
		}
		if t == nil {
			return rq.idle
		}
		t.queued = false
		t.running = true
		if t.state == Zombie {
			rq.classDequeueCurrLocked(t)
			t.running = false
			rq.dropLocked(t)
			continue
		}
		if !t.allowed.Contains(uint32(rq.cpu)) {
			detail := fmt.Sprintf("task %d picked on cpu %d outside %v", t.PID, rq.cpu, t.allowed)
			switch rq.reportLocked(AffinityViolation, t, detail) {
			case MigrateTask:
				rq.classDequeueCurrLocked(t)
				t.running = false
				rq.dropLocked(t)
				continue
			case KillTask:
				t.state = Zombie
				rq.classDequeueCurrLocked(t)
				t.running = false
				rq.dropLocked(t)
				continue
			}
		}
		return t
	}
}

// scheduleLocked puts the current task back if it is still runnable, picks
// the next one and switches to it.
//
// Preconditions: rq.mu is locked.
func (rq *RunQueue) scheduleLocked() {
	prev := rq.curr
	rq.needResched = false
	if prev != rq.idle {
		rq.updateCurrLocked()
		if prev.state == Running && prev.allowed.Contains(uint32(rq.cpu)) {
			rq.classPutPrevLocked(prev)
		} else {
			rq.classDequeueCurrLocked(prev)
			prev.running = false
			rq.dropLocked(prev)
		}
	}
	next := rq.pickNextLocked()
	if next != prev {
		rq.switches++
		contextSwitches.Increment()
		if prev.state == Running && !prev.idle {
			prev.nivcsw++
		} else if !prev.idle {
			prev.nvcsw++
			prev.rt.timeout = 0
		}
	}
	rq.curr = next
	next.running = true
}

// tickLocked advances the clock by one tick and runs the periodic work.
//
// Preconditions: rq.mu is locked.
func (rq *RunQueue) tickLocked() {
	s := rq.s
	rq.clock += s.tickNs
	rq.ticks++
	now := rq.clock

	if n := rq.irqs.Swap(0); n > int64(s.cfg.StormThreshold) {
		rq.reportLocked(InterruptStorm, nil, fmt.Sprintf("%d interrupts in one tick", n))
	}

	curr := rq.curr
	switch {
	case curr == rq.idle:
	case curr.policy.IsRT():
		delta, rotate := rq.rt.tick(now)
		if rotate {
			rq.needResched = true
		}
		rq.chargeRTLocked(delta)
	default:
		r := rq.cfs.tick(now)
		if r.resched {
			rq.needResched = true
		}
		if r.throttled {
			throttles.Increment("cfs")
			log.Debugf("sched: cpu %d: CFS throttled at %v", rq.cpu, time.Duration(now))
			if r.overrun > s.tickNs {
				rq.reportLocked(BandwidthOverrun, curr, fmt.Sprintf("quota overrun by %v", time.Duration(r.overrun)))
			}
		}
	}

	if unthrottled, zombies := rq.cfs.refreshBandwidth(now); unthrottled {
		for _, t := range zombies {
			t.queued = false
			rq.dropLocked(t)
		}
		rq.needResched = true
	}

	rtThrottled := s.rtBW.isThrottled(now)
	highest := rq.rt.highestQueued()
	switch {
	case curr.policy.IsRT() && rtThrottled:
		rq.needResched = true
	case !rtThrottled && highest < rq.currPrioLocked():
		if curr.policy.IsRT() && !rq.needResched {
			rq.reportLocked(PriorityInversion, curr, fmt.Sprintf("priority %d waits behind running priority %d", highest, curr.rtPrio))
		}
		rq.needResched = true
	}

	rq.checkStarvationLocked()

	if now-rq.lastSample >= uint64(loadSampleInterval) {
		rq.sampleLoadLocked()
	}
	if now-rq.lastBalance >= s.params.balanceInterval() {
		rq.lastBalance = now
		rq.pending.balance = append(rq.pending.balance, rq.cpu)
		rq.verifyLocked(false)
	}
	if rq.needResched {
		rq.scheduleLocked()
	}
}

// checkStarvationLocked reports a CFS task that has waited too long.
//
// Preconditions: rq.mu is locked.
func (rq *RunQueue) checkStarvationLocked() {
	t, since, ok := rq.cfs.waitingSince()
	if !ok || rq.clock-since < uint64(starvationThreshold) || rq.clock-rq.lastStarved < uint64(starvationThreshold) {
		return
	}
	rq.lastStarved = rq.clock
	rq.reportLocked(Starvation, t, fmt.Sprintf("waiting for %v", time.Duration(rq.clock-since)))
}

// sampleLoadLocked folds the number of runnable tasks into the load
// averages.
//
// Preconditions: rq.mu is locked.
func (rq *RunQueue) sampleLoadLocked() {
	rq.lastSample = rq.clock
	n := float64(rq.nrRunningLocked())
	for i, e := range loadDecay {
		rq.loadAvg[i] = rq.loadAvg[i]*e + n*(1-e)
	}
}

// nrRunningLocked returns the number of runnable tasks, including the
// current one.
//
// Preconditions: rq.mu is locked.
func (rq *RunQueue) nrRunningLocked() int {
	nr, _, _, _ := rq.cfs.snapshot()
	rtNr, _ := rq.rt.counts()
	return nr + rtNr
}

// rtLoadWeight is the load an RT task adds for balancing and CPU selection.
var rtLoadWeight = NiceToWeight(MinNice)

// loadLocked returns the aggregate load weight.
//
// Preconditions: rq.mu is locked.
func (rq *RunQueue) loadLocked() uint64 {
	_, load, _, _ := rq.cfs.snapshot()
	rtNr, _ := rq.rt.counts()
	return load + uint64(rtNr)*rtLoadWeight
}

// load returns the aggregate load weight.
func (rq *RunQueue) load() uint64 {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.loadLocked()
}

// verifyLocked checks the queue bookkeeping. If reset is set, it is
// re-derived; otherwise a mismatch is reported as corruption, whose default
// handling resets it.
//
// Preconditions: rq.mu is locked.
func (rq *RunQueue) verifyLocked(reset bool) []string {
	problems := append(rq.cfs.verify(rq.cpu, reset), rq.rt.verify(rq.cpu, reset)...)
	if !reset && len(problems) > 0 {
		rq.reportLocked(RunqueueCorruption, nil, fmt.Sprintf("%d problems, first: %s", len(problems), problems[0]))
	}
	return problems
}

// RunQueueStats is a snapshot of one CPU's runqueue.
type RunQueueStats struct {
	CPU          int
	Clock        time.Duration
	Current      int32
	NrRunning    int
	Load         uint64
	MinVruntime  uint64
	Switches     uint64
	CFSThrottled bool
	LoadAvg      [3]float64
}

func (rq *RunQueue) stats() RunQueueStats {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	nr, load, minVruntime, throttled := rq.cfs.snapshot()
	rtNr, _ := rq.rt.counts()
	return RunQueueStats{
		CPU:          rq.cpu,
		Clock:        time.Duration(rq.clock),
		Current:      rq.curr.PID,
		NrRunning:    nr + rtNr,
		Load:         load + uint64(rtNr)*rtLoadWeight,
		MinVruntime:  minVruntime,
		Switches:     rq.switches,
		CFSThrottled: throttled,
		LoadAvg:      rq.loadAvg,
	}
}
