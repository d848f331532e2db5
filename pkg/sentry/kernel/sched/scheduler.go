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
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"kos.dev/kos/pkg/bitmap"
	"kos.dev/kos/pkg/errors/kerr"
	"kos.dev/kos/pkg/hostarch"
	"kos.dev/kos/pkg/log"
	"kos.dev/kos/pkg/sentry/kernel/tunable"
)

const (
	// MaxCPUs bounds Config.NumCPUs.
	MaxCPUs = 256

	// DefaultTickPeriod is the simulated time one tick advances a CPU clock.
	DefaultTickPeriod = time.Millisecond

	// DefaultStormThreshold is the number of interrupts in one tick above
	// which an interrupt storm is reported.
	DefaultStormThreshold = 1000
)

// Config configures a Scheduler.
type Config struct {
	// NumCPUs is the number of simulated CPUs.
	NumCPUs int

	// TickPeriod is the simulated time per tick.
	TickPeriod time.Duration

	// TickInterval is the real time between ticks after Start. It defaults
	// to TickPeriod.
	TickInterval time.Duration

	// StormThreshold is the interrupt count per tick that raises
	// InterruptStorm.
	StormThreshold int

	// Debug makes runqueue corruption panic.
	Debug bool
}

// RecordAllocator allocates task records. *slab.Cache implements it.
type RecordAllocator interface {
	Alloc(zero bool) (hostarch.Addr, error)
	Free(obj hostarch.Addr) error
}

// Scheduler is a set of per-CPU runqueues and the tasks on them.
type Scheduler struct {
	cfg      Config
	tickNs   uint64
	params   *params
	records  RecordAllocator
	recovery *Recovery
	rqs      []*RunQueue
	rtBW     rtBandwidth

	nextPID atomic.Int32

	// tasksMu protects tasks. It is never held with another lock.
	tasksMu sync.Mutex
	tasks   map[int32]*Task

	// runMu protects cancel and group.
	runMu  sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New returns a Scheduler with cfg.NumCPUs runqueues, each running its idle
// task. Tunables are read from r on every use, so changes apply immediately.
func New(cfg Config, r *tunable.Registry, records RecordAllocator) (*Scheduler, error) {
	if cfg.NumCPUs < 1 || cfg.NumCPUs > MaxCPUs {
		return nil, fmt.Errorf("%d CPUs, want [1, %d]: %w", cfg.NumCPUs, MaxCPUs, kerr.EINVAL)
	}
	if cfg.TickPeriod < 0 || cfg.TickInterval < 0 || cfg.StormThreshold < 0 {
		return nil, fmt.Errorf("negative scheduler config %+v: %w", cfg, kerr.EINVAL)
	}
	if cfg.TickPeriod == 0 {
		cfg.TickPeriod = DefaultTickPeriod
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = cfg.TickPeriod
	}
	if cfg.StormThreshold == 0 {
		cfg.StormThreshold = DefaultStormThreshold
	}
	s := &Scheduler{
		cfg:      cfg,
		tickNs:   uint64(cfg.TickPeriod),
		params:   newParams(r),
		records:  records,
		recovery: NewRecovery(cfg.Debug),
		rqs:      make([]*RunQueue, cfg.NumCPUs),
		tasks:    make(map[int32]*Task),
	}
	s.rtBW.init(cfg.NumCPUs, s.params)
	for cpu := range s.rqs {
		s.rqs[cpu] = newRunQueue(s, cpu)
	}
	log.Infof("sched: %d CPUs, tick %v", cfg.NumCPUs, cfg.TickPeriod)
	return s, nil
}

// NumCPUs returns the number of CPUs.
func (s *Scheduler) NumCPUs() int {
	return len(s.rqs)
}

// Recovery returns the recovery policy.
func (s *Scheduler) Recovery() *Recovery {
	return s.recovery
}

// taskRQLock locks and returns the runqueue that protects t.
func (s *Scheduler) taskRQLock(t *Task) *RunQueue {
	for {
		rq := s.rqs[t.cpu.Load()]
		rq.mu.Lock()
		if int(t.cpu.Load()) == rq.cpu {
			return rq
		}
		rq.mu.Unlock()
	}
}

// lockPair locks a and b in CPU order. They may be the same.
func lockPair(a, b *RunQueue) {
	switch {
	case a == b:
		a.mu.Lock()
	case a.cpu < b.cpu:
		a.mu.Lock()
		b.mu.Lock()
	default:
		b.mu.Lock()
		a.mu.Lock()
	}
}

// unlockPair undoes lockPair.
func unlockPair(a, b *RunQueue, d *deferred) {
	b.unlock(d)
	if a != b {
		a.unlock(d)
	}
}

// finish performs work deferred until no locks are held.
func (s *Scheduler) finish(d *deferred) {
	for len(d.misplaced) > 0 || len(d.reaped) > 0 || len(d.balance) > 0 || d.balanceAll {
		var w deferred
		w.merge(d)
		for _, t := range w.reaped {
			s.release(t)
		}
		for _, t := range w.misplaced {
			if err := s.wakeUp(t, -1, d); err != nil {
				log.Debugf("sched: re-homing task %d: %v", t.PID, err)
			}
		}
		if w.balanceAll {
			for cpu := range s.rqs {
				s.balanceCPU(cpu, d)
			}
		} else {
			for _, cpu := range w.balance {
				s.balanceCPU(cpu, d)
			}
		}
	}
}

// release frees a destroyed task's record and forgets its PID.
func (s *Scheduler) release(t *Task) {
	s.tasksMu.Lock()
	delete(s.tasks, t.PID)
	s.tasksMu.Unlock()
	if err := s.records.Free(t.record); err != nil {
		log.Warningf("sched: freeing record of task %d: %v", t.PID, err)
	}
}

// TaskCreate allocates a task. A tgid of 0 starts a new thread group led by
// the task. The task is not runnable until WakeUp.
func (s *Scheduler) TaskCreate(tgid int32, name string) (*Task, error) {
	addr, err := s.records.Alloc(true)
	if err != nil {
		if !errors.Is(err, kerr.ENOMEM) {
			err = fmt.Errorf("%v: %w", err, kerr.ENOMEM)
		}
		return nil, fmt.Errorf("creating task %q: %w", name, err)
	}
	pid := s.nextPID.Add(1)
	if tgid == 0 {
		tgid = pid
	}
	t := newTask(s, pid, tgid, name)
	t.record = addr
	s.tasksMu.Lock()
	s.tasks[pid] = t
	s.tasksMu.Unlock()
	return t, nil
}

// TaskFork creates a task in a new thread group that inherits parent's
// policy, priority, nice value, affinity and capabilities. Like TaskCreate,
// the child is not runnable until woken.
func (s *Scheduler) TaskFork(parent *Task, name string) (*Task, error) {
	if err := checkIdle(parent); err != nil {
		return nil, err
	}
	parent.mu.Lock()
	rq := s.taskRQLock(parent)
	policy, nice, prio := parent.policy, parent.nice, parent.rtPrio
	allowed := parent.allowed.Clone()
	dead := parent.destroyed || parent.state == Zombie
	rq.mu.Unlock()
	parent.mu.Unlock()
	if dead {
		return nil, fmt.Errorf("forking task %d: %w", parent.PID, kerr.ESRCH)
	}

	child, err := s.TaskCreate(0, name)
	if err != nil {
		return nil, err
	}
	child.caps.Store(parent.caps.Load())
	child.mu.Lock()
	rq = s.taskRQLock(child)
	child.policy, child.nice, child.rtPrio = policy, nice, prio
	child.updatePrioLocked()
	child.se.weight = weightFor(policy, nice)
	child.allowed = allowed
	rq.mu.Unlock()
	child.mu.Unlock()
	return child, nil
}

// TaskDestroy frees t's record. t must be neither queued nor running.
func (s *Scheduler) TaskDestroy(t *Task) error {
	if err := checkIdle(t); err != nil {
		return err
	}
	t.mu.Lock()
	rq := s.taskRQLock(t)
	var err error
	switch {
	case t.destroyed:
		err = fmt.Errorf("task %d: %w", t.PID, kerr.ESRCH)
	case t.queued || t.running:
		err = fmt.Errorf("task %d is on cpu %d: %w", t.PID, rq.cpu, kerr.EBUSY)
	default:
		t.destroyed = true
	}
	rq.mu.Unlock()
	t.mu.Unlock()
	if err != nil {
		return err
	}
	s.release(t)
	return nil
}

// Reap frees a zombie's record now if it is off its runqueue, or once it
// leaves it.
func (s *Scheduler) Reap(t *Task) error {
	t.mu.Lock()
	rq := s.taskRQLock(t)
	var (
		err error
		now bool
	)
	switch {
	case t.destroyed:
		err = fmt.Errorf("task %d: %w", t.PID, kerr.ESRCH)
	case t.state != Zombie:
		err = fmt.Errorf("task %d is not a zombie: %w", t.PID, kerr.EBUSY)
	case t.queued || t.running:
		t.reap = true
	default:
		t.destroyed = true
		now = true
	}
	rq.mu.Unlock()
	t.mu.Unlock()
	if now {
		s.release(t)
	}
	return err
}

// Lookup returns the task with the given PID.
func (s *Scheduler) Lookup(pid int32) (*Task, error) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	t, ok := s.tasks[pid]
	if !ok {
		return nil, fmt.Errorf("pid %d: %w", pid, kerr.ESRCH)
	}
	return t, nil
}

// Tasks returns every live task in PID order.
func (s *Scheduler) Tasks() []*Task {
	s.tasksMu.Lock()
	ts := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		ts = append(ts, t)
	}
	s.tasksMu.Unlock()
	sort.Slice(ts, func(i, j int) bool { return ts[i].PID < ts[j].PID })
	return ts
}

// WakeUp makes t runnable on the CPU chosen for it. A task woken for the
// first time gets fork placement. If t should preempt the task running
// there, the switch happens before WakeUp returns.
func (s *Scheduler) WakeUp(t *Task) error {
	var d deferred
	err := s.wakeUp(t, -1, &d)
	s.finish(&d)
	return err
}

// wakeUp enqueues t on cpu, or on a CPU chosen by selectCPU if cpu is
// negative. A cpu outside t's affinity is reported and replaced.
func (s *Scheduler) wakeUp(t *Task, cpu int, d *deferred) error {
	if err := checkIdle(t); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	rq := s.taskRQLock(t)
	switch {
	case t.destroyed || t.state == Zombie:
		rq.unlock(d)
		return fmt.Errorf("waking task %d: %w", t.PID, kerr.ESRCH)
	case t.queued || t.running:
		// Still on a runqueue: the wakeup cancels a pending sleep.
		t.state = Running
		rq.unlock(d)
		return nil
	}
	prev := rq.cpu
	first := !t.woken
	rq.unlock(d)

	if cpu < 0 {
		cpu = s.selectCPU(t, prev)
	} else if !t.allowed.Contains(uint32(cpu)) {
		dst := s.rqs[cpu]
		dst.mu.Lock()
		a := dst.reportLocked(AffinityViolation, t, fmt.Sprintf("enqueue of task %d on cpu %d outside %v", t.PID, cpu, t.allowed))
		dst.unlock(d)
		if a == MigrateTask {
			cpu = s.selectCPU(t, prev)
		}
	}

	src, dst := s.rqs[prev], s.rqs[cpu]
	lockPair(src, dst)
	flags := enqueueWakeup
	if first {
		flags = enqueueNew
	} else if prev != cpu {
		flags |= enqueueMigrated
		t.migrations++
		migrations.Increment(classOf(t))
	}
	t.cpu.Store(int32(cpu))
	t.state = Running
	t.woken = true
	dst.enqueueLocked(t, flags)
	dst.checkPreemptLocked(t)
	if dst.needResched {
		dst.scheduleLocked()
	}
	unlockPair(src, dst, d)
	return nil
}

func classOf(t *Task) string {
	if t.policy.IsRT() {
		return "rt"
	}
	return "cfs"
}

// selectCPU chooses the CPU a waking task is queued on.
//
// Preconditions: t.mu is locked; no runqueue lock is held.
func (s *Scheduler) selectCPU(t *Task, prev int) int {
	best := -1
	if t.policy.IsRT() {
		// Fewest RT tasks among the CPUs running something less urgent.
		bestNr := 0
		t.allowed.ForEach(func(c uint32) {
			rq := s.rqs[c]
			rq.mu.Lock()
			prio := rq.currPrioLocked()
			nr, _ := rq.rt.counts()
			rq.mu.Unlock()
			if t.rtPrio >= prio {
				return
			}
			if best < 0 || nr < bestNr || (nr == bestNr && int(c) == prev) {
				best, bestNr = int(c), nr
			}
		})
	} else {
		var bestLoad uint64
		t.allowed.ForEach(func(c uint32) {
			load := s.rqs[c].load()
			if best < 0 || load < bestLoad || (load == bestLoad && int(c) == prev) {
				best, bestLoad = int(c), load
			}
		})
	}
	switch {
	case best >= 0:
		return best
	case t.allowed.Contains(uint32(prev)):
		return prev
	default:
		m, _ := t.allowed.Minimum()
		return int(m)
	}
}

// checkIdle rejects operations on the per-CPU idle tasks.
func checkIdle(t *Task) error {
	if t.idle {
		return fmt.Errorf("task %q is an idle task: %w", t.Name, kerr.EPERM)
	}
	return nil
}

// SetState sets the state of t. Running wakes t. A sleeping or stopped state
// takes t off its runqueue, switching away from it if it is running.
func (s *Scheduler) SetState(t *Task, state State) error {
	if err := checkIdle(t); err != nil {
		return err
	}
	switch state {
	case Running:
		return s.WakeUp(t)
	case Zombie:
		return s.Kill(t, 0)
	case Interruptible, Uninterruptible, Stopped, Traced:
	default:
		return fmt.Errorf("task %d: state %v: %w", t.PID, state, kerr.EINVAL)
	}

	var d deferred
	t.mu.Lock()
	rq := s.taskRQLock(t)
	var err error
	switch {
	case t.destroyed || t.state == Zombie:
		err = fmt.Errorf("task %d: %w", t.PID, kerr.ESRCH)
	default:
		t.state = state
		switch {
		case t.running:
			rq.scheduleLocked()
		case t.queued:
			rq.dequeueLocked(t)
		}
	}
	rq.unlock(&d)
	t.mu.Unlock()
	s.finish(&d)
	return err
}

// Kill makes t a zombie with the given exit code. It leaves its runqueue at
// the next scheduling decision there.
func (s *Scheduler) Kill(t *Task, code int) error {
	if err := checkIdle(t); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rq := s.taskRQLock(t)
	defer rq.mu.Unlock()
	switch {
	case t.destroyed:
		return fmt.Errorf("task %d: %w", t.PID, kerr.ESRCH)
	case t.state == Zombie:
		return nil
	}
	t.state = Zombie
	t.exitCode = code
	if t.running {
		rq.needResched = true
	}
	log.Debugf("sched: task %d killed with %d", t.PID, code)
	return nil
}

// SetNice sets t's nice value. Lowering it requires CapSysNice.
func (s *Scheduler) SetNice(t *Task, nice int) error {
	if err := checkIdle(t); err != nil {
		return err
	}
	if nice < MinNice || nice > MaxNice {
		return fmt.Errorf("nice %d: %w", nice, kerr.EINVAL)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rq := s.taskRQLock(t)
	defer rq.mu.Unlock()
	switch {
	case t.destroyed || t.state == Zombie:
		return fmt.Errorf("task %d: %w", t.PID, kerr.ESRCH)
	case nice < t.nice && !t.HasCap(CapSysNice):
		return fmt.Errorf("task %d: nice %d -> %d: %w", t.PID, t.nice, nice, kerr.EPERM)
	}
	t.nice = nice
	t.updatePrioLocked()
	weight := weightFor(t.policy, nice)
	if t.policy.isFair() && (t.running || t.queued) {
		rq.cfs.reweight(t, weight, rq.clock)
	} else {
		t.se.weight = weight
	}
	return nil
}

// SetPolicy changes t's scheduling policy. prio is the RT priority for FIFO
// and RR and must be 0 otherwise. Entering an RT policy or raising RT
// priority requires CapSysNice.
func (s *Scheduler) SetPolicy(t *Task, policy Policy, prio int) error {
	if err := checkIdle(t); err != nil {
		return err
	}
	switch {
	case policy == Deadline:
		return fmt.Errorf("policy %v is not supported: %w", policy, kerr.EINVAL)
	case policy.IsRT():
		if prio < 0 || prio >= MaxRTPrio {
			return fmt.Errorf("RT priority %d: %w", prio, kerr.EINVAL)
		}
	case policy.isFair():
		if prio != 0 {
			return fmt.Errorf("policy %v with priority %d: %w", policy, prio, kerr.EINVAL)
		}
	default:
		return fmt.Errorf("policy %v: %w", policy, kerr.EINVAL)
	}

	var d deferred
	t.mu.Lock()
	rq := s.taskRQLock(t)
	var err error
	switch {
	case t.destroyed || t.state == Zombie:
		err = fmt.Errorf("task %d: %w", t.PID, kerr.ESRCH)
	case policy.IsRT() && (!t.policy.IsRT() || prio < t.rtPrio) && !t.HasCap(CapSysNice):
		err = fmt.Errorf("task %d: %v/%d: %w", t.PID, policy, prio, kerr.EPERM)
	default:
		rq.changeClassLocked(t, policy, prio)
	}
	rq.unlock(&d)
	t.mu.Unlock()
	s.finish(&d)
	return err
}

// changeClassLocked moves t to a new policy, keeping it runnable.
//
// Preconditions: rq.mu is locked, t is on rq.
func (rq *RunQueue) changeClassLocked(t *Task, policy Policy, prio int) {
	running, queued := t.running, t.queued
	switch {
	case running:
		rq.updateCurrLocked()
		rq.classDequeueCurrLocked(t)
	case queued:
		rq.dequeueLocked(t)
	}
	t.policy = policy
	t.rtPrio = 0
	if policy.IsRT() {
		t.rtPrio = prio
		t.rt.timeSlice = uint64(RRTimeslice)
		t.rt.timeout = 0
	}
	t.updatePrioLocked()
	t.se.weight = weightFor(policy, t.nice)
	switch {
	case running:
		rq.classSetCurrLocked(t)
		rq.needResched = true
	case queued:
		rq.enqueueLocked(t, enqueueWakeup)
		rq.checkPreemptLocked(t)
	}
	if rq.needResched {
		rq.scheduleLocked()
	}
}

// SetAffinity restricts t to the CPUs in mask. A queued or running task on a
// CPU outside the mask moves at once.
func (s *Scheduler) SetAffinity(t *Task, mask bitmap.Bitmap) error {
	if err := checkIdle(t); err != nil {
		return err
	}
	allowed := bitmap.New(uint32(len(s.rqs)))
	mask.ForEach(func(c uint32) {
		if c < allowed.Size() {
			allowed.Add(c)
		}
	})
	if allowed.IsEmpty() {
		return fmt.Errorf("affinity %v has no online CPU: %w", mask, kerr.EINVAL)
	}

	var d deferred
	t.mu.Lock()
	rq := s.taskRQLock(t)
	var err error
	if t.destroyed {
		err = fmt.Errorf("task %d: %w", t.PID, kerr.ESRCH)
	} else {
		t.allowed = allowed
		if !allowed.Contains(uint32(rq.cpu)) {
			switch {
			case t.running:
				rq.scheduleLocked()
			case t.queued:
				rq.dequeueLocked(t)
				rq.dropLocked(t)
			}
		}
	}
	rq.unlock(&d)
	t.mu.Unlock()
	s.finish(&d)
	return err
}

// Yield puts the task running on cpu behind its peers and reschedules.
func (s *Scheduler) Yield(cpu int) {
	var d deferred
	rq := s.rqs[cpu]
	rq.mu.Lock()
	curr := rq.curr
	switch {
	case curr == rq.idle:
	case curr.policy.IsRT():
		if rq.rt.yield(rq.clock) {
			rq.scheduleLocked()
		}
	default:
		if rq.cfs.yield(rq.clock) {
			rq.scheduleLocked()
		}
	}
	rq.unlock(&d)
	s.finish(&d)
}

// Tick advances cpu's clock by one tick, charges the running task and
// reschedules if needed. Load balancing due on this tick runs after the
// runqueue lock is dropped.
func (s *Scheduler) Tick(cpu int) {
	var d deferred
	rq := s.rqs[cpu]
	rq.mu.Lock()
	rq.tickLocked()
	rq.unlock(&d)
	s.finish(&d)
}

// TickAll ticks every CPU in index order.
func (s *Scheduler) TickAll() {
	for cpu := range s.rqs {
		s.Tick(cpu)
	}
}

// Advance ticks every CPU until d of simulated time has passed.
func (s *Scheduler) Advance(d time.Duration) {
	for n := d / s.cfg.TickPeriod; n > 0; n-- {
		s.TickAll()
	}
}

// RaiseInterrupt records an interrupt on cpu.
func (s *Scheduler) RaiseInterrupt(cpu int) {
	s.rqs[cpu].irqs.Add(1)
}

// Report hands a condition detected outside the scheduler to the recovery
// policy and returns the chosen action. t may be nil.
func (s *Scheduler) Report(c Condition, t *Task, detail string) Action {
	cpu := 0
	if t != nil {
		cpu = t.CPU()
	}
	var d deferred
	rq := s.rqs[cpu]
	rq.mu.Lock()
	a := rq.reportLocked(c, t, detail)
	rq.unlock(&d)
	s.finish(&d)
	return a
}

// Start ticks every CPU from its own goroutine, once per TickInterval of
// real time, until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.group != nil {
		return fmt.Errorf("scheduler already started: %w", kerr.EBUSY)
	}
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	for cpu := range s.rqs {
		cpu := cpu
		g.Go(func() error {
			ticker := time.NewTicker(s.cfg.TickInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					s.Tick(cpu)
				}
			}
		})
	}
	s.cancel, s.group = cancel, g
	log.Infof("sched: started %d CPU goroutines", len(s.rqs))
	return nil
}

// Stop stops the goroutines started by Start and waits for them.
func (s *Scheduler) Stop() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.group == nil {
		return nil
	}
	s.cancel()
	err := s.group.Wait()
	s.cancel, s.group = nil, nil
	return err
}

// Current returns the task running on cpu.
func (s *Scheduler) Current(cpu int) *Task {
	rq := s.rqs[cpu]
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.curr
}

// Clock returns cpu's clock.
func (s *Scheduler) Clock(cpu int) time.Duration {
	rq := s.rqs[cpu]
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return time.Duration(rq.clock)
}

// RunQueueStats returns a snapshot of cpu's runqueue.
func (s *Scheduler) RunQueueStats(cpu int) RunQueueStats {
	return s.rqs[cpu].stats()
}

// LoadAvg returns the system load averages over 1, 5 and 15 minutes: the
// sum of the per-CPU averages.
func (s *Scheduler) LoadAvg() [3]float64 {
	var avg [3]float64
	for _, rq := range s.rqs {
		st := rq.stats()
		for i := range avg {
			avg[i] += st.LoadAvg[i]
		}
	}
	return avg
}

// CheckRunQueue verifies cpu's queue bookkeeping. Problems are reported as
// RunqueueCorruption and handled per the recovery policy.
func (s *Scheduler) CheckRunQueue(cpu int) error {
	var d deferred
	rq := s.rqs[cpu]
	rq.mu.Lock()
	problems := rq.verifyLocked(false)
	rq.unlock(&d)
	s.finish(&d)
	if len(problems) > 0 {
		return fmt.Errorf("cpu %d: %v: %w", cpu, problems, kerr.EUCLEAN)
	}
	return nil
}
