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
	"sync/atomic"
	"time"

	"kos.dev/kos/pkg/bitmap"
	"kos.dev/kos/pkg/hostarch"
	"kos.dev/kos/pkg/ilist"
	"kos.dev/kos/pkg/sync/locking"
)

var taskClass = locking.NewMutexClass("sched.task", locking.RankTask)

// RRTimeslice is the time slice of an RR task.
const RRTimeslice = 100 * time.Millisecond

// entity is a task's CFS state.
type entity struct {
	weight   uint64
	vruntime uint64

	// sumExec is the total time the task has run.
	sumExec uint64

	// prevSumExec is sumExec when the task was last picked.
	prevSumExec uint64

	// execStart is the clock at the last runtime update.
	execStart uint64

	// lastMin is the min_vruntime of the CFS queue the task last left. A
	// task enqueued elsewhere keeps its vruntime relative to it.
	lastMin uint64
}

// rtEntity is a task's RT state and its link in an RT priority list.
type rtEntity struct {
	ilist.Entry[*rtEntity]
	task *Task

	// timeSlice is the RR slice left, in ns.
	timeSlice uint64

	// timeout counts the ticks the task has run since it last slept.
	timeout uint64

	// rotate asks for the task to be put back at the tail of its list when
	// it is descheduled, rather than at the head.
	rotate bool
}

// Task is a schedulable entity.
type Task struct {
	// PID, TGID and Name are immutable.
	PID  int32
	TGID int32
	Name string

	s      *Scheduler
	record hostarch.Addr

	// idle is set for the per-CPU idle tasks, which are never queued.
	idle bool

	// mu serializes operations that move t between runqueues or classes.
	mu locking.Mutex

	// cpu is the runqueue whose lock protects the fields below. It changes
	// only with that lock held.
	cpu atomic.Int32

	caps atomic.Uint32

	state    State
	policy   Policy
	nice     int
	rtPrio   int
	exitCode int

	// staticPrio is DefaultPrio+nice. normalPrio is the priority the policy
	// implies: rtPrio for RT tasks, else staticPrio. dynPrio is the
	// priority scheduling decisions compare.
	staticPrio int
	normalPrio int
	dynPrio    int

	// mode is the ExecMode that running time is charged to.
	mode atomic.Uint32

	// utime and stime split se.sumExec by mode.
	utime uint64
	stime uint64

	// allowed is written with both mu and the runqueue lock held.
	allowed bitmap.Bitmap

	// queued is set while t waits in a class queue or is parked by
	// bandwidth throttling. running is set while t is its CPU's current
	// task. At most one is set.
	queued    bool
	running   bool
	throttled bool

	// woken is set once t has been enqueued; the first enqueue uses fork
	// placement.
	woken bool

	// reap asks for the record to be freed once a zombie t leaves its
	// runqueue. destroyed is set when it has been.
	reap      bool
	destroyed bool

	se entity
	rt rtEntity

	// waitStart is the clock at which t was last queued.
	waitStart uint64

	nvcsw      uint64
	nivcsw     uint64
	migrations uint64
}

func newTask(s *Scheduler, pid, tgid int32, name string) *Task {
	t := &Task{
		PID:     pid,
		TGID:    tgid,
		Name:    name,
		s:       s,
		state:   Interruptible,
		policy:  Normal,
		allowed: bitmap.Full(uint32(len(s.rqs))),
	}
	t.mu.Init(taskClass, 0)
	t.se.weight = NiceToWeight(0)
	t.rt.task = t
	t.rt.timeSlice = uint64(RRTimeslice)
	t.updatePrioLocked()
	return t
}

// weightFor returns the CFS weight of a task with the given policy and nice.
func weightFor(policy Policy, nice int) uint64 {
	if policy == Idle {
		return idleWeight
	}
	return NiceToWeight(nice)
}

// updatePrioLocked recomputes the priorities derived from policy, nice and
// rtPrio.
//
// Preconditions: the task's runqueue lock is held, or t is not yet visible.
func (t *Task) updatePrioLocked() {
	t.staticPrio = DefaultPrio + t.nice
	t.normalPrio = t.staticPrio
	if t.policy.IsRT() {
		t.normalPrio = t.rtPrio
	}
	t.dynPrio = t.normalPrio
}

// ExecMode is the mode a task's running time is charged to.
type ExecMode uint32

const (
	// UserMode time is counted as utime.
	UserMode ExecMode = iota

	// SysMode time is counted as stime.
	SysMode
)

// SetExecMode sets the mode t's running time is charged to from the next
// runtime update, and returns the previous mode.
func (t *Task) SetExecMode(m ExecMode) ExecMode {
	return ExecMode(t.mode.Swap(uint32(m)))
}

// chargeLocked adds delta ns of running time to t.
//
// Preconditions: the task's runqueue lock is held.
func (t *Task) chargeLocked(delta uint64) {
	t.se.sumExec += delta
	if ExecMode(t.mode.Load()) == SysMode {
		t.stime += delta
	} else {
		t.utime += delta
	}
}

// SetCaps replaces t's capabilities.
func (t *Task) SetCaps(c Caps) {
	t.caps.Store(uint32(c))
}

// HasCap returns true if t holds every capability in c.
func (t *Task) HasCap(c Caps) bool {
	return Caps(t.caps.Load())&c == c
}

// Record returns the address of t's record in the task_struct cache.
func (t *Task) Record() hostarch.Addr {
	return t.record
}

// TaskStats is a snapshot of a task's scheduling state.
type TaskStats struct {
	PID         int32
	TGID        int32
	Name        string
	State       State
	Policy      Policy
	Prio        int
	StaticPrio  int
	NormalPrio  int
	Nice        int
	CPU         int
	Allowed     string
	Vruntime    uint64
	SumExec     time.Duration
	UTime       time.Duration
	STime       time.Duration
	RTTimeout   uint64
	Voluntary   uint64
	Involuntary uint64
	Migrations  uint64
	Throttled   bool
	ExitCode    int
}

// Stats returns a snapshot of t.
func (t *Task) Stats() TaskStats {
	rq := t.s.taskRQLock(t)
	defer rq.mu.Unlock()
	return t.statsLocked()
}

// Preconditions: the task's runqueue lock is held.
func (t *Task) statsLocked() TaskStats {
	return TaskStats{
		PID:         t.PID,
		TGID:        t.TGID,
		Name:        t.Name,
		State:       t.state,
		Policy:      t.policy,
		Prio:        t.dynPrio,
		StaticPrio:  t.staticPrio,
		NormalPrio:  t.normalPrio,
		Nice:        t.nice,
		CPU:         int(t.cpu.Load()),
		Allowed:     t.allowed.String(),
		Vruntime:    t.se.vruntime,
		SumExec:     time.Duration(t.se.sumExec),
		UTime:       time.Duration(t.utime),
		STime:       time.Duration(t.stime),
		RTTimeout:   t.rt.timeout,
		Voluntary:   t.nvcsw,
		Involuntary: t.nivcsw,
		Migrations:  t.migrations,
		Throttled:   t.throttled,
		ExitCode:    t.exitCode,
	}
}

// State returns t's state.
func (t *Task) State() State {
	rq := t.s.taskRQLock(t)
	defer rq.mu.Unlock()
	return t.state
}

// Policy returns t's scheduling policy.
func (t *Task) Policy() Policy {
	rq := t.s.taskRQLock(t)
	defer rq.mu.Unlock()
	return t.policy
}

// CPU returns the CPU t last ran or was queued on.
func (t *Task) CPU() int {
	return int(t.cpu.Load())
}

// SumExec returns the total time t has run.
func (t *Task) SumExec() time.Duration {
	rq := t.s.taskRQLock(t)
	defer rq.mu.Unlock()
	return time.Duration(t.se.sumExec)
}

// Vruntime returns t's virtual runtime.
func (t *Task) Vruntime() uint64 {
	rq := t.s.taskRQLock(t)
	defer rq.mu.Unlock()
	return t.se.vruntime
}

// ExitCode returns the code t was killed with.
func (t *Task) ExitCode() int {
	rq := t.s.taskRQLock(t)
	defer rq.mu.Unlock()
	return t.exitCode
}

// Allowed returns t's affinity mask.
func (t *Task) Allowed() bitmap.Bitmap {
	rq := t.s.taskRQLock(t)
	defer rq.mu.Unlock()
	return t.allowed.Clone()
}
