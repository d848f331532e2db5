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
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"kos.dev/kos/pkg/bitmap"
	"kos.dev/kos/pkg/errors/kerr"
	"kos.dev/kos/pkg/hostarch"
	"kos.dev/kos/pkg/sentry/kernel/tunable"
	"kos.dev/kos/pkg/sync/locking"
)

func TestMain(m *testing.M) {
	locking.SetValidation(true)
	os.Exit(m.Run())
}

// fakeRecords hands out distinct record addresses.
type fakeRecords struct {
	mu   sync.Mutex
	next hostarch.Addr
	live map[hostarch.Addr]bool
	fail bool
}

func (f *fakeRecords) Alloc(bool) (hostarch.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, kerr.ENOMEM
	}
	if f.live == nil {
		f.live = make(map[hostarch.Addr]bool)
	}
	f.next += 0x100
	f.live[f.next] = true
	return f.next, nil
}

func (f *fakeRecords) Free(addr hostarch.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[addr] {
		return kerr.EINVAL
	}
	delete(f.live, addr)
	return nil
}

func (f *fakeRecords) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

type testScheduler struct {
	*Scheduler
	reg  *tunable.Registry
	fake *fakeRecords
}

func newTestScheduler(t *testing.T, cpus int, tunables map[string]int64) *testScheduler {
	t.Helper()
	reg := tunable.NewRegistry()
	if err := reg.SetAll(tunables); err != nil {
		t.Fatalf("SetAll(%v) failed: %v", tunables, err)
	}
	records := &fakeRecords{}
	s, err := New(Config{NumCPUs: cpus}, reg, records)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &testScheduler{Scheduler: s, reg: reg, fake: records}
}

// spawn creates and wakes a task.
func (ts *testScheduler) spawn(t *testing.T, name string) *Task {
	t.Helper()
	task, err := ts.TaskCreate(0, name)
	if err != nil {
		t.Fatalf("TaskCreate(%q) failed: %v", name, err)
	}
	if err := ts.WakeUp(task); err != nil {
		t.Fatalf("WakeUp(%q) failed: %v", name, err)
	}
	return task
}

// spawnRT creates and wakes an RT task.
func (ts *testScheduler) spawnRT(t *testing.T, name string, policy Policy, prio int) *Task {
	t.Helper()
	task, err := ts.TaskCreate(0, name)
	if err != nil {
		t.Fatalf("TaskCreate(%q) failed: %v", name, err)
	}
	task.SetCaps(CapSysNice)
	if err := ts.SetPolicy(task, policy, prio); err != nil {
		t.Fatalf("SetPolicy(%q, %v, %d) failed: %v", name, policy, prio, err)
	}
	if err := ts.WakeUp(task); err != nil {
		t.Fatalf("WakeUp(%q) failed: %v", name, err)
	}
	return task
}

func cpuMask(n int, cpus ...uint32) bitmap.Bitmap {
	b := bitmap.New(uint32(n))
	for _, c := range cpus {
		b.Add(c)
	}
	return b
}

func TestNewRejectsBadConfig(t *testing.T) {
	for _, cfg := range []Config{
		{NumCPUs: 0},
		{NumCPUs: MaxCPUs + 1},
		{NumCPUs: 1, TickPeriod: -time.Millisecond},
	} {
		if _, err := New(cfg, tunable.NewRegistry(), &fakeRecords{}); !errors.Is(err, kerr.EINVAL) {
			t.Errorf("New(%+v) = %v, want EINVAL", cfg, err)
		}
	}
}

func TestIdleTasks(t *testing.T) {
	s := newTestScheduler(t, 3, nil)
	for cpu := 0; cpu < 3; cpu++ {
		curr := s.Current(cpu)
		if !curr.idle || curr.Policy() != Idle || curr.CPU() != cpu {
			t.Errorf("cpu %d: current is %q, policy %v, cpu %d; want its idle task", cpu, curr.Name, curr.Policy(), curr.CPU())
		}
		if err := s.SetNice(curr, 5); !errors.Is(err, kerr.EPERM) {
			t.Errorf("SetNice(idle) = %v, want EPERM", err)
		}
	}
	if got := len(s.Tasks()); got != 0 {
		t.Errorf("Tasks() has %d entries, want 0", got)
	}
}

func TestTaskCreate(t *testing.T) {
	s := newTestScheduler(t, 2, nil)
	a, err := s.TaskCreate(0, "a")
	if err != nil {
		t.Fatalf("TaskCreate failed: %v", err)
	}
	b, err := s.TaskCreate(a.TGID, "b")
	if err != nil {
		t.Fatalf("TaskCreate failed: %v", err)
	}
	if a.TGID != a.PID || b.TGID != a.PID || b.PID <= a.PID {
		t.Errorf("got a{pid %d tgid %d} b{pid %d tgid %d}, want b in a's thread group with a larger pid", a.PID, a.TGID, b.PID, b.TGID)
	}
	want := TaskStats{
		PID:     a.PID,
		TGID:    a.PID,
		Name:    "a",
		State:   Interruptible,
		Policy:     Normal,
		Prio:       DefaultPrio,
		StaticPrio: DefaultPrio,
		NormalPrio: DefaultPrio,
		Allowed:    cpuMask(2, 0, 1).String(),
	}
	if diff := cmp.Diff(want, a.Stats()); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}
	if got, err := s.Lookup(b.PID); err != nil || got != b {
		t.Errorf("Lookup(%d) = %v, %v; want b", b.PID, got, err)
	}
	if _, err := s.Lookup(1000); !errors.Is(err, kerr.ESRCH) {
		t.Errorf("Lookup(1000) = %v, want ESRCH", err)
	}

	s.fake.fail = true
	if _, err := s.TaskCreate(0, "c"); !errors.Is(err, kerr.ENOMEM) {
		t.Errorf("TaskCreate with no memory = %v, want ENOMEM", err)
	}
}

// TestCFSFairness runs four nice 0 tasks on one CPU for 10s.
func TestCFSFairness(t *testing.T) {
	s := newTestScheduler(t, 1, nil)
	var tasks []*Task
	for _, name := range []string{"a", "b", "c", "d"} {
		tasks = append(tasks, s.spawn(t, name))
	}
	s.Advance(10 * time.Second)

	var total time.Duration
	for _, a := range tasks {
		total += a.SumExec()
		for _, b := range tasks {
			ra, rb := a.SumExec(), b.SumExec()
			if rb == 0 {
				t.Fatalf("task %q never ran", b.Name)
			}
			if r := float64(ra) / float64(rb); r < 0.9 || r > 1.1 {
				t.Errorf("runtime ratio %s/%s = %.3f (%v/%v), want within [0.9, 1.1]", a.Name, b.Name, r, ra, rb)
			}
		}
	}
	if total != 10*time.Second {
		t.Errorf("total runtime %v, want 10s", total)
	}
	if n := s.Recovery().Count(RunqueueCorruption); n != 0 {
		t.Errorf("%d corruption reports, want 0: %v", n, s.Recovery().History())
	}
}

func TestNiceWeights(t *testing.T) {
	s := newTestScheduler(t, 1, nil)
	heavy := s.spawn(t, "heavy")
	light := s.spawn(t, "light")
	if err := s.SetNice(light, 5); err != nil {
		t.Fatalf("SetNice failed: %v", err)
	}
	s.Advance(10 * time.Second)
	// Weights 1024 and 335.
	want := 1024.0 / 335.0
	if r := float64(heavy.SumExec()) / float64(light.SumExec()); math.Abs(r-want)/want > 0.1 {
		t.Errorf("runtime ratio %.2f, want about %.2f", r, want)
	}
}

// TestRTPreemption wakes a FIFO task while a normal task runs.
func TestRTPreemption(t *testing.T) {
	s := newTestScheduler(t, 1, nil)
	normal := s.spawn(t, "normal")
	s.Advance(5 * time.Millisecond)
	if got := s.Current(0); got != normal {
		t.Fatalf("current is %q, want normal", got.Name)
	}
	fifo := s.spawnRT(t, "fifo", FIFO, 50)
	got := s.Current(0)
	if got != fifo || got.Policy() != FIFO {
		t.Errorf("after wakeup current is %q (%v), want fifo", got.Name, got.Policy())
	}
	if st := normal.Stats(); st.Involuntary != 1 || st.State != Running {
		t.Errorf("normal task: %d involuntary switches, state %v; want 1, R", st.Involuntary, st.State)
	}
}

// TestRRRotation runs two RR tasks of equal priority for 1s.
func TestRRRotation(t *testing.T) {
	s := newTestScheduler(t, 1, map[string]int64{tunable.SchedRTRuntime: tunable.Unlimited})
	a := s.spawnRT(t, "a", RR, 60)
	b := s.spawnRT(t, "b", RR, 60)

	var switches []time.Duration
	last := s.Current(0)
	for i := 0; i < 1000; i++ {
		s.TickAll()
		if curr := s.Current(0); curr != last {
			switches = append(switches, s.Clock(0))
			last = curr
		}
	}
	for _, task := range []*Task{a, b} {
		if got := task.SumExec(); got < 480*time.Millisecond || got > 520*time.Millisecond {
			t.Errorf("task %q ran %v, want 500ms ± 20ms", task.Name, got)
		}
	}
	for i, at := range switches {
		want := time.Duration(i+1) * RRTimeslice
		if d := at - want; d < -20*time.Millisecond || d > 20*time.Millisecond {
			t.Errorf("switch %d at %v, want %v ± 20ms", i, at, want)
		}
	}
	if len(switches) < 9 {
		t.Errorf("%d switches in 1s, want at least 9", len(switches))
	}
}

func TestFIFORunsUntilBlocked(t *testing.T) {
	s := newTestScheduler(t, 1, map[string]int64{tunable.SchedRTRuntime: tunable.Unlimited})
	a := s.spawnRT(t, "a", FIFO, 10)
	b := s.spawnRT(t, "b", FIFO, 10)
	s.Advance(500 * time.Millisecond)
	if got := s.Current(0); got != a {
		t.Fatalf("current is %q, want a", got.Name)
	}
	if got := a.Stats().RTTimeout; got != 500 {
		t.Errorf("a: RT timeout %d ticks, want 500", got)
	}
	if err := s.SetState(a, Interruptible); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	if got := s.Current(0); got != b {
		t.Errorf("after a blocks current is %q, want b", got.Name)
	}
	if st := a.Stats(); st.Voluntary != 1 || st.SumExec != 500*time.Millisecond {
		t.Errorf("a: %d voluntary switches, ran %v; want 1, 500ms", st.Voluntary, st.SumExec)
	}
	if got := a.Stats().RTTimeout; got != 0 {
		t.Errorf("a: RT timeout %d ticks after sleeping, want 0", got)
	}
	s.Advance(3 * time.Millisecond)
	if got := b.Stats().RTTimeout; got != 3 {
		t.Errorf("b: RT timeout %d ticks, want 3", got)
	}
}

func TestTaskPriorities(t *testing.T) {
	s := newTestScheduler(t, 1, nil)
	task := s.spawn(t, "t")
	task.SetCaps(CapSysNice)

	type prios struct {
		Prio, Static, Normal int
	}
	for _, tc := range []struct {
		name string
		set  func() error
		want prios
	}{
		{"nice 5", func() error { return s.SetNice(task, 5) }, prios{125, 125, 125}},
		{"rr 30", func() error { return s.SetPolicy(task, RR, 30) }, prios{30, 125, 30}},
		{"nice -3 while RT", func() error { return s.SetNice(task, -3) }, prios{30, 117, 30}},
		{"fifo 10", func() error { return s.SetPolicy(task, FIFO, 10) }, prios{10, 117, 10}},
		{"back to normal", func() error { return s.SetPolicy(task, Normal, 0) }, prios{117, 117, 117}},
	} {
		if err := tc.set(); err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		st := task.Stats()
		if diff := cmp.Diff(tc.want, prios{st.Prio, st.StaticPrio, st.NormalPrio}); diff != "" {
			t.Errorf("%s: priorities mismatch (-want +got):\n%s", tc.name, diff)
		}
	}

	child, err := s.TaskFork(task, "child")
	if err != nil {
		t.Fatalf("TaskFork failed: %v", err)
	}
	if st := child.Stats(); st.Prio != 117 || st.StaticPrio != 117 || st.NormalPrio != 117 {
		t.Errorf("child priorities %d/%d/%d, want 117/117/117", st.Prio, st.StaticPrio, st.NormalPrio)
	}
}

func TestTaskTimes(t *testing.T) {
	s := newTestScheduler(t, 1, nil)
	task := s.spawn(t, "t")
	s.Advance(10 * time.Millisecond)
	if prev := task.SetExecMode(SysMode); prev != UserMode {
		t.Errorf("SetExecMode returned %v, want UserMode", prev)
	}
	s.Advance(5 * time.Millisecond)
	task.SetExecMode(UserMode)
	s.Advance(5 * time.Millisecond)

	st := task.Stats()
	if st.STime != 5*time.Millisecond {
		t.Errorf("stime = %v, want 5ms", st.STime)
	}
	if st.UTime < 14*time.Millisecond {
		t.Errorf("utime = %v, want at least 14ms", st.UTime)
	}
	if st.UTime+st.STime != st.SumExec {
		t.Errorf("utime %v + stime %v != sum_exec %v", st.UTime, st.STime, st.SumExec)
	}
}

func TestRTBandwidthThrottle(t *testing.T) {
	s := newTestScheduler(t, 1, nil)
	rt := s.spawnRT(t, "rt", FIFO, 50)
	normal := s.spawn(t, "normal")
	s.Advance(time.Second)
	if got, want := rt.SumExec(), 950*time.Millisecond; got != want {
		t.Errorf("RT task ran %v, want %v", got, want)
	}
	if got, want := normal.SumExec(), 50*time.Millisecond; got != want {
		t.Errorf("normal task ran %v, want %v", got, want)
	}
	if got := s.Current(0); got != rt {
		t.Errorf("after the period current is %q, want rt", got.Name)
	}
}

func TestCFSQuotaThrottle(t *testing.T) {
	s := newTestScheduler(t, 1, map[string]int64{tunable.SchedCFSQuota: 50000})
	task := s.spawn(t, "limited")

	s.Advance(60 * time.Millisecond)
	if got := task.SumExec(); got != 50*time.Millisecond {
		t.Errorf("ran %v in the first period, want 50ms", got)
	}
	if st := s.RunQueueStats(0); !st.CFSThrottled || st.Current != 0 {
		t.Errorf("runqueue throttled %t running pid %d, want throttled and idle", st.CFSThrottled, st.Current)
	}
	if !task.Stats().Throttled {
		t.Errorf("task not marked throttled")
	}

	s.Advance(40 * time.Millisecond)
	if st := s.RunQueueStats(0); st.CFSThrottled || st.Current != task.PID {
		t.Errorf("after the period: throttled %t running pid %d, want unthrottled running %d", st.CFSThrottled, st.Current, task.PID)
	}
	s.Advance(100 * time.Millisecond)
	if got := task.SumExec(); got != 100*time.Millisecond {
		t.Errorf("ran %v in two periods, want 100ms", got)
	}
}

func TestYield(t *testing.T) {
	s := newTestScheduler(t, 1, nil)
	a := s.spawn(t, "a")
	b := s.spawn(t, "b")
	if got := s.Current(0); got != a {
		t.Fatalf("current is %q, want a", got.Name)
	}
	s.Yield(0)
	if got := s.Current(0); got != b {
		t.Errorf("after yield current is %q, want b", got.Name)
	}
	if a.Vruntime() <= b.Vruntime() {
		t.Errorf("yielded vruntime %d not behind %d", a.Vruntime(), b.Vruntime())
	}
}

func TestSetPolicyErrors(t *testing.T) {
	s := newTestScheduler(t, 1, nil)
	task, err := s.TaskCreate(0, "t")
	if err != nil {
		t.Fatalf("TaskCreate failed: %v", err)
	}
	for _, tc := range []struct {
		name   string
		caps   Caps
		policy Policy
		prio   int
		want   error
	}{
		{name: "deadline", caps: CapSysNice, policy: Deadline, want: kerr.EINVAL},
		{name: "prio too high", caps: CapSysNice, policy: FIFO, prio: MaxRTPrio, want: kerr.EINVAL},
		{name: "negative prio", caps: CapSysNice, policy: RR, prio: -1, want: kerr.EINVAL},
		{name: "normal with prio", caps: CapSysNice, policy: Normal, prio: 5, want: kerr.EINVAL},
		{name: "unknown", caps: CapSysNice, policy: Policy(4), want: kerr.EINVAL},
		{name: "enter RT without cap", policy: FIFO, prio: 10, want: kerr.EPERM},
		{name: "enter RT", caps: CapSysNice, policy: FIFO, prio: 10},
		{name: "less urgent without cap", policy: RR, prio: 20},
		{name: "more urgent without cap", policy: RR, prio: 5, want: kerr.EPERM},
		{name: "batch", policy: Batch},
		{name: "idle", policy: Idle},
	} {
		t.Run(tc.name, func(t *testing.T) {
			task.SetCaps(tc.caps)
			if err := s.SetPolicy(task, tc.policy, tc.prio); !errors.Is(err, tc.want) {
				t.Errorf("SetPolicy(%v, %d) = %v, want %v", tc.policy, tc.prio, err, tc.want)
			}
		})
	}
	if st := task.Stats(); st.Policy != Idle || st.Prio != DefaultPrio {
		t.Errorf("final policy %v prio %d, want idle %d", st.Policy, st.Prio, DefaultPrio)
	}
}

func TestSetPolicyRunning(t *testing.T) {
	s := newTestScheduler(t, 1, nil)
	a := s.spawn(t, "a")
	b := s.spawn(t, "b")
	b.SetCaps(CapSysNice)
	if err := s.SetPolicy(b, FIFO, 1); err != nil {
		t.Fatalf("SetPolicy(queued) failed: %v", err)
	}
	if got := s.Current(0); got != b {
		t.Fatalf("current is %q, want b", got.Name)
	}
	if err := s.SetPolicy(b, Normal, 0); err != nil {
		t.Fatalf("SetPolicy(running) failed: %v", err)
	}
	s.Advance(100 * time.Millisecond)
	if a.SumExec() == 0 {
		t.Errorf("a never ran after b left RT")
	}
	if err := s.CheckRunQueue(0); err != nil {
		t.Errorf("CheckRunQueue: %v", err)
	}
}

func TestSetNice(t *testing.T) {
	s := newTestScheduler(t, 1, nil)
	task := s.spawn(t, "t")
	for _, tc := range []struct {
		nice int
		caps Caps
		want error
	}{
		{nice: MaxNice + 1, want: kerr.EINVAL},
		{nice: MinNice - 1, caps: CapSysNice, want: kerr.EINVAL},
		{nice: -1, want: kerr.EPERM},
		{nice: 5},
		{nice: 3, want: kerr.EPERM},
		{nice: 10},
		{nice: -5, caps: CapSysNice},
	} {
		task.SetCaps(tc.caps)
		if err := s.SetNice(task, tc.nice); !errors.Is(err, tc.want) {
			t.Errorf("SetNice(%d) with caps %v = %v, want %v", tc.nice, tc.caps, err, tc.want)
		}
	}
	if got := task.Stats().Nice; got != -5 {
		t.Errorf("nice = %d, want -5", got)
	}
	if got, want := s.RunQueueStats(0).Load, NiceToWeight(-5); got != want {
		t.Errorf("runqueue load %d, want %d", got, want)
	}
}

func TestSetAffinity(t *testing.T) {
	s := newTestScheduler(t, 2, nil)
	task := s.spawn(t, "t")
	if got := task.CPU(); got != 0 {
		t.Fatalf("woke on cpu %d, want 0", got)
	}
	for _, mask := range []bitmap.Bitmap{bitmap.New(2), cpuMask(8, 5, 7)} {
		if err := s.SetAffinity(task, mask); !errors.Is(err, kerr.EINVAL) {
			t.Errorf("SetAffinity(%v) = %v, want EINVAL", mask, err)
		}
	}
	if err := s.SetAffinity(task, cpuMask(8, 1, 5)); err != nil {
		t.Fatalf("SetAffinity failed: %v", err)
	}
	if got := task.CPU(); got != 1 {
		t.Errorf("task on cpu %d, want 1", got)
	}
	if got := s.Current(1); got != task {
		t.Errorf("cpu 1 runs %q, want t", got.Name)
	}
	if got, want := task.Allowed(), cpuMask(2, 1); !got.Equal(&want) {
		t.Errorf("allowed %v, want %v", got, want)
	}
	if st := task.Stats(); st.Migrations != 1 {
		t.Errorf("%d migrations, want 1", st.Migrations)
	}
}

func TestForcedWakeupOutsideAffinity(t *testing.T) {
	s := newTestScheduler(t, 2, nil)
	task, err := s.TaskCreate(0, "pinned")
	if err != nil {
		t.Fatalf("TaskCreate failed: %v", err)
	}
	if err := s.SetAffinity(task, cpuMask(2, 1)); err != nil {
		t.Fatalf("SetAffinity failed: %v", err)
	}
	var d deferred
	if err := s.wakeUp(task, 0, &d); err != nil {
		t.Fatalf("wakeUp failed: %v", err)
	}
	s.finish(&d)
	if got := task.CPU(); got != 1 {
		t.Errorf("task on cpu %d, want 1", got)
	}
	h := s.Recovery().History()
	if len(h) != 1 || h[0].Condition != AffinityViolation || h[0].Action != MigrateTask || h[0].PID != task.PID {
		t.Errorf("history %v, want one affinity violation for pid %d", h, task.PID)
	}
}

func TestKillAndReap(t *testing.T) {
	s := newTestScheduler(t, 1, nil)
	task := s.spawn(t, "victim")
	if err := s.TaskDestroy(task); !errors.Is(err, kerr.EBUSY) {
		t.Errorf("TaskDestroy(running) = %v, want EBUSY", err)
	}
	if err := s.Reap(task); !errors.Is(err, kerr.EBUSY) {
		t.Errorf("Reap(running) = %v, want EBUSY", err)
	}
	if err := s.Kill(task, -12); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	if err := s.WakeUp(task); !errors.Is(err, kerr.ESRCH) {
		t.Errorf("WakeUp(zombie) = %v, want ESRCH", err)
	}
	if err := s.Reap(task); err != nil {
		t.Fatalf("Reap failed: %v", err)
	}
	if got := s.fake.count(); got != 1 {
		t.Errorf("%d live records before the next tick, want 1", got)
	}
	s.Tick(0)
	if got := s.Current(0); !got.idle {
		t.Errorf("current is %q, want idle", got.Name)
	}
	if got := s.fake.count(); got != 0 {
		t.Errorf("%d live records, want 0", got)
	}
	if _, err := s.Lookup(task.PID); !errors.Is(err, kerr.ESRCH) {
		t.Errorf("Lookup(reaped) = %v, want ESRCH", err)
	}
	if got := task.ExitCode(); got != -12 {
		t.Errorf("exit code %d, want -12", got)
	}
	if err := s.TaskDestroy(task); !errors.Is(err, kerr.ESRCH) {
		t.Errorf("TaskDestroy(reaped) = %v, want ESRCH", err)
	}
}

func TestTaskDestroySleeping(t *testing.T) {
	s := newTestScheduler(t, 1, nil)
	task := s.spawn(t, "sleeper")
	if err := s.SetState(task, Uninterruptible); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	if err := s.TaskDestroy(task); err != nil {
		t.Errorf("TaskDestroy failed: %v", err)
	}
	if got := s.fake.count(); got != 0 {
		t.Errorf("%d live records, want 0", got)
	}
}

func TestTaskFork(t *testing.T) {
	s := newTestScheduler(t, 2, nil)
	parent := s.spawnRT(t, "parent", RR, 10)
	if err := s.SetAffinity(parent, cpuMask(2, 1)); err != nil {
		t.Fatalf("SetAffinity failed: %v", err)
	}
	child, err := s.TaskFork(parent, "child")
	if err != nil {
		t.Fatalf("TaskFork failed: %v", err)
	}
	if child.TGID != child.PID || child.State() != Interruptible {
		t.Errorf("child tgid %d state %v, want a new sleeping thread group", child.TGID, child.State())
	}
	if !child.HasCap(CapSysNice) {
		t.Errorf("child lost CapSysNice")
	}
	st := child.Stats()
	if st.Policy != RR || st.Prio != 10 {
		t.Errorf("child is %v/%d, want %v/10", st.Policy, st.Prio, RR)
	}
	if allowed := child.Allowed(); allowed.Contains(0) || !allowed.Contains(1) {
		t.Errorf("child allowed on %v, want cpu 1 only", allowed)
	}
	if err := s.WakeUp(child); err != nil {
		t.Fatalf("WakeUp failed: %v", err)
	}
	if got := child.CPU(); got != 1 {
		t.Errorf("child woke on cpu %d, want 1", got)
	}

	if err := s.Kill(parent, 0); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	if _, err := s.TaskFork(parent, "orphan"); !errors.Is(err, kerr.ESRCH) {
		t.Errorf("TaskFork of a zombie = %v, want ESRCH", err)
	}
}

func TestBalance(t *testing.T) {
	s := newTestScheduler(t, 2, nil)
	var tasks []*Task
	for _, name := range []string{"a", "b", "c", "d"} {
		task, err := s.TaskCreate(0, name)
		if err != nil {
			t.Fatalf("TaskCreate failed: %v", err)
		}
		if err := s.SetAffinity(task, cpuMask(2, 0)); err != nil {
			t.Fatalf("SetAffinity failed: %v", err)
		}
		if err := s.WakeUp(task); err != nil {
			t.Fatalf("WakeUp failed: %v", err)
		}
		if err := s.SetAffinity(task, cpuMask(2, 0, 1)); err != nil {
			t.Fatalf("SetAffinity failed: %v", err)
		}
		tasks = append(tasks, task)
	}
	if st := s.RunQueueStats(0); st.NrRunning != 4 {
		t.Fatalf("cpu 0 runs %d tasks, want 4", st.NrRunning)
	}
	s.Advance(150 * time.Millisecond)
	for cpu := 0; cpu < 2; cpu++ {
		if st := s.RunQueueStats(cpu); st.NrRunning != 2 || st.Load != 2*NiceZeroLoad {
			t.Errorf("cpu %d: %d tasks, load %d; want 2, %d", cpu, st.NrRunning, st.Load, 2*NiceZeroLoad)
		}
	}
	var migrated uint64
	for _, task := range tasks {
		migrated += task.Stats().Migrations
	}
	if migrated != 2 {
		t.Errorf("%d migrations, want 2", migrated)
	}
}

func TestSelectCPU(t *testing.T) {
	s := newTestScheduler(t, 4, nil)
	for i := 0; i < 4; i++ {
		task := s.spawn(t, "cfs")
		if got := task.CPU(); got != i {
			t.Errorf("task %d woke on cpu %d, want %d", i, got, i)
		}
	}
	// Every CPU runs a CFS task, so RT tasks spread by RT count.
	for i := 0; i < 4; i++ {
		task := s.spawnRT(t, "rt", FIFO, 10)
		if got := task.CPU(); got != i {
			t.Errorf("RT task %d woke on cpu %d, want %d", i, got, i)
		}
	}
	// No CPU runs anything less urgent now; fall back to the previous CPU.
	task := s.spawnRT(t, "late", FIFO, 50)
	if got := task.CPU(); got != 0 {
		t.Errorf("late RT task woke on cpu %d, want 0", got)
	}
}

func TestRTPull(t *testing.T) {
	s := newTestScheduler(t, 2, map[string]int64{tunable.SchedRTRuntime: tunable.Unlimited})
	hog := s.spawnRT(t, "hog", FIFO, 5)
	if hog.CPU() != 0 {
		t.Fatalf("hog on cpu %d, want 0", hog.CPU())
	}
	if err := s.SetAffinity(hog, cpuMask(2, 0)); err != nil {
		t.Fatalf("SetAffinity failed: %v", err)
	}
	blocker := s.spawnRT(t, "blocker", FIFO, 5)
	if err := s.SetAffinity(blocker, cpuMask(2, 1)); err != nil {
		t.Fatalf("SetAffinity failed: %v", err)
	}

	// waiter lands behind hog on cpu 0, then blocker leaves cpu 1 idle.
	waiter, err := s.TaskCreate(0, "waiter")
	if err != nil {
		t.Fatalf("TaskCreate failed: %v", err)
	}
	waiter.SetCaps(CapSysNice)
	if err := s.SetPolicy(waiter, FIFO, 20); err != nil {
		t.Fatalf("SetPolicy failed: %v", err)
	}
	var d deferred
	if err := s.wakeUp(waiter, 0, &d); err != nil {
		t.Fatalf("wakeUp failed: %v", err)
	}
	s.finish(&d)
	if err := s.SetState(blocker, Interruptible); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}

	s.Advance(100 * time.Millisecond)
	if got := s.Current(1); got != waiter {
		t.Errorf("cpu 1 runs %q, want waiter", got.Name)
	}
	if got := s.Current(0); got != hog {
		t.Errorf("cpu 0 runs %q, want hog", got.Name)
	}
}

func TestStarvationReported(t *testing.T) {
	s := newTestScheduler(t, 1, map[string]int64{tunable.SchedRTRuntime: tunable.Unlimited})
	s.spawnRT(t, "hog", FIFO, 0)
	starved := s.spawn(t, "starved")
	s.Advance(3 * time.Second)
	h := s.Recovery().History()
	if len(h) != 1 || h[0].Condition != Starvation || h[0].PID != starved.PID || h[0].Action != Rebalance {
		t.Errorf("history %v, want one starvation event for pid %d", h, starved.PID)
	}
}

func TestInterruptStorm(t *testing.T) {
	reg := tunable.NewRegistry()
	s, err := New(Config{NumCPUs: 2, StormThreshold: 10}, reg, &fakeRecords{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		s.RaiseInterrupt(1)
	}
	s.TickAll()
	if n := s.Recovery().Count(InterruptStorm); n != 0 {
		t.Errorf("%d storms at the threshold, want 0", n)
	}
	for i := 0; i < 11; i++ {
		s.RaiseInterrupt(1)
	}
	s.TickAll()
	h := s.Recovery().History()
	if len(h) != 1 || h[0].Condition != InterruptStorm || h[0].CPU != 1 || h[0].Action != Log {
		t.Errorf("history %v, want one storm on cpu 1", h)
	}
}

func TestRunQueueCorruptionReset(t *testing.T) {
	s := newTestScheduler(t, 1, nil)
	s.spawn(t, "a")
	s.spawn(t, "b")
	s.spawnRT(t, "rt", RR, 3)

	rq := s.rqs[0]
	rq.cfs.nr += 3
	rq.rt.active.Add(40)
	err := s.CheckRunQueue(0)
	if !errors.Is(err, kerr.EUCLEAN) {
		t.Fatalf("CheckRunQueue = %v, want EUCLEAN", err)
	}
	if err := s.CheckRunQueue(0); err != nil {
		t.Errorf("CheckRunQueue after reset = %v", err)
	}
	if n := s.Recovery().Count(RunqueueCorruption); n != 1 {
		t.Errorf("%d corruption reports, want 1", n)
	}
	if st := s.RunQueueStats(0); st.NrRunning != 3 {
		t.Errorf("%d runnable tasks after reset, want 3", st.NrRunning)
	}
}

func TestLoadAvg(t *testing.T) {
	s := newTestScheduler(t, 1, nil)
	s.spawn(t, "a")
	s.spawn(t, "b")
	s.Advance(time.Minute)
	got := s.LoadAvg()
	want := [3]float64{
		2 * (1 - math.Exp(-1)),
		2 * (1 - math.Exp(-60.0/300)),
		2 * (1 - math.Exp(-60.0/900)),
	}
	if !cmp.Equal(got, want, cmp.Comparer(func(a, b float64) bool { return math.Abs(a-b) < 1e-6 })) {
		t.Errorf("LoadAvg() = %v, want %v", got, want)
	}
}

func TestTunablesApplyImmediately(t *testing.T) {
	s := newTestScheduler(t, 1, nil)
	task := s.spawn(t, "t")
	if err := s.reg.Set(tunable.SchedCFSQuota, 10000); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	s.Advance(100 * time.Millisecond)
	if got := task.SumExec(); got != 10*time.Millisecond {
		t.Errorf("ran %v, want 10ms under a 10ms quota", got)
	}
}

func TestStartStop(t *testing.T) {
	reg := tunable.NewRegistry()
	s, err := New(Config{NumCPUs: 2, TickInterval: 100 * time.Microsecond}, reg, &fakeRecords{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, kerr.EBUSY) {
		t.Errorf("second Start = %v, want EBUSY", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for s.Clock(0) == 0 || s.Clock(1) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("clocks did not advance")
		}
		time.Sleep(time.Millisecond)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	stopped := s.Clock(0)
	time.Sleep(5 * time.Millisecond)
	if got := s.Clock(0); got != stopped {
		t.Errorf("clock moved from %v to %v after Stop", stopped, got)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}

func TestPrintStats(t *testing.T) {
	s := newTestScheduler(t, 2, nil)
	s.spawn(t, "worker")
	s.Advance(10 * time.Millisecond)
	var buf bytes.Buffer
	if err := s.PrintStats(&buf); err != nil {
		t.Fatalf("PrintStats failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"load average:", "MIN_VRUNTIME", "worker", "normal"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
