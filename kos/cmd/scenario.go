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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/google/subcommands"
	"kos.dev/kos/pkg/errors/kerr"
	"kos.dev/kos/pkg/hostarch"
	"kos.dev/kos/pkg/sentry/kernel"
	"kos.dev/kos/pkg/sentry/kernel/sched"
	"kos.dev/kos/pkg/sentry/kernel/tunable"
	"kos.dev/kos/pkg/sentry/kmalloc"
	"kos.dev/kos/pkg/sentry/mm"
	"kos.dev/kos/pkg/sentry/page"
	"kos.dev/kos/pkg/sentry/pgalloc"
	"kos.dev/kos/pkg/sentry/slab"
)

// Scenario implements subcommands.Command for the "scenario" command.
type Scenario struct{}

// scenario is one end-to-end check. run writes the values it observes to w
// and returns an error if they are not the expected ones.
type scenario struct {
	doc string
	run func(w io.Writer) error
}

var scenarios = map[string]scenario{
	"s1": {"buddy alloc/free churn coalesces back to one block", runBuddyChurn},
	"s2": {"slab reuse: refilling freed objects does not grow the cache", runSlabReuse},
	"s3": {"kmalloc size routing", runKmallocRouting},
	"s4": {"CFS fairness between four nice 0 tasks", runCFSFairness},
	"s5": {"a waking FIFO task preempts a normal task", runRTPreemption},
	"s6": {"RR rotation between two equal priority tasks", runRRRotation},
	"s7": {"munmap in the middle of a VMA splits it", runVMASplit},
}

// scenarioNames returns every scenario name, sorted.
func scenarioNames() []string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// runScenario runs the named scenario.
func runScenario(name string, w io.Writer) error {
	s, ok := scenarios[name]
	if !ok {
		return fmt.Errorf("unknown scenario %q, want one of %v: %w", name, scenarioNames(), kerr.ENOENT)
	}
	return s.run(w)
}

// Name implements subcommands.Command.Name.
func (*Scenario) Name() string {
	return "scenario"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scenario) Synopsis() string {
	return "run end-to-end scenarios and print the observed values"
}

// Usage implements subcommands.Command.Usage.
func (*Scenario) Usage() string {
	var s string
	for _, name := range scenarioNames() {
		s += fmt.Sprintf("  %s  %s\n", name, scenarios[name].doc)
	}
	return `scenario [all | <name>...] - runs the named scenarios, or all of them.

Scenarios:
` + s
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Scenario) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Scenario) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	names := f.Args()
	if len(names) == 0 || (len(names) == 1 && names[0] == "all") {
		names = scenarioNames()
	}
	for _, name := range names {
		if _, ok := scenarios[name]; !ok {
			fmt.Fprintf(os.Stderr, "unknown scenario %q\n", name)
			f.Usage()
			return subcommands.ExitUsageError
		}
	}

	status := subcommands.ExitSuccess
	for _, name := range names {
		fmt.Printf("== %s: %s\n", name, scenarios[name].doc)
		if err := runScenario(name, os.Stdout); err != nil {
			fmt.Printf("FAIL: %v\n", err)
			status = subcommands.ExitFailure
			continue
		}
		fmt.Println("PASS")
	}
	return status
}

const scenarioFrames = 1024

var allNormal = pgalloc.ZoneLayout{DMAEnd: 0, NormalEnd: page.NoPFN}

func newScenarioPages() (*pgalloc.Allocator, error) {
	a := pgalloc.New(page.NewDB(scenarioFrames), allNormal)
	if err := a.AddMemory(0, scenarioFrames); err != nil {
		return nil, err
	}
	return a, nil
}

func newScenarioKernel(cpus int, tunables map[string]int64) (*kernel.Kernel, error) {
	reg := tunable.NewRegistry()
	if err := reg.SetAll(tunables); err != nil {
		return nil, err
	}
	return kernel.New(kernel.Args{
		NumCPUs:     cpus,
		MemoryPages: 4 * scenarioFrames,
		Zones:       allNormal,
		TickPeriod:  time.Millisecond,
		Tunables:    reg,
	})
}

// startProcess creates and starts a process, optionally with an RT policy.
func startProcess(k *kernel.Kernel, name string, policy sched.Policy, prio int) (*kernel.Process, error) {
	p, err := k.CreateProcess(name)
	if err != nil {
		return nil, err
	}
	if policy.IsRT() {
		p.Task().SetCaps(sched.CapSysNice)
		if err := k.Sched().SetPolicy(p.Task(), policy, prio); err != nil {
			return nil, err
		}
	}
	if err := k.StartProcess(p); err != nil {
		return nil, err
	}
	return p, nil
}

func runBuddyChurn(w io.Writer) error {
	a, err := newScenarioPages()
	if err != nil {
		return err
	}
	type block struct {
		pfn   page.PFN
		order int
	}
	var blocks []block
	for _, burst := range []struct{ n, order int }{{100, 0}, {10, 4}} {
		for i := 0; i < burst.n; i++ {
			pfn, err := a.Alloc(burst.order, pgalloc.GFPNormal)
			if err != nil {
				return fmt.Errorf("allocating order %d block %d: %w", burst.order, i, err)
			}
			blocks = append(blocks, block{pfn, burst.order})
		}
	}
	fmt.Fprintf(w, "after allocation: free_pages=%d\n", a.FreePages())

	for i := len(blocks) - 1; i >= 0; i-- {
		if err := a.Free(blocks[i].pfn, blocks[i].order); err != nil {
			return fmt.Errorf("freeing %v order %d: %w", blocks[i].pfn, blocks[i].order, err)
		}
	}
	zs := a.ZoneStats(page.ZoneNormal)
	fmt.Fprintf(w, "after free: free_pages=%d nr_free=%v\n", zs.Free, zs.NrFree)

	if zs.Free != scenarioFrames {
		return fmt.Errorf("free_pages=%d, want %d", zs.Free, scenarioFrames)
	}
	var want [pgalloc.NumOrders]uint64
	want[pgalloc.MaxOrder] = 1
	if zs.NrFree != want {
		return fmt.Errorf("nr_free=%v, want %v", zs.NrFree, want)
	}
	return a.CheckInvariants()
}

func runSlabReuse(w io.Writer) error {
	pages, err := newScenarioPages()
	if err != nil {
		return err
	}
	c, err := slab.New(pages).CreateCache("obj-128", 128, 0, nil)
	if err != nil {
		return err
	}
	objs := make([]hostarch.Addr, 1000)
	for i := range objs {
		if objs[i], err = c.Alloc(false); err != nil {
			return fmt.Errorf("allocating object %d: %w", i, err)
		}
	}
	grows := c.Stats().Grows

	// Freeing every other object leaves each slab partial.
	var freed []int
	for i := 0; i < len(objs); i += 2 {
		freed = append(freed, i)
	}
	rng := rand.New(rand.NewSource(2))
	rng.Shuffle(len(freed), func(i, j int) { freed[i], freed[j] = freed[j], freed[i] })
	for _, i := range freed {
		if err := c.Free(objs[i]); err != nil {
			return fmt.Errorf("freeing %v: %w", objs[i], err)
		}
	}
	mid := c.Stats()
	fmt.Fprintf(w, "after free: inuse=%d partial=%d empty=%d grows=%d\n", mid.InUse, mid.PartialSlabs, mid.EmptySlabs, mid.Grows)

	for i := 0; i < len(freed); i++ {
		if _, err := c.Alloc(false); err != nil {
			return fmt.Errorf("reallocating object %d: %w", i, err)
		}
	}
	st := c.Stats()
	fmt.Fprintf(w, "after refill: inuse=%d grows=%d (was %d)\n", st.InUse, st.Grows, grows)
	if st.Grows != grows {
		return fmt.Errorf("refill grew the cache %d times", st.Grows-grows)
	}
	if st.InUse != 1000 {
		return fmt.Errorf("inuse=%d, want 1000", st.InUse)
	}
	return c.CheckInvariants()
}

func runKmallocRouting(w io.Writer) error {
	pages, err := newScenarioPages()
	if err != nil {
		return err
	}
	a, err := kmalloc.New(slab.New(pages))
	if err != nil {
		return err
	}
	for _, tc := range []struct {
		size, want uint64
	}{
		{50, 64},
		{50000, 50000},
	} {
		ptr, err := a.Kmalloc(tc.size, pgalloc.GFPNormal)
		if err != nil {
			return fmt.Errorf("kmalloc(%d): %w", tc.size, err)
		}
		got, err := a.Ksize(ptr)
		if err != nil {
			return fmt.Errorf("ksize(kmalloc(%d)): %w", tc.size, err)
		}
		fmt.Fprintf(w, "ksize(kmalloc(%d)) = %d\n", tc.size, got)
		if got != tc.want {
			return fmt.Errorf("ksize(kmalloc(%d)) = %d, want %d", tc.size, got, tc.want)
		}
		if err := a.Kfree(ptr); err != nil {
			return fmt.Errorf("kfree(%v): %w", ptr, err)
		}
	}
	return nil
}

func runCFSFairness(w io.Writer) error {
	k, err := newScenarioKernel(1, nil)
	if err != nil {
		return err
	}
	var procs []*kernel.Process
	for _, name := range []string{"a", "b", "c", "d"} {
		p, err := startProcess(k, name, sched.Normal, 0)
		if err != nil {
			return err
		}
		procs = append(procs, p)
	}
	k.Sched().Advance(10 * time.Second)

	for _, p := range procs {
		fmt.Fprintf(w, "%s: sum_exec=%v\n", p.Comm(), p.Task().SumExec())
	}
	for _, a := range procs {
		for _, b := range procs {
			ra, rb := a.Task().SumExec(), b.Task().SumExec()
			if rb == 0 {
				return fmt.Errorf("task %q never ran", b.Comm())
			}
			if r := float64(ra) / float64(rb); r < 0.9 || r > 1.1 {
				return fmt.Errorf("runtime ratio %s/%s = %.3f, want within [0.9, 1.1]", a.Comm(), b.Comm(), r)
			}
		}
	}
	return nil
}

func runRTPreemption(w io.Writer) error {
	k, err := newScenarioKernel(1, nil)
	if err != nil {
		return err
	}
	normal, err := startProcess(k, "normal", sched.Normal, 0)
	if err != nil {
		return err
	}
	k.Sched().Advance(5 * time.Millisecond)
	if curr := k.Sched().Current(0); curr != normal.Task() {
		return fmt.Errorf("current is %q before the wakeup, want normal", curr.Name)
	}
	fifo, err := startProcess(k, "fifo", sched.FIFO, 50)
	if err != nil {
		return err
	}
	curr := k.Sched().Current(0)
	fmt.Fprintf(w, "after wakeup: current=%q policy=%v prio=%d\n", curr.Name, curr.Policy(), curr.Stats().Prio)
	if curr != fifo.Task() || curr.Policy() != sched.FIFO {
		return fmt.Errorf("current is %q (%v), want fifo", curr.Name, curr.Policy())
	}
	return nil
}

func runRRRotation(w io.Writer) error {
	k, err := newScenarioKernel(1, map[string]int64{tunable.SchedRTRuntime: tunable.Unlimited})
	if err != nil {
		return err
	}
	var procs []*kernel.Process
	for _, name := range []string{"a", "b"} {
		p, err := startProcess(k, name, sched.RR, 60)
		if err != nil {
			return err
		}
		procs = append(procs, p)
	}

	var switches []time.Duration
	last := k.Sched().Current(0)
	for i := 0; i < 1000; i++ {
		k.Sched().TickAll()
		if curr := k.Sched().Current(0); curr != last {
			switches = append(switches, k.Sched().Clock(0))
			last = curr
		}
	}
	fmt.Fprintf(w, "switches at %v\n", switches)
	for _, p := range procs {
		got := p.Task().SumExec()
		fmt.Fprintf(w, "%s: sum_exec=%v\n", p.Comm(), got)
		if got < 480*time.Millisecond || got > 520*time.Millisecond {
			return fmt.Errorf("task %q ran %v, want 500ms ± 20ms", p.Comm(), got)
		}
	}
	if len(switches) < 9 {
		return fmt.Errorf("%d switches in 1s, want at least 9", len(switches))
	}
	for i, at := range switches {
		want := time.Duration(i+1) * sched.RRTimeslice
		if d := at - want; d < -20*time.Millisecond || d > 20*time.Millisecond {
			return fmt.Errorf("switch %d at %v, want %v ± 20ms", i, at, want)
		}
	}
	return nil
}

func runVMASplit(w io.Writer) error {
	k, err := newScenarioKernel(1, nil)
	if err != nil {
		return err
	}
	p, err := k.CreateProcess("s7")
	if err != nil {
		return err
	}
	const hint = hostarch.Addr(0x10000000)
	addr, err := p.MM().MMap(mm.MMapOpts{
		Addr:   hint,
		Length: 12 * hostarch.PageSize,
		Perms:  hostarch.ReadWrite,
		Flags:  mm.MapPrivate | mm.MapAnonymous,
	})
	if err != nil {
		return err
	}
	if addr != hint {
		return fmt.Errorf("mmap placed the region at %v, want %v", addr, hint)
	}
	before := p.MM().TotalVM()
	if err := p.MM().MUnmap(addr+4*hostarch.PageSize, 4*hostarch.PageSize); err != nil {
		return err
	}
	after := p.MM().TotalVM()

	region := hostarch.AddrRange{Start: hint, End: hint + 12*hostarch.PageSize}
	var got []hostarch.AddrRange
	for _, v := range p.MM().VMAs() {
		if r := v.Range(); r.Start < region.End && region.Start < r.End {
			got = append(got, r)
		}
	}
	fmt.Fprintf(w, "vmas=%v total_vm %d -> %d\n", got, before, after)

	want := []hostarch.AddrRange{
		{Start: 0x10000000, End: 0x10004000},
		{Start: 0x10008000, End: 0x1000c000},
	}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		return fmt.Errorf("vmas %v, want %v", got, want)
	}
	if before-after != 4 {
		return fmt.Errorf("total_vm dropped by %d, want 4", before-after)
	}
	return p.MM().CheckInvariants()
}
