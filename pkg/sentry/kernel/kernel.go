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

// Package kernel ties the memory and scheduling subsystems together into a
// running system of processes.
//
// A Kernel owns one frame database and the allocators layered on it, the
// caches for task records and page tables, the tunable registry, and the
// scheduler. A Process pairs a scheduler task with an address space.
//
// Lock order (outermost locks must be taken first):
//
//	Kernel.mu
//	  Process.mu
//
// Neither lock is held across calls into mm or sched.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"kos.dev/kos/pkg/errors/kerr"
	"kos.dev/kos/pkg/hostarch"
	"kos.dev/kos/pkg/log"
	"kos.dev/kos/pkg/sentry/kernel/sched"
	"kos.dev/kos/pkg/sentry/kernel/tunable"
	"kos.dev/kos/pkg/sentry/kmalloc"
	"kos.dev/kos/pkg/sentry/mm"
	"kos.dev/kos/pkg/sentry/page"
	"kos.dev/kos/pkg/sentry/pagetables"
	"kos.dev/kos/pkg/sentry/pgalloc"
	"kos.dev/kos/pkg/sentry/slab"
)

const (
	// TaskCacheName is the slab cache of task records.
	TaskCacheName = "task_struct"

	// taskRecordSize and taskRecordAlign size a task record.
	taskRecordSize  = 1024
	taskRecordAlign = 64

	// DefaultStackSize is the size of the stack VMA of a new process.
	DefaultStackSize = 128 << 10

	// DefaultFaultRetryDelay is the pause between OOM fault retries.
	DefaultFaultRetryDelay = time.Millisecond
)

// Args are the arguments to New.
type Args struct {
	// NumCPUs is the number of simulated CPUs.
	NumCPUs int

	// MemoryPages is the number of physical frames.
	MemoryPages uint64

	// Zones assigns frames to zones. The zero value means
	// pgalloc.DefaultZoneLayout.
	Zones pgalloc.ZoneLayout

	// TickPeriod, TickInterval and StormThreshold configure the scheduler.
	// See sched.Config.
	TickPeriod     time.Duration
	TickInterval   time.Duration
	StormThreshold int

	// Layout is the address space layout of new processes. The zero value
	// means mm.DefaultLayout.
	Layout mm.Layout

	// StackSize is the stack VMA size of new processes. Zero means
	// DefaultStackSize.
	StackSize uint64

	// Tunables is the runtime configuration. If nil, a registry with
	// default values is created.
	Tunables *tunable.Registry

	// FaultRetryDelay is the pause between retries of a fault that failed
	// for lack of memory. Zero means DefaultFaultRetryDelay.
	FaultRetryDelay time.Duration

	// Debug makes detected corruption panic instead of being recovered.
	Debug bool
}

// Kernel is a booted system.
type Kernel struct {
	db       *page.DB
	pages    *pgalloc.Allocator
	slabs    *slab.Allocator
	kmalloc  *kmalloc.Allocator
	tasks    *slab.Cache
	tables   *slab.Cache
	tunables *tunable.Registry
	sched    *sched.Scheduler

	layout     mm.Layout
	stackSize  uint64
	faultDelay time.Duration
	debug      bool

	mu sync.Mutex

	// processes maps PIDs to live processes. It is protected by mu.
	processes map[int32]*Process
}

// New boots a kernel: it builds the frame database, hands every frame to
// the buddy allocator, and creates the slab caches and the scheduler.
func New(args Args) (*Kernel, error) {
	if args.MemoryPages == 0 {
		return nil, fmt.Errorf("MemoryPages is 0: %w", kerr.EINVAL)
	}
	if args.Zones == (pgalloc.ZoneLayout{}) {
		args.Zones = pgalloc.DefaultZoneLayout
	}
	if args.Layout == (mm.Layout{}) {
		args.Layout = mm.DefaultLayout
	}
	if args.StackSize == 0 {
		args.StackSize = DefaultStackSize
	}
	if args.FaultRetryDelay == 0 {
		args.FaultRetryDelay = DefaultFaultRetryDelay
	}
	if args.Tunables == nil {
		args.Tunables = tunable.NewRegistry()
	}

	k := &Kernel{
		db:         page.NewDB(args.MemoryPages),
		tunables:   args.Tunables,
		layout:     args.Layout,
		stackSize:  args.StackSize,
		faultDelay: args.FaultRetryDelay,
		debug:      args.Debug,
		processes:  make(map[int32]*Process),
	}
	k.pages = pgalloc.New(k.db, args.Zones)
	k.pages.SetDebug(args.Debug)
	if err := k.pages.AddMemory(0, page.PFN(args.MemoryPages)); err != nil {
		return nil, fmt.Errorf("adding %d frames: %w", args.MemoryPages, err)
	}
	k.slabs = slab.New(k.pages)
	k.slabs.SetDebug(args.Debug)

	var err error
	if k.kmalloc, err = kmalloc.New(k.slabs); err != nil {
		return nil, fmt.Errorf("creating kmalloc caches: %w", err)
	}
	if k.tables, err = pagetables.NewTableCache(k.slabs); err != nil {
		return nil, fmt.Errorf("creating %s cache: %w", pagetables.TableCacheName, err)
	}
	if k.tasks, err = k.slabs.CreateCache(TaskCacheName, taskRecordSize, taskRecordAlign, nil); err != nil {
		return nil, fmt.Errorf("creating %s cache: %w", TaskCacheName, err)
	}
	k.sched, err = sched.New(sched.Config{
		NumCPUs:        args.NumCPUs,
		TickPeriod:     args.TickPeriod,
		TickInterval:   args.TickInterval,
		StormThreshold: args.StormThreshold,
		Debug:          args.Debug,
	}, k.tunables, k.tasks)
	if err != nil {
		return nil, err
	}
	log.Infof("kernel: %d frames, %d free after boot", args.MemoryPages, k.pages.FreePages())
	return k, nil
}

// Pages returns the buddy allocator.
func (k *Kernel) Pages() *pgalloc.Allocator {
	return k.pages
}

// Slabs returns the slab allocator.
func (k *Kernel) Slabs() *slab.Allocator {
	return k.slabs
}

// Kmalloc returns the general purpose allocator.
func (k *Kernel) Kmalloc() *kmalloc.Allocator {
	return k.kmalloc
}

// Sched returns the scheduler.
func (k *Kernel) Sched() *sched.Scheduler {
	return k.sched
}

// Tunables returns the runtime configuration.
func (k *Kernel) Tunables() *tunable.Registry {
	return k.tunables
}

// Start runs the scheduler in real time until Stop or ctx is done.
func (k *Kernel) Start(ctx context.Context) error {
	return k.sched.Start(ctx)
}

// Stop stops the scheduler goroutines started by Start.
func (k *Kernel) Stop() error {
	return k.sched.Stop()
}

// Reclaim returns memory held in caches to the buddy allocator and ages the
// active LRU lists in proportion to vm_swappiness. It returns the number of
// pages freed.
func (k *Kernel) Reclaim() uint64 {
	freed := k.slabs.ShrinkAll()
	aged := 0
	if sw := k.tunables.MustLookup(tunable.VMSwappiness).Get(); sw > 0 {
		aged = k.pages.AgeActive(int(sw))
	}
	log.Debugf("kernel: reclaim freed %d pages, aged %d", freed, aged)
	return freed
}

// Processes returns every live process in PID order.
func (k *Kernel) Processes() []*Process {
	k.mu.Lock()
	ps := make([]*Process, 0, len(k.processes))
	for _, p := range k.processes {
		ps = append(ps, p)
	}
	k.mu.Unlock()
	sort.Slice(ps, func(i, j int) bool { return ps[i].PID() < ps[j].PID() })
	return ps
}

// Lookup returns the live process with the given PID.
func (k *Kernel) Lookup(pid int32) (*Process, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.processes[pid]
	if !ok {
		return nil, fmt.Errorf("pid %d: %w", pid, kerr.ESRCH)
	}
	return p, nil
}

// CheckInvariants checks the allocators, every address space and every
// runqueue, and returns all violations found.
func (k *Kernel) CheckInvariants() error {
	var errs []error
	if err := k.pages.CheckInvariants(); err != nil {
		errs = append(errs, err)
	}
	if err := k.slabs.CheckInvariants(); err != nil {
		errs = append(errs, err)
	}
	for _, p := range k.Processes() {
		if err := p.mm.CheckInvariants(); err != nil {
			errs = append(errs, fmt.Errorf("pid %d: %w", p.PID(), err))
		}
	}
	for cpu := 0; cpu < k.sched.NumCPUs(); cpu++ {
		if err := k.sched.CheckRunQueue(cpu); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriteStats writes zone, slab cache and scheduler statistics to w.
func (k *Kernel) WriteStats(w io.Writer) error {
	k.pages.WriteStats(w)
	fmt.Fprintln(w)
	k.slabs.WriteStats(w)
	fmt.Fprintln(w)
	return k.sched.PrintStats(w)
}

// writeComm stores name, truncated and NUL terminated, in a new kmalloc
// buffer.
func (k *Kernel) writeComm(name string) (hostarch.Addr, error) {
	addr, err := k.kmalloc.Kzalloc(commLen, pgalloc.GFPNormal)
	if err != nil {
		return 0, err
	}
	b, ok := k.db.AddrBytes(addr, commLen)
	if !ok {
		k.kmalloc.Kfree(addr)
		return 0, fmt.Errorf("comm buffer %v is not backed: %w", addr, kerr.EFAULT)
	}
	copy(b[:commLen-1], name)
	return addr, nil
}

// readComm returns the name stored at addr.
func (k *Kernel) readComm(addr hostarch.Addr) string {
	b, ok := k.db.AddrBytes(addr, commLen)
	if !ok {
		return ""
	}
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// cleanupTask destroys a task that never ran.
func (k *Kernel) cleanupTask(t *sched.Task) {
	if err := k.sched.TaskDestroy(t); err != nil {
		log.Warningf("kernel: destroying task %d: %v", t.PID, err)
	}
}
