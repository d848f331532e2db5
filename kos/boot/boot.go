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

// Package boot builds a Kernel from a Config and runs workloads on it.
package boot

import (
	"context"
	"fmt"
	"time"

	"kos.dev/kos/kos/config"
	"kos.dev/kos/pkg/errors/kerr"
	"kos.dev/kos/pkg/hostarch"
	"kos.dev/kos/pkg/log"
	"kos.dev/kos/pkg/sentry/kernel"
	"kos.dev/kos/pkg/sentry/kernel/sched"
	"kos.dev/kos/pkg/sentry/mm"
)

// KernelArgs converts conf into kernel arguments. The tunables are applied
// to a fresh registry, so the kernel does not share state with conf.
func KernelArgs(conf *config.Config) (kernel.Args, error) {
	conf = conf.Copy()
	reg, err := conf.Registry()
	if err != nil {
		return kernel.Args{}, err
	}
	return kernel.Args{
		NumCPUs:        conf.NumCPUs,
		MemoryPages:    conf.MemoryPages,
		Zones:          conf.ZoneLayout(),
		TickPeriod:     conf.TickPeriod,
		TickInterval:   conf.TickInterval,
		StormThreshold: conf.StormThreshold,
		StackSize:      conf.StackSize,
		Tunables:       reg,
		Debug:          conf.Debug,
	}, nil
}

// New boots a kernel configured by conf.
func New(conf *config.Config) (*kernel.Kernel, error) {
	args, err := KernelArgs(conf)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	k, err := kernel.New(args)
	if err != nil {
		return nil, fmt.Errorf("booting kernel: %w", err)
	}
	return k, nil
}

// Workload describes the processes started by Run.
type Workload struct {
	// Tasks is the number of CPU-bound SCHED_NORMAL processes.
	Tasks int

	// RTTasks is the number of SCHED_RR processes, at RTPrio.
	RTTasks int
	RTPrio  int

	// Pages is the number of anonymous pages each process maps and
	// touches before it is started.
	Pages int

	// Forks is the number of processes forked from the first one.
	Forks int

	// Duration is how long the workload runs, in simulated time, or in
	// real time if Realtime is set.
	Duration time.Duration
	Realtime bool
}

// DefaultRTPrio is the RT priority used when Workload.RTPrio is zero.
const DefaultRTPrio = 50

// Run starts w on k, runs the scheduler for w.Duration and returns the
// processes it started. The processes are left running.
func Run(ctx context.Context, k *kernel.Kernel, w Workload) ([]*kernel.Process, error) {
	if w.Tasks < 0 || w.RTTasks < 0 || w.Pages < 0 || w.Forks < 0 || w.Duration < 0 {
		return nil, fmt.Errorf("invalid workload %+v: %w", w, kerr.EINVAL)
	}
	if w.RTPrio == 0 {
		w.RTPrio = DefaultRTPrio
	}

	var procs []*kernel.Process
	for i := 0; i < w.Tasks+w.RTTasks; i++ {
		rt := i >= w.Tasks
		name := fmt.Sprintf("cpu-%d", i)
		if rt {
			name = fmt.Sprintf("rt-%d", i-w.Tasks)
		}
		p, err := k.CreateProcess(name)
		if err != nil {
			return procs, fmt.Errorf("creating %q: %w", name, err)
		}
		procs = append(procs, p)
		if err := touch(k, p, w.Pages); err != nil {
			return procs, fmt.Errorf("populating %q: %w", name, err)
		}
		if rt {
			p.Task().SetCaps(sched.CapSysNice)
			if err := k.Sched().SetPolicy(p.Task(), sched.RR, w.RTPrio); err != nil {
				return procs, fmt.Errorf("making %q real time: %w", name, err)
			}
		}
		if err := k.StartProcess(p); err != nil {
			return procs, fmt.Errorf("starting %q: %w", name, err)
		}
	}
	for i := 0; i < w.Forks && len(procs) > 0; i++ {
		child, err := k.Fork(procs[0])
		if err != nil {
			return procs, fmt.Errorf("forking %q: %w", procs[0].Comm(), err)
		}
		procs = append(procs, child)
	}
	log.Infof("boot: started %d processes, running for %v (realtime %t)", len(procs), w.Duration, w.Realtime)

	if !w.Realtime {
		k.Sched().Advance(w.Duration)
		return procs, nil
	}
	ctx, cancel := context.WithTimeout(ctx, w.Duration)
	defer cancel()
	if err := k.Start(ctx); err != nil {
		return procs, err
	}
	<-ctx.Done()
	return procs, k.Stop()
}

// touch maps n anonymous pages in p and writes to each one.
func touch(k *kernel.Kernel, p *kernel.Process, n int) error {
	if n == 0 {
		return nil
	}
	addr, err := p.MM().MMap(mm.MMapOpts{
		Length: uint64(n) * hostarch.PageSize,
		Perms:  hostarch.ReadWrite,
		Flags:  mm.MapPrivate | mm.MapAnonymous,
		Name:   "[heap]",
	})
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := k.HandleTrap(p, addr+hostarch.Addr(i)*hostarch.PageSize, true); err != nil {
			return err
		}
	}
	return nil
}
