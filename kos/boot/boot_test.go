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

package boot

import (
	"context"
	"errors"
	"flag"
	"os"
	"testing"
	"time"

	"kos.dev/kos/kos/config"
	"kos.dev/kos/pkg/errors/kerr"
	"kos.dev/kos/pkg/sentry/kernel"
	"kos.dev/kos/pkg/sentry/kernel/sched"
	"kos.dev/kos/pkg/sentry/kernel/tunable"
	"kos.dev/kos/pkg/sentry/page"
	"kos.dev/kos/pkg/sync/locking"
)

func TestMain(m *testing.M) {
	locking.SetValidation(true)
	os.Exit(m.Run())
}

func testConfig(t *testing.T, args ...string) *config.Config {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	conf, err := config.NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags(%v): %v", args, err)
	}
	return conf
}

func testKernel(t *testing.T, args ...string) *kernel.Kernel {
	t.Helper()
	k, err := New(testConfig(t, args...))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return k
}

func TestNewAppliesConfig(t *testing.T) {
	conf := testConfig(t, "--cpus=2", "--memory-pages=2048", "--dma-pages=512", "--tunable=vm_swappiness=5")
	k, err := New(conf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := k.Sched().NumCPUs(); got != 2 {
		t.Errorf("NumCPUs() = %d, want 2", got)
	}
	if got := k.Pages().ManagedPages(); got != 2048 {
		t.Errorf("ManagedPages() = %d, want 2048", got)
	}
	if got := k.Pages().ZoneStats(page.ZoneDMA).Managed; got != 512 {
		t.Errorf("DMA zone has %d pages, want 512", got)
	}
	if v, _ := k.Tunables().Get(tunable.VMSwappiness); v != 5 {
		t.Errorf("vm_swappiness = %d, want 5", v)
	}

	// The kernel's registry is its own.
	conf.Tunables[tunable.VMSwappiness] = 7
	if err := k.Tunables().Set(tunable.VMSwappiness, 9); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v := conf.Tunables[tunable.VMSwappiness]; v != 7 {
		t.Errorf("config tunable changed to %d by the kernel", v)
	}
}

func TestNewRejectsBadTunables(t *testing.T) {
	conf := testConfig(t)
	conf.Tunables = config.TunableMap{tunable.SchedNrMigrate: 0}
	if _, err := New(conf); !errors.Is(err, kerr.EINVAL) {
		t.Errorf("New = %v, want EINVAL", err)
	}
}

func TestRunSimulated(t *testing.T) {
	k := testKernel(t, "--cpus=2", "--memory-pages=4096", "--dma-pages=0")
	procs, err := Run(context.Background(), k, Workload{
		Tasks:    4,
		RTTasks:  1,
		Pages:    8,
		Forks:    1,
		Duration: time.Second,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(procs) != 6 {
		t.Fatalf("Run started %d processes, want 6", len(procs))
	}

	var normal, rt time.Duration
	for _, p := range procs {
		st := p.Task().Stats()
		if st.State == sched.Zombie {
			t.Errorf("process %d %q exited", p.PID(), p.Comm())
		}
		if st.Policy == sched.RR {
			rt += st.SumExec
		} else {
			normal += st.SumExec
		}
		if got := p.MM().Usage().Resident; got < 8 && p.Parent() == nil {
			t.Errorf("process %d has %d resident pages, want at least 8", p.PID(), got)
		}
	}
	if rt == 0 || normal == 0 {
		t.Errorf("runtime: rt %v, normal %v; want both nonzero", rt, normal)
	}
	if procs[5].Parent() != procs[0] {
		t.Errorf("forked process parent is %v, want %d", procs[5].Parent(), procs[0].PID())
	}
	if err := k.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants: %v", err)
	}
}

func TestRunRealtime(t *testing.T) {
	k := testKernel(t, "--cpus=1", "--memory-pages=1024", "--dma-pages=0", "--tick=1ms")
	procs, err := Run(context.Background(), k, Workload{
		Tasks:    2,
		Duration: 50 * time.Millisecond,
		Realtime: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := k.Sched().Clock(0); got == 0 {
		t.Errorf("clock did not advance in real time")
	}
	var total time.Duration
	for _, p := range procs {
		total += p.Task().SumExec()
	}
	if total == 0 {
		t.Errorf("no process ran")
	}
}

func TestRunRejectsBadWorkload(t *testing.T) {
	k := testKernel(t, "--cpus=1", "--memory-pages=1024", "--dma-pages=0")
	if _, err := Run(context.Background(), k, Workload{Tasks: -1}); !errors.Is(err, kerr.EINVAL) {
		t.Errorf("Run = %v, want EINVAL", err)
	}
}
