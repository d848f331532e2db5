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
	"os"
	"time"

	"github.com/google/subcommands"
	"kos.dev/kos/kos/boot"
	"kos.dev/kos/pkg/log"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	workload boot.Workload
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot a kernel, run CPU-bound tasks on it and print statistics"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - boots a kernel from the global flags or --config file,
starts --tasks SCHED_NORMAL and --rt-tasks SCHED_RR processes, runs the
scheduler for --duration and prints zone, slab and scheduler statistics.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.IntVar(&b.workload.Tasks, "tasks", 4, "number of CPU-bound SCHED_NORMAL processes.")
	f.IntVar(&b.workload.RTTasks, "rt-tasks", 0, "number of SCHED_RR processes.")
	f.IntVar(&b.workload.RTPrio, "rt-prio", boot.DefaultRTPrio, "priority of the SCHED_RR processes.")
	f.IntVar(&b.workload.Pages, "pages", 16, "anonymous pages each process touches before it starts.")
	f.IntVar(&b.workload.Forks, "forks", 0, "number of children forked from the first process.")
	f.DurationVar(&b.workload.Duration, "duration", time.Second, "how long to run the scheduler.")
	f.BoolVar(&b.workload.Realtime, "realtime", false, "tick every CPU from its own goroutine in real time instead of simulating --duration.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := configFromArgs(args)

	k, err := boot.New(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	if _, err := boot.Run(ctx, k, b.workload); err != nil {
		Fatalf("running workload: %v", err)
	}
	if err := k.CheckInvariants(); err != nil {
		log.Warningf("Invariant violations after run: %v", err)
	}
	if err := k.WriteStats(os.Stdout); err != nil {
		Fatalf("writing stats: %v", err)
	}
	return subcommands.ExitSuccess
}
