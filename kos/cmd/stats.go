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
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/term"
	"kos.dev/kos/kos/boot"
	"kos.dev/kos/pkg/metric"
	"kos.dev/kos/pkg/sentry/kernel"
)

// Stats implements subcommands.Command for the "stats" command.
type Stats struct {
	output   string
	metrics  bool
	workload boot.Workload
}

// ProcessStats is one row of the process table.
type ProcessStats struct {
	PID      int32         `json:"pid"`
	PPID     int32         `json:"ppid"`
	Comm     string        `json:"comm"`
	State    string        `json:"state"`
	Policy   string        `json:"policy"`
	Prio     int           `json:"prio"`
	CPU      int           `json:"cpu"`
	SumExec  time.Duration `json:"sum_exec_ns"`
	UTime    time.Duration `json:"utime_ns"`
	STime    time.Duration `json:"stime_ns"`
	VMAs     int           `json:"vmas"`
	TotalVM  uint64        `json:"total_vm"`
	Resident uint64        `json:"resident"`
	Faults   uint64        `json:"faults"`
}

// Report is the output of the stats command.
type Report struct {
	Processes []ProcessStats               `json:"processes"`
	FreePages uint64                       `json:"free_pages"`
	LoadAvg   [3]float64                   `json:"load_avg"`
	Metrics   map[string]map[string]uint64 `json:"metrics,omitempty"`
}

type statsOutputFunc func(io.Writer, *kernel.Kernel, *Report) error

// statsOutputs maps output format names to output functions.
var statsOutputs = map[string]statsOutputFunc{
	"table": outputStatsTable,
	"tsv":   outputStatsTSV,
	"json":  outputStatsJSON,
}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "run a short mixed workload and print statistics and metrics"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats [flags] - boots a kernel, runs normal, real time and forked processes
that touch memory, and prints process, zone, slab and scheduler statistics
followed by the metrics in Prometheus text format.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stats) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.output, "o", "", "output format (table, tsv, json). Defaults to table on a terminal and tsv otherwise.")
	f.BoolVar(&s.metrics, "metrics", true, "also print metrics.")
	f.IntVar(&s.workload.Tasks, "tasks", 4, "number of SCHED_NORMAL processes.")
	f.IntVar(&s.workload.RTTasks, "rt-tasks", 1, "number of SCHED_RR processes.")
	f.IntVar(&s.workload.Pages, "pages", 16, "anonymous pages each process touches.")
	f.IntVar(&s.workload.Forks, "forks", 2, "number of children forked from the first process.")
	f.DurationVar(&s.workload.Duration, "duration", 500*time.Millisecond, "simulated run time.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stats) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	format := s.output
	if format == "" {
		format = "tsv"
		if term.IsTerminal(int(os.Stdout.Fd())) {
			format = "table"
		}
	}
	out, ok := statsOutputs[format]
	if !ok {
		Fatalf("unsupported output format %q", format)
	}
	conf := configFromArgs(args)

	k, err := boot.New(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	if _, err := boot.Run(ctx, k, s.workload); err != nil {
		Fatalf("running workload: %v", err)
	}
	r := newReport(k, s.metrics)
	if err := out(os.Stdout, k, r); err != nil {
		Fatalf("writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

// newReport collects statistics about every live process in k.
func newReport(k *kernel.Kernel, withMetrics bool) *Report {
	r := &Report{
		FreePages: k.Pages().FreePages(),
		LoadAvg:   k.Sched().LoadAvg(),
	}
	for _, p := range k.Processes() {
		ts := p.Task().Stats()
		u := p.MM().Usage()
		ps := ProcessStats{
			PID:      p.PID(),
			Comm:     p.Comm(),
			State:    ts.State.String(),
			Policy:   ts.Policy.String(),
			Prio:     ts.Prio,
			CPU:      ts.CPU,
			SumExec:  ts.SumExec,
			UTime:    ts.UTime,
			STime:    ts.STime,
			VMAs:     u.VMAs,
			TotalVM:  u.TotalVM,
			Resident: u.Resident,
			Faults:   u.Faults,
		}
		if parent := p.Parent(); parent != nil {
			ps.PPID = parent.PID()
		}
		r.Processes = append(r.Processes, ps)
	}
	if withMetrics {
		r.Metrics = metric.Snapshot()
	}
	return r
}

func writeProcessRows(w io.Writer, r *Report) {
	fmt.Fprintln(w, "PID\tPPID\tCOMM\tSTATE\tPOLICY\tPRIO\tCPU\tSUM_EXEC\tUTIME\tSTIME\tVMAS\tTOTAL_VM\tRSS\tFAULTS")
	for _, p := range r.Processes {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%d\t%d\t%v\t%v\t%v\t%d\t%d\t%d\t%d\n",
			p.PID, p.PPID, p.Comm, p.State, p.Policy, p.Prio, p.CPU, p.SumExec, p.UTime, p.STime, p.VMAs, p.TotalVM, p.Resident, p.Faults)
	}
}

// outputStatsTable writes aligned tables for a terminal.
func outputStatsTable(w io.Writer, k *kernel.Kernel, r *Report) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	writeProcessRows(tw, r)
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(w)
	if err := k.WriteStats(w); err != nil {
		return err
	}
	if r.Metrics != nil {
		fmt.Fprintln(w)
		return metric.WriteText(w)
	}
	return nil
}

// outputStatsTSV writes tab-separated rows for scripts.
func outputStatsTSV(w io.Writer, _ *kernel.Kernel, r *Report) error {
	writeProcessRows(w, r)
	fmt.Fprintf(w, "\nfree_pages\t%d\nload_avg\t%.2f\t%.2f\t%.2f\n", r.FreePages, r.LoadAvg[0], r.LoadAvg[1], r.LoadAvg[2])
	if r.Metrics != nil {
		fmt.Fprintln(w)
		return metric.WriteText(w)
	}
	return nil
}

func outputStatsJSON(w io.Writer, _ *kernel.Kernel, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
