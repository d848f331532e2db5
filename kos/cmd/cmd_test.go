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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"kos.dev/kos/kos/boot"
	"kos.dev/kos/kos/config"
	"kos.dev/kos/pkg/errors/kerr"
	"kos.dev/kos/pkg/sentry/kernel"
	"kos.dev/kos/pkg/sentry/kernel/tunable"
)

func TestApplyTunables(t *testing.T) {
	for _, tc := range []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{name: "none"},
		{name: "valid", args: []string{"vm_swappiness=10", "sched_nr_migrate=4"}},
		{name: "unknown", args: []string{"vm_colour=1"}, wantErr: true},
		{name: "range", args: []string{"vm_swappiness=10", "vm_swappiness=201"}, wantErr: true},
		{name: "syntax", args: []string{"vm_swappiness"}, wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			reg := tunable.NewRegistry()
			err := applyTunables(reg, tc.args)
			if gotErr := err != nil; gotErr != tc.wantErr {
				t.Fatalf("applyTunables(%v) = %v, want error %t", tc.args, err, tc.wantErr)
			}
			if tc.name == "range" {
				// The valid assignment before the bad one still applies.
				if v, _ := reg.Get(tunable.VMSwappiness); v != 10 {
					t.Errorf("vm_swappiness = %d, want 10", v)
				}
				if !errors.Is(err, kerr.EINVAL) {
					t.Errorf("applyTunables = %v, want EINVAL", err)
				}
			}
		})
	}
}

func TestWriteTunables(t *testing.T) {
	reg := tunable.NewRegistry()
	if err := reg.Set(tunable.SchedCFSQuota, 50000); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var buf bytes.Buffer
	if err := writeTunables(&buf, reg); err != nil {
		t.Fatalf("writeTunables: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if got, want := len(lines), len(reg.All())+1; got != want {
		t.Fatalf("got %d lines, want %d:\n%s", got, want, buf.String())
	}
	if !strings.HasPrefix(lines[0], "NAME") {
		t.Errorf("missing header: %q", lines[0])
	}
	var quota string
	for _, l := range lines {
		if strings.HasPrefix(l, tunable.SchedCFSQuota+" ") {
			quota = strings.Join(strings.Fields(l)[:6], " ")
		}
	}
	if want := "sched_cfs_quota_us 50000 -1 -1 or [1000,"; quota != want {
		t.Errorf("quota row starts %q, want %q", quota, want)
	}
}

func newStatsKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse([]string{"--cpus=2", "--memory-pages=4096", "--dma-pages=0"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	conf, err := config.NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	k, err := boot.New(conf)
	if err != nil {
		t.Fatalf("boot.New: %v", err)
	}
	if _, err := boot.Run(context.Background(), k, boot.Workload{
		Tasks:    2,
		RTTasks:  1,
		Pages:    4,
		Forks:    1,
		Duration: 100 * time.Millisecond,
	}); err != nil {
		t.Fatalf("boot.Run: %v", err)
	}
	return k
}

func TestStatsReport(t *testing.T) {
	k := newStatsKernel(t)
	r := newReport(k, true)

	type row struct {
		Comm   string
		PPID   int32
		Policy string
	}
	var got []row
	for _, p := range r.Processes {
		got = append(got, row{p.Comm, p.PPID, p.Policy})
		if p.SumExec <= 0 && p.Policy == "rr" {
			t.Errorf("RR process %d never ran", p.PID)
		}
		if p.PPID == 0 && p.Resident < 4 {
			t.Errorf("process %q has %d resident pages, want at least 4", p.Comm, p.Resident)
		}
	}
	first := r.Processes[0].PID
	want := []row{
		{"cpu-0", 0, "normal"},
		{"cpu-1", 0, "normal"},
		{"rt-0", 0, "rr"},
		{"cpu-0", first, "normal"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("processes mismatch (-want +got):\n%s", diff)
	}
	if r.FreePages != k.Pages().FreePages() {
		t.Errorf("FreePages = %d, want %d", r.FreePages, k.Pages().FreePages())
	}
	if len(r.Metrics) == 0 {
		t.Errorf("report has no metrics")
	}
	if r := newReport(k, false); r.Metrics != nil {
		t.Errorf("report without metrics has %d metrics", len(r.Metrics))
	}
}

func TestStatsOutputs(t *testing.T) {
	k := newStatsKernel(t)
	r := newReport(k, true)
	for _, tc := range []struct {
		format string
		want   []string
	}{
		{"table", []string{"PID", "rt-0", "task_struct", "load average:", "# TYPE"}},
		{"tsv", []string{"PID\tPPID\tCOMM", "\trt-0\t", "free_pages\t", "# TYPE"}},
		{"json", []string{`"processes"`, `"comm": "rt-0"`, `"metrics"`}},
	} {
		t.Run(tc.format, func(t *testing.T) {
			var buf bytes.Buffer
			if err := statsOutputs[tc.format](&buf, k, r); err != nil {
				t.Fatalf("output: %v", err)
			}
			for _, s := range tc.want {
				if !strings.Contains(buf.String(), s) {
					t.Errorf("output does not contain %q:\n%s", s, buf.String())
				}
			}
		})
	}

	var buf bytes.Buffer
	if err := outputStatsJSON(&buf, k, r); err != nil {
		t.Fatalf("outputStatsJSON: %v", err)
	}
	var decoded Report
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff(r, &decoded, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("JSON round trip mismatch (-want +got):\n%s", diff)
	}
}
