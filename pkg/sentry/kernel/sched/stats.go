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
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

// PrintStats writes a table of runqueues and a table of tasks to w.
func (s *Scheduler) PrintStats(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	avg := s.LoadAvg()
	fmt.Fprintf(tw, "load average: %.2f %.2f %.2f\n\n", avg[0], avg[1], avg[2])

	fmt.Fprintln(tw, "CPU\tCLOCK\tCURR\tNR\tLOAD\tMIN_VRUNTIME\tSWITCHES\tTHROTTLED")
	for cpu := range s.rqs {
		st := s.RunQueueStats(cpu)
		fmt.Fprintf(tw, "%d\t%v\t%d\t%d\t%d\t%d\t%d\t%t\n",
			st.CPU, st.Clock, st.Current, st.NrRunning, st.Load, st.MinVruntime, st.Switches, st.CFSThrottled)
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "PID\tTGID\tNAME\tS\tPOLICY\tPRIO\tNICE\tCPU\tALLOWED\tRUNTIME\tUTIME\tSTIME\tVCSW\tIVCSW\tMIGR")
	for _, t := range s.Tasks() {
		st := t.Stats()
		fmt.Fprintf(tw, "%d\t%d\t%s\t%v\t%v\t%d\t%d\t%d\t%s\t%v\t%v\t%v\t%d\t%d\t%d\n",
			st.PID, st.TGID, st.Name, st.State, st.Policy, st.Prio, st.Nice, st.CPU, st.Allowed,
			st.SumExec.Round(time.Microsecond), st.UTime.Round(time.Microsecond), st.STime.Round(time.Microsecond),
			st.Voluntary, st.Involuntary, st.Migrations)
	}
	return tw.Flush()
}
