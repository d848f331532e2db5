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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultPolicy(t *testing.T) {
	for _, tc := range []struct {
		cond  Condition
		want  Action
		debug Action
	}{
		{PriorityInversion, Rebalance, Rebalance},
		{Starvation, Rebalance, Rebalance},
		{RunqueueCorruption, ResetEntity, Panic},
		{InterruptStorm, Log, Log},
		{BandwidthOverrun, Log, Log},
		{AffinityViolation, MigrateTask, MigrateTask},
		{FaultOOM, KillTask, KillTask},
	} {
		t.Run(tc.cond.String(), func(t *testing.T) {
			if got := NewRecovery(false).Policy(tc.cond); got != tc.want {
				t.Errorf("Policy() = %v, want %v", got, tc.want)
			}
			if got := NewRecovery(true).Policy(tc.cond); got != tc.debug {
				t.Errorf("debug Policy() = %v, want %v", got, tc.debug)
			}
		})
	}
}

func TestHandleRecordsHistory(t *testing.T) {
	r := NewRecovery(false)
	r.SetPolicy(Starvation, Ignore)
	if got := r.Handle(Event{Condition: Starvation, CPU: 1, PID: 7}); got != Ignore {
		t.Errorf("Handle() = %v, want %v", got, Ignore)
	}
	if got := r.Handle(Event{Condition: FaultOOM, PID: 9, Clock: time.Second, Detail: "no frames"}); got != KillTask {
		t.Errorf("Handle() = %v, want %v", got, KillTask)
	}
	want := []Event{
		{Condition: Starvation, Action: Ignore, CPU: 1, PID: 7},
		{Condition: FaultOOM, Action: KillTask, PID: 9, Clock: time.Second, Detail: "no frames"},
	}
	if diff := cmp.Diff(want, r.History()); diff != "" {
		t.Errorf("History() mismatch (-want +got):\n%s", diff)
	}
	if got, want := r.History()[1].String(), "fault_oom on cpu 0 pid 9 at 1s: no frames -> kill-task"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	r := NewRecovery(false)
	const n = historyLen + 6
	for i := 0; i < n; i++ {
		r.Handle(Event{Condition: BandwidthOverrun, Detail: fmt.Sprint(i)})
	}
	h := r.History()
	if len(h) != historyLen {
		t.Fatalf("history has %d events, want %d", len(h), historyLen)
	}
	if h[0].Detail != "6" || h[historyLen-1].Detail != fmt.Sprint(n-1) {
		t.Errorf("history spans %q..%q, want \"6\"..%q", h[0].Detail, h[historyLen-1].Detail, fmt.Sprint(n-1))
	}
	if got := r.Count(BandwidthOverrun); got != n {
		t.Errorf("Count() = %d, want %d", got, n)
	}
}

func TestHandlePanics(t *testing.T) {
	r := NewRecovery(true)
	defer func() {
		if recover() == nil {
			t.Errorf("Handle did not panic")
		}
		if got := r.Count(RunqueueCorruption); got != 1 {
			t.Errorf("Count() = %d, want 1", got)
		}
	}()
	r.Handle(Event{Condition: RunqueueCorruption, Detail: "stale leftmost"})
}

func TestReportFromCaller(t *testing.T) {
	s := newTestScheduler(t, 2, nil)
	task := s.spawn(t, "faulter")
	if got := s.Report(FaultOOM, task, "fault at 0x1000"); got != KillTask {
		t.Errorf("Report() = %v, want %v", got, KillTask)
	}
	h := s.Recovery().History()
	if len(h) != 1 || h[0].PID != task.PID || h[0].CPU != task.CPU() {
		t.Errorf("history %v, want one event for pid %d", h, task.PID)
	}
}
