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

// Package sched implements the task scheduler: per-CPU runqueues holding a
// weighted-fair class (CFS) and a fixed-priority real-time class (RT), with
// wakeup placement, load balancing, bandwidth control and a recovery policy
// for detected anomalies.
//
// Time is simulated. Each CPU has its own clock, advanced by Tick.
//
// Lock order:
//
//	Task.mu
//	  RunQueue.mu (in CPU order when two are held)
//	    cfsRQ.mu, rtRQ.mu (one at a time)
//	      rtBandwidth.mu
//	        Recovery.mu
//
// A task's scheduling fields are protected by the lock of the runqueue named
// by Task.cpu. Task.mu serializes the operations that move a task between
// runqueues or classes, and must not be taken with a runqueue lock held.
package sched

import (
	"fmt"
	"strings"

	"kos.dev/kos/pkg/errors/kerr"
)

const (
	// MinNice and MaxNice bound nice values.
	MinNice = -20
	MaxNice = 19

	// MaxRTPrio is the number of RT priorities. RT priority p is more urgent
	// than p+1.
	MaxRTPrio = 100

	// DefaultPrio is the priority of a nice 0 task.
	DefaultPrio = MaxRTPrio + 20

	// NiceZeroLoad is the load weight of a nice 0 task.
	NiceZeroLoad = 1024

	// idleWeight is the load weight of SCHED_IDLE tasks.
	idleWeight = 3
)

// prioToWeight maps nice+20 to a load weight. Each step is roughly a 10%
// change in CPU share relative to a neighbour.
var prioToWeight = [MaxNice - MinNice + 1]uint64{
	/* -20 */ 88761, 71755, 56483, 46273, 36291,
	/* -15 */ 29154, 23254, 18705, 14949, 11916,
	/* -10 */ 9548, 7620, 6100, 4904, 3906,
	/*  -5 */ 3121, 2501, 1991, 1586, 1277,
	/*   0 */ 1024, 820, 655, 526, 423,
	/*   5 */ 335, 272, 215, 172, 137,
	/*  10 */ 110, 87, 70, 56, 45,
	/*  15 */ 36, 29, 23, 18, 15,
}

// NiceToWeight returns the load weight of a normal task with the given nice
// value.
func NiceToWeight(nice int) uint64 {
	return prioToWeight[nice-MinNice]
}

// weighted scales a runtime delta by NiceZeroLoad/weight.
func weighted(delta, weight uint64) uint64 {
	if weight == NiceZeroLoad {
		return delta
	}
	return delta * NiceZeroLoad / weight
}

// Policy is a scheduling policy. Values match Linux's SCHED_* constants.
type Policy int

// Scheduling policies.
const (
	Normal   Policy = 0
	FIFO     Policy = 1
	RR       Policy = 2
	Batch    Policy = 3
	Idle     Policy = 5
	Deadline Policy = 6
)

var policyNames = map[Policy]string{
	Normal:   "normal",
	FIFO:     "fifo",
	RR:       "rr",
	Batch:    "batch",
	Idle:     "idle",
	Deadline: "deadline",
}

// String implements fmt.Stringer.
func (p Policy) String() string {
	if s, ok := policyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy parses a policy name as printed by Policy.String.
func ParsePolicy(s string) (Policy, error) {
	for p, name := range policyNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown policy %q: %w", s, kerr.EINVAL)
}

// IsRT returns true for the real-time policies.
func (p Policy) IsRT() bool {
	return p == FIFO || p == RR
}

// isFair returns true for the policies handled by CFS.
func (p Policy) isFair() bool {
	return p == Normal || p == Batch || p == Idle
}

// State is a task state.
type State int

// Task states.
const (
	Running State = iota
	Interruptible
	Uninterruptible
	Stopped
	Traced
	Zombie
)

// String implements fmt.Stringer using the letters of /proc/[pid]/stat.
func (s State) String() string {
	switch s {
	case Running:
		return "R"
	case Interruptible:
		return "S"
	case Uninterruptible:
		return "D"
	case Stopped:
		return "T"
	case Traced:
		return "t"
	case Zombie:
		return "Z"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Caps is a set of scheduling capabilities.
type Caps uint32

const (
	// CapSysNice allows raising priority: lowering nice, entering an RT
	// policy or raising RT priority.
	CapSysNice Caps = 1 << iota
)
