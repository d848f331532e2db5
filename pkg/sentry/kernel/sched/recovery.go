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
	"time"

	"kos.dev/kos/pkg/log"
	"kos.dev/kos/pkg/metric"
	"kos.dev/kos/pkg/sync/locking"
)

// Condition is an anomaly the scheduler, or a caller, detected.
type Condition int

// Conditions.
const (
	PriorityInversion Condition = iota
	Starvation
	RunqueueCorruption
	InterruptStorm
	BandwidthOverrun
	AffinityViolation
	FaultOOM
	numConditions
)

var conditionNames = [numConditions]string{
	PriorityInversion:  "priority_inversion",
	Starvation:         "starvation",
	RunqueueCorruption: "runqueue_corruption",
	InterruptStorm:     "interrupt_storm",
	BandwidthOverrun:   "bandwidth_overrun",
	AffinityViolation:  "affinity_violation",
	FaultOOM:           "fault_oom",
}

// String implements fmt.Stringer.
func (c Condition) String() string {
	if c >= 0 && c < numConditions {
		return conditionNames[c]
	}
	return fmt.Sprintf("Condition(%d)", int(c))
}

// Action is the response to a Condition.
type Action int

// Actions.
const (
	Ignore Action = iota
	Log
	Rebalance
	ResetEntity
	MigrateTask
	KillTask
	Panic
)

// String implements fmt.Stringer.
func (a Action) String() string {
	switch a {
	case Ignore:
		return "ignore"
	case Log:
		return "log"
	case Rebalance:
		return "rebalance"
	case ResetEntity:
		return "reset-entity"
	case MigrateTask:
		return "migrate-task"
	case KillTask:
		return "kill-task"
	case Panic:
		return "panic"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// DefaultPolicy is the action taken for each condition.
var DefaultPolicy = map[Condition]Action{
	PriorityInversion:  Rebalance,
	Starvation:         Rebalance,
	RunqueueCorruption: ResetEntity,
	InterruptStorm:     Log,
	BandwidthOverrun:   Log,
	AffinityViolation:  MigrateTask,
	FaultOOM:           KillTask,
}

// Event is one handled condition.
type Event struct {
	Condition Condition
	Action    Action
	CPU       int
	PID       int32
	Clock     time.Duration
	Detail    string
}

// String implements fmt.Stringer.
func (e Event) String() string {
	return fmt.Sprintf("%v on cpu %d pid %d at %v: %s -> %v", e.Condition, e.CPU, e.PID, e.Clock, e.Detail, e.Action)
}

// historyLen bounds the recorded events.
const historyLen = 64

var (
	recoveryClass = locking.NewMutexClass("sched.recovery", locking.RankRecovery)

	recoveryEvents = metric.MustCreateNewUint64Metric("/sched/recovery_events", "Number of anomalies handled by the recovery policy.",
		metric.NewField("condition", conditionNames[:]...))
)

// Recovery classifies anomalies and chooses the response to each.
type Recovery struct {
	mu locking.Mutex

	// Fields below are protected by mu.
	policy  map[Condition]Action
	history []Event
	counts  [numConditions]uint64

	// limited logs conditions that may fire on every tick.
	limited log.Logger
}

// NewRecovery returns a Recovery with DefaultPolicy. In debug mode runqueue
// corruption panics.
func NewRecovery(debug bool) *Recovery {
	r := &Recovery{
		policy:  make(map[Condition]Action, len(DefaultPolicy)),
		limited: log.BasicRateLimitedLogger(time.Second),
	}
	r.mu.Init(recoveryClass, 0)
	for c, a := range DefaultPolicy {
		r.policy[c] = a
	}
	if debug {
		r.policy[RunqueueCorruption] = Panic
	}
	return r
}

// SetPolicy overrides the action for c.
func (r *Recovery) SetPolicy(c Condition, a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy[c] = a
}

// Policy returns the action for c.
func (r *Recovery) Policy(c Condition) Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy[c]
}

// Handle records ev, logs it as its action requires and returns the action.
// A Panic action panics here.
func (r *Recovery) Handle(ev Event) Action {
	r.mu.Lock()
	ev.Action = r.policy[ev.Condition]
	if len(r.history) == historyLen {
		copy(r.history, r.history[1:])
		r.history = r.history[:historyLen-1]
	}
	r.history = append(r.history, ev)
	if ev.Condition >= 0 && ev.Condition < numConditions {
		r.counts[ev.Condition]++
	}
	r.mu.Unlock()

	recoveryEvents.Increment(ev.Condition.String())
	switch {
	case ev.Action == Panic:
		panic(fmt.Sprintf("sched: %v", ev))
	case ev.Action == Ignore:
	case ev.Condition == InterruptStorm || ev.Condition == RunqueueCorruption:
		r.limited.Warningf("sched: %v", ev)
	default:
		log.Warningf("sched: %v", ev)
	}
	return ev.Action
}

// History returns the recorded events, oldest first.
func (r *Recovery) History() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.history...)
}

// Count returns the number of times c was handled.
func (r *Recovery) Count(c Condition) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[c]
}
