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
	"kos.dev/kos/pkg/log"
)

// balanceCPU evens out CFS load toward this and pulls waiting RT tasks that
// are more urgent than what this is running.
//
// Preconditions: no locks are held.
func (s *Scheduler) balanceCPU(this int, d *deferred) {
	if len(s.rqs) == 1 {
		return
	}
	s.balanceCFS(this, d)
	s.pullRT(this, d)
}

// busiest returns the CPU other than this with the highest load, if it
// exceeds the load of this by more than a nice 0 task.
func (s *Scheduler) busiest(this int) (int, bool) {
	thisLoad := s.rqs[this].load()
	best, bestLoad := -1, uint64(0)
	for cpu, rq := range s.rqs {
		if cpu == this {
			continue
		}
		if load := rq.load(); best < 0 || load > bestLoad {
			best, bestLoad = cpu, load
		}
	}
	return best, best >= 0 && bestLoad > thisLoad+NiceZeroLoad
}

// balanceCFS moves queued CFS tasks from the busiest CPU to this, latest
// vruntime first, until the imbalance is within one nice 0 task. A task that
// would overshoot the imbalance is skipped.
func (s *Scheduler) balanceCFS(this int, d *deferred) {
	from, ok := s.busiest(this)
	if !ok {
		return
	}
	src, dst := s.rqs[from], s.rqs[this]
	lockPair(src, dst)
	defer unlockPair(src, dst, d)

	srcLoad, dstLoad := src.loadLocked(), dst.loadLocked()
	if srcLoad <= dstLoad+NiceZeroLoad {
		return
	}
	gap := srcLoad - dstLoad
	moved := 0
	for _, t := range src.cfs.migrationCandidates(this, s.params.nrMigrate()) {
		if gap <= NiceZeroLoad {
			break
		}
		w := t.se.weight
		if 2*w > gap {
			continue
		}
		src.dequeueLocked(t)
		moveLocked(t, dst)
		gap -= 2 * w
		moved++
	}
	if moved > 0 {
		log.Debugf("sched: balanced %d CFS tasks from cpu %d to cpu %d", moved, from, this)
		if dst.needResched {
			dst.scheduleLocked()
		}
	}
}

// pullRT moves to this the most urgent queued RT task elsewhere that is more
// urgent than anything on this.
func (s *Scheduler) pullRT(this int, d *deferred) {
	dst := s.rqs[this]
	dst.mu.Lock()
	if s.rtBW.isThrottled(dst.clock) {
		dst.unlock(d)
		return
	}
	dst.unlock(d)

	for from, src := range s.rqs {
		if from == this {
			continue
		}
		lockPair(src, dst)
		prio := min(dst.currPrioLocked(), dst.rt.highestQueued())
		if t := src.rt.pullCandidate(this, prio); t != nil {
			src.dequeueLocked(t)
			// The candidate was chosen under the source's sub-queue lock
			// only; recheck that it may still run here.
			if t.state == Zombie || !t.allowed.Contains(uint32(this)) {
				src.enqueueLocked(t, enqueueWakeup)
			} else {
				moveLocked(t, dst)
				log.Debugf("sched: pulled RT task %d from cpu %d to cpu %d", t.PID, from, this)
				if dst.needResched {
					dst.scheduleLocked()
				}
			}
		}
		unlockPair(src, dst, d)
	}
}

// moveLocked enqueues on dst a task just dequeued from another runqueue.
//
// Preconditions: dst.mu and the lock of the task's runqueue are locked.
func moveLocked(t *Task, dst *RunQueue) {
	t.cpu.Store(int32(dst.cpu))
	dst.enqueueLocked(t, enqueueMigrated)
	t.migrations++
	migrations.Increment(classOf(t))
	dst.checkPreemptLocked(t)
}
