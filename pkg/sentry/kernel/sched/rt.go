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

	"kos.dev/kos/pkg/bitmap"
	"kos.dev/kos/pkg/ilist"
	"kos.dev/kos/pkg/sync/locking"
)

// rtRQ is the RT part of a runqueue: one FIFO list per priority and a bitmap
// of the non-empty lists.
type rtRQ struct {
	mu locking.Mutex

	// Fields below are protected by mu.
	queues  [MaxRTPrio]ilist.List[*rtEntity]
	active  bitmap.Bitmap
	highest int
	curr    *Task

	// nr counts the queued tasks and the current task.
	nr int
}

func (r *rtRQ) init(cpu int) {
	r.mu.Init(subQueueClass, 2*cpu+1)
	r.active = bitmap.New(MaxRTPrio)
	r.highest = MaxRTPrio
}

// Preconditions: r.mu is locked.
func (r *rtRQ) addLocked(t *Task, head bool) {
	p := t.rtPrio
	if head {
		r.queues[p].PushFront(&t.rt)
	} else {
		r.queues[p].PushBack(&t.rt)
	}
	r.active.Add(uint32(p))
	r.highest = min(r.highest, p)
}

// Preconditions: r.mu is locked.
func (r *rtRQ) removeLocked(t *Task) {
	p := t.rtPrio
	r.queues[p].Remove(&t.rt)
	if r.queues[p].Empty() {
		r.active.Remove(uint32(p))
		if p == r.highest {
			r.highest = r.firstActiveLocked()
		}
	}
}

// Preconditions: r.mu is locked.
func (r *rtRQ) firstActiveLocked() int {
	if p, ok := r.active.Minimum(); ok {
		return int(p)
	}
	return MaxRTPrio
}

// Preconditions: r.mu is locked.
func (r *rtRQ) updateCurrLocked(now uint64) uint64 {
	t := r.curr
	if t == nil || now <= t.se.execStart {
		return 0
	}
	delta := now - t.se.execStart
	t.se.execStart = now
	t.chargeLocked(delta)
	return delta
}

// enqueue appends t to the tail of its priority list.
func (r *rtRQ) enqueue(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(t, false)
	r.nr++
}

// dequeue removes a queued task.
func (r *rtRQ) dequeue(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(t)
	r.nr--
}

// pickNext makes the first task at the highest priority current.
func (r *rtRQ) pickNext(now uint64) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.highest == MaxRTPrio {
		return nil
	}
	t := r.queues[r.highest].Front().task
	r.removeLocked(t)
	r.curr = t
	t.se.execStart = now
	t.se.prevSumExec = t.se.sumExec
	return t
}

// putPrev requeues the current task: at the tail if it used up its slice or
// yielded, otherwise at the head so it keeps its place.
func (r *rtRQ) putPrev(t *Task, now uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateCurrLocked(now)
	r.curr = nil
	r.addLocked(t, !t.rt.rotate)
	t.rt.rotate = false
}

// dequeueCurr removes the current task from the queue entirely.
func (r *rtRQ) dequeueCurr(_ *Task, now uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateCurrLocked(now)
	r.curr = nil
	r.nr--
}

// setCurr makes a running task that just entered the class current.
func (r *rtRQ) setCurr(t *Task, now uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.curr = t
	r.nr++
	t.se.execStart = now
	t.se.prevSumExec = t.se.sumExec
}

// tick charges the current task and returns the delta. For RR it also
// consumes the time slice, and returns true when the task should rotate.
func (r *rtRQ) tick(now uint64) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delta := r.updateCurrLocked(now)
	t := r.curr
	if t != nil {
		t.rt.timeout++
	}
	if t == nil || t.policy != RR {
		return delta, false
	}
	if t.rt.timeSlice > delta {
		t.rt.timeSlice -= delta
		return delta, false
	}
	t.rt.timeSlice = uint64(RRTimeslice)
	if r.queues[t.rtPrio].Empty() {
		return delta, false
	}
	t.rt.rotate = true
	return delta, true
}

// yield asks for the current task to go behind its peers.
func (r *rtRQ) yield(now uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateCurrLocked(now)
	if r.curr == nil || r.queues[r.curr.rtPrio].Empty() {
		return false
	}
	r.curr.rt.rotate = true
	return true
}

// updateCurr charges the current task.
func (r *rtRQ) updateCurr(now uint64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateCurrLocked(now)
}

// highestQueued returns the highest queued priority, or MaxRTPrio.
func (r *rtRQ) highestQueued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.highest
}

// counts returns the number of RT tasks and the number of those queued.
func (r *rtRQ) counts() (nr, queued int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queued = r.nr
	if r.curr != nil {
		queued--
	}
	return r.nr, queued
}

// pullCandidate returns the most urgent queued task more urgent than prio
// that may run on cpu.
func (r *rtRQ) pullCandidate(cpu, prio int) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	for p, ok := r.active.Minimum(); ok && int(p) < prio; p, ok = r.active.FirstOne(p + 1) {
		for e := r.queues[p].Front(); e != nil; e = e.Next() {
			t := e.task
			if t.state != Zombie && t.allowed.Count() > 1 && t.allowed.Contains(uint32(cpu)) {
				return t
			}
		}
	}
	return nil
}

// verify checks the bitmap and cached priority against the lists, and
// re-derives them if reset is set.
func (r *rtRQ) verify(cpu int, reset bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		problems []string
		nr       int
	)
	active := bitmap.New(MaxRTPrio)
	for p := range r.queues {
		n := 0
		for e := r.queues[p].Front(); e != nil; e = e.Next() {
			n++
			if t := e.task; !t.queued || t.rtPrio != p || int(t.cpu.Load()) != cpu {
				problems = append(problems, fmt.Sprintf("priority %d list holds a misfiled task %d", p, t.PID))
			}
		}
		if n != r.queues[p].Len() {
			problems = append(problems, fmt.Sprintf("priority %d list length %d, counted %d", p, r.queues[p].Len(), n))
		}
		if n > 0 {
			active.Add(uint32(p))
		}
		nr += n
	}
	if r.curr != nil {
		nr++
	}
	highest := MaxRTPrio
	if p, ok := active.Minimum(); ok {
		highest = int(p)
	}
	if !active.Equal(&r.active) {
		problems = append(problems, fmt.Sprintf("bitmap %v disagrees with lists %v", r.active, active))
	}
	if highest != r.highest {
		problems = append(problems, fmt.Sprintf("highest_prio %d, lists say %d", r.highest, highest))
	}
	if nr != r.nr {
		problems = append(problems, fmt.Sprintf("nr_running %d, lists say %d", r.nr, nr))
	}
	if reset && len(problems) > 0 {
		r.active = active
		r.highest = highest
		r.nr = nr
	}
	return problems
}
