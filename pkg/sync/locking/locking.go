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

// Package locking implements lock primitives with a lock-order validator.
//
// Every mutex belongs to a class, and every class has a rank. A goroutine may
// only acquire a mutex whose rank is strictly greater than the rank of every
// mutex it already holds. Mutexes of the same class may be nested only in
// increasing subclass order; the runqueues use the CPU index as subclass and
// address spaces use their creation sequence number.
//
// The validator is off by default. When enabled, each goroutine's held locks
// are tracked and a violation panics with the list of held locks.
package locking

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Rank orders mutex classes. Outer locks have lower ranks.
type Rank int

// Ranks used by the kernel. Memory-management locks come before scheduler
// locks; the two pillars only nest in that direction.
const (
	RankVMA Rank = iota + 1
	RankPageTable
	RankKmallocTable
	RankSlabCache
	RankBuddyZone
	RankTask
	RankRunQueue
	RankSubQueue
	RankBandwidth
	RankRecovery
)

// MutexClass is a class of mutexes that share a rank.
type MutexClass struct {
	name string
	rank Rank
}

// NewMutexClass allocates a new mutex class.
func NewMutexClass(name string, rank Rank) *MutexClass {
	return &MutexClass{name: name, rank: rank}
}

// Name returns the class name.
func (c *MutexClass) Name() string { return c.name }

// Rank returns the class rank.
func (c *MutexClass) Rank() Rank { return c.rank }

var enabled atomic.Bool

// SetValidation turns the validator on or off. Locks taken while the
// validator was off are not tracked, so it should be set before any locking
// happens.
func SetValidation(on bool) {
	enabled.Store(on)
}

// ValidationEnabled returns whether the validator is on.
func ValidationEnabled() bool {
	return enabled.Load()
}

type heldLock struct {
	class    *MutexClass
	subclass int
}

func (h heldLock) String() string {
	return fmt.Sprintf("%s[%d](rank %d)", h.class.name, h.subclass, h.class.rank)
}

var (
	heldMu sync.Mutex
	held   = make(map[uint64][]heldLock)
)

// goid returns the current goroutine id, parsed from the stack header.
func goid() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		panic(fmt.Sprintf("locking: cannot parse goroutine id from %q", buf[:]))
	}
	return id
}

func describe(locks []heldLock) string {
	parts := make([]string, len(locks))
	for i, h := range locks {
		parts[i] = h.String()
	}
	return strings.Join(parts, ", ")
}

// AddGLock records that the current goroutine is about to take a mutex of the
// given class, panicking if that would violate the lock order.
func AddGLock(class *MutexClass, subclass int) {
	if class == nil || !enabled.Load() {
		return
	}
	id := goid()
	heldMu.Lock()
	defer heldMu.Unlock()
	locks := held[id]
	want := heldLock{class, subclass}
	for _, h := range locks {
		switch {
		case h.class == class && h.subclass >= subclass:
			panic(fmt.Sprintf("lock order violation: taking %v while holding %v [held: %s]", want, h, describe(locks)))
		case h.class != class && h.class.rank >= class.rank:
			panic(fmt.Sprintf("lock order violation: taking %v while holding %v [held: %s]", want, h, describe(locks)))
		}
	}
	held[id] = append(locks, want)
}

// DelGLock records that the current goroutine released a mutex of the given
// class.
func DelGLock(class *MutexClass, subclass int) {
	if class == nil || !enabled.Load() {
		return
	}
	id := goid()
	heldMu.Lock()
	defer heldMu.Unlock()
	locks := held[id]
	for i := len(locks) - 1; i >= 0; i-- {
		if locks[i].class == class && locks[i].subclass == subclass {
			locks = append(locks[:i], locks[i+1:]...)
			if len(locks) == 0 {
				delete(held, id)
			} else {
				held[id] = locks
			}
			return
		}
	}
	// Taken before validation was enabled.
}

// HeldCount returns the number of tracked locks held by the current goroutine.
func HeldCount() int {
	if !enabled.Load() {
		return 0
	}
	id := goid()
	heldMu.Lock()
	defer heldMu.Unlock()
	return len(held[id])
}
