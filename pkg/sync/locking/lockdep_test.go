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

package locking_test

import (
	"strings"
	"testing"

	"kos.dev/kos/pkg/sync/locking"
)

var (
	outerClass = locking.NewMutexClass("test.outer", locking.RankSlabCache)
	innerClass = locking.NewMutexClass("test.inner", locking.RankBuddyZone)
	rqClass    = locking.NewMutexClass("test.rq", locking.RankRunQueue)
)

func withValidation(t *testing.T) {
	locking.SetValidation(true)
	t.Cleanup(func() { locking.SetValidation(false) })
}

func expectViolation(t *testing.T, f func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Errorf("lock order violation was not detected")
			return
		}
		if !strings.Contains(r.(string), "lock order violation") {
			t.Errorf("unexpected panic: %v", r)
		}
		t.Logf("%s", r)
	}()
	f()
}

func TestInOrder(t *testing.T) {
	withValidation(t)
	var outer, inner locking.Mutex
	outer.Init(outerClass, 0)
	inner.Init(innerClass, 0)

	outer.Lock()
	inner.Lock()
	if got := locking.HeldCount(); got != 2 {
		t.Errorf("HeldCount() = %d, want 2", got)
	}
	inner.Unlock()
	outer.Unlock()
	if got := locking.HeldCount(); got != 0 {
		t.Errorf("HeldCount() = %d, want 0", got)
	}
}

func TestReverse(t *testing.T) {
	withValidation(t)
	var outer, inner locking.Mutex
	outer.Init(outerClass, 0)
	inner.Init(innerClass, 0)

	inner.Lock()
	defer inner.Unlock()
	expectViolation(t, func() {
		outer.Lock()
		outer.Unlock()
	})
}

func TestSame(t *testing.T) {
	withValidation(t)
	var a, b locking.Mutex
	a.Init(outerClass, 0)
	b.Init(outerClass, 0)

	a.Lock()
	defer a.Unlock()
	expectViolation(t, func() {
		b.Lock()
		b.Unlock()
	})
}

func TestNestedBySubclass(t *testing.T) {
	withValidation(t)
	rqs := make([]locking.Mutex, 4)
	for i := range rqs {
		rqs[i].Init(rqClass, i)
	}

	rqs[1].Lock()
	rqs[3].Lock()
	rqs[3].Unlock()
	rqs[1].Unlock()

	rqs[2].Lock()
	defer rqs[2].Unlock()
	expectViolation(t, func() {
		rqs[0].Lock()
		rqs[0].Unlock()
	})
}

func TestDisabled(t *testing.T) {
	locking.SetValidation(false)
	var outer, inner locking.Mutex
	outer.Init(outerClass, 0)
	inner.Init(innerClass, 0)
	inner.Lock()
	outer.Lock()
	outer.Unlock()
	inner.Unlock()
}

func TestRWMutexRanked(t *testing.T) {
	withValidation(t)
	var vma locking.RWMutex
	vma.Init(locking.NewMutexClass("test.vma", locking.RankVMA), 0)
	var inner locking.Mutex
	inner.Init(innerClass, 0)

	vma.RLock()
	inner.Lock()
	inner.Unlock()
	vma.RUnlock()

	inner.Lock()
	defer inner.Unlock()
	expectViolation(t, func() {
		vma.RLock()
		vma.RUnlock()
	})
}
