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

package ilist

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type testEntry struct {
	Entry[*testEntry]
	value int
}

func values(l *List[*testEntry]) []int {
	var vs []int
	for e := l.Front(); e != nil; e = e.Next() {
		vs = append(vs, e.value)
	}
	return vs
}

func backward(l *List[*testEntry]) []int {
	var vs []int
	for e := l.Back(); e != nil; e = e.Prev() {
		vs = append(vs, e.value)
	}
	return vs
}

func TestPushAndRemove(t *testing.T) {
	var l List[*testEntry]
	if !l.Empty() || l.Front() != nil || l.Back() != nil {
		t.Fatalf("zero list is not empty")
	}
	e := make([]*testEntry, 5)
	for i := range e {
		e[i] = &testEntry{value: i}
	}
	l.PushBack(e[1])
	l.PushBack(e[3])
	l.PushFront(e[0])
	l.InsertAfter(e[1], e[2])
	l.InsertAfter(e[3], e[4])

	if diff := cmp.Diff([]int{0, 1, 2, 3, 4}, values(&l)); diff != "" {
		t.Errorf("forward mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{4, 3, 2, 1, 0}, backward(&l)); diff != "" {
		t.Errorf("backward mismatch (-want +got):\n%s", diff)
	}

	for _, tc := range []struct {
		remove int
		want   []int
	}{
		{remove: 2, want: []int{0, 1, 3, 4}},
		{remove: 0, want: []int{1, 3, 4}},
		{remove: 4, want: []int{1, 3}},
		{remove: 1, want: []int{3}},
		{remove: 3, want: nil},
	} {
		l.Remove(e[tc.remove])
		if diff := cmp.Diff(tc.want, values(&l)); diff != "" {
			t.Errorf("after removing %d (-want +got):\n%s", tc.remove, diff)
		}
		if got := l.Len(); got != len(tc.want) {
			t.Errorf("after removing %d: Len() = %d, want %d", tc.remove, got, len(tc.want))
		}
		if r := e[tc.remove]; r.Next() != nil || r.Prev() != nil {
			t.Errorf("removed entry %d still linked", tc.remove)
		}
	}
	if !l.Empty() || l.Back() != nil {
		t.Errorf("list not empty after removing everything")
	}
}

func TestReset(t *testing.T) {
	var l List[*testEntry]
	l.PushBack(&testEntry{value: 1})
	l.PushBack(&testEntry{value: 2})
	l.Reset()
	if !l.Empty() || l.Len() != 0 {
		t.Errorf("Reset left %v", values(&l))
	}
}
