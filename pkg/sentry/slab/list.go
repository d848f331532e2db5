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

package slab

// slabList is an intrusive doubly-linked list of slabs. A slab is on at most
// one list at a time.
type slabList struct {
	head, tail *slab
	len        int
}

func (l *slabList) empty() bool { return l.head == nil }

func (l *slabList) pushFront(s *slab) {
	if s.list != nil {
		panic("slab already on a list")
	}
	s.list = l
	s.prev = nil
	s.next = l.head
	if l.head != nil {
		l.head.prev = s
	} else {
		l.tail = s
	}
	l.head = s
	l.len++
}

func (l *slabList) remove(s *slab) {
	if s.list != l {
		panic("slab not on this list")
	}
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		l.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	} else {
		l.tail = s.prev
	}
	s.prev, s.next, s.list = nil, nil, nil
	l.len--
}

// moveTo moves s from whatever list it is on to the front of dst.
func (s *slab) moveTo(dst *slabList) {
	if s.list == dst {
		return
	}
	if s.list != nil {
		s.list.remove(s)
	}
	dst.pushFront(s)
}
