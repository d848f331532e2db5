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

package page

import "fmt"

// List is an intrusive list of frames, linked through the prev/next fields of
// the frame records. Entries can be added to or removed from the list in O(1)
// time and with no additional memory allocations. A frame is on at most one
// list at a time.
//
// The zero value is not ready to use; call Init.
type List struct {
	head, tail PFN
	len        int
}

// Init resets l to the empty state.
func (l *List) Init() {
	l.head = NoPFN
	l.tail = NoPFN
	l.len = 0
}

// Empty returns true iff the list is empty.
func (l *List) Empty() bool {
	return l.head == NoPFN
}

// Len returns the number of frames on the list.
func (l *List) Len() int {
	return l.len
}

// Front returns the first frame, or NoPFN.
func (l *List) Front() PFN {
	return l.head
}

// Back returns the last frame, or NoPFN.
func (l *List) Back() PFN {
	return l.tail
}

// Next returns the frame after pfn, or NoPFN.
func (l *List) Next(db *DB, pfn PFN) PFN {
	return db.frames[pfn].next
}

// PushFront inserts pfn at the front of l.
func (l *List) PushFront(db *DB, pfn PFN) {
	fr := &db.frames[pfn]
	if fr.list != nil {
		panic(fmt.Sprintf("page.List.PushFront: %v already on a list", pfn))
	}
	fr.list = l
	fr.prev = NoPFN
	fr.next = l.head
	if l.head != NoPFN {
		db.frames[l.head].prev = pfn
	} else {
		l.tail = pfn
	}
	l.head = pfn
	l.len++
}

// PushBack inserts pfn at the back of l.
func (l *List) PushBack(db *DB, pfn PFN) {
	fr := &db.frames[pfn]
	if fr.list != nil {
		panic(fmt.Sprintf("page.List.PushBack: %v already on a list", pfn))
	}
	fr.list = l
	fr.next = NoPFN
	fr.prev = l.tail
	if l.tail != NoPFN {
		db.frames[l.tail].next = pfn
	} else {
		l.head = pfn
	}
	l.tail = pfn
	l.len++
}

// Remove unlinks pfn from l. It returns false, leaving everything untouched,
// if pfn is not on l.
func (l *List) Remove(db *DB, pfn PFN) bool {
	fr := &db.frames[pfn]
	if fr.list != l {
		return false
	}
	if fr.prev != NoPFN {
		db.frames[fr.prev].next = fr.next
	} else {
		l.head = fr.next
	}
	if fr.next != NoPFN {
		db.frames[fr.next].prev = fr.prev
	} else {
		l.tail = fr.prev
	}
	fr.prev, fr.next, fr.list = NoPFN, NoPFN, nil
	l.len--
	return true
}

// PopFront removes and returns the first frame, or NoPFN if l is empty.
func (l *List) PopFront(db *DB) PFN {
	pfn := l.head
	if pfn != NoPFN {
		l.Remove(db, pfn)
	}
	return pfn
}

// ForEach calls fn on each frame in order until fn returns false. fn must not
// modify l.
func (l *List) ForEach(db *DB, fn func(PFN) bool) {
	for pfn := l.head; pfn != NoPFN; pfn = db.frames[pfn].next {
		if !fn(pfn) {
			return
		}
	}
}

// Count walks l and returns its length. Unlike Len it does not trust the
// cached count.
func (l *List) Count(db *DB) int {
	n := 0
	l.ForEach(db, func(PFN) bool {
		n++
		return true
	})
	return n
}
