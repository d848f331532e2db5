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

package locking

import "sync"

// Mutex is a sync.Mutex that reports to the lock-order validator. The zero
// value is an unranked mutex that the validator ignores.
type Mutex struct {
	mu       sync.Mutex
	class    *MutexClass
	subclass int
}

// Init assigns the mutex to class. Nested mutexes of the same class must be
// taken in increasing subclass order. Init must be called before first use.
func (m *Mutex) Init(class *MutexClass, subclass int) {
	m.class = class
	m.subclass = subclass
}

// Lock locks m.
func (m *Mutex) Lock() {
	AddGLock(m.class, m.subclass)
	m.mu.Lock()
}

// Unlock unlocks m.
func (m *Mutex) Unlock() {
	DelGLock(m.class, m.subclass)
	m.mu.Unlock()
}

// TryLock tries to lock m and reports whether it succeeded. It does not
// consult the validator; a failed TryLock cannot deadlock.
func (m *Mutex) TryLock() bool {
	if !m.mu.TryLock() {
		return false
	}
	if enabled.Load() && m.class != nil {
		heldMu.Lock()
		id := goid()
		held[id] = append(held[id], heldLock{m.class, m.subclass})
		heldMu.Unlock()
	}
	return true
}

// RWMutex is a sync.RWMutex that reports to the lock-order validator. Read
// and write acquisitions are ranked identically.
type RWMutex struct {
	mu       sync.RWMutex
	class    *MutexClass
	subclass int
}

// Init assigns the mutex to class.
func (m *RWMutex) Init(class *MutexClass, subclass int) {
	m.class = class
	m.subclass = subclass
}

// Lock locks m for writing.
func (m *RWMutex) Lock() {
	AddGLock(m.class, m.subclass)
	m.mu.Lock()
}

// Unlock unlocks m for writing.
func (m *RWMutex) Unlock() {
	DelGLock(m.class, m.subclass)
	m.mu.Unlock()
}

// RLock locks m for reading.
func (m *RWMutex) RLock() {
	AddGLock(m.class, m.subclass)
	m.mu.RLock()
}

// RUnlock undoes a single RLock call.
func (m *RWMutex) RUnlock() {
	DelGLock(m.class, m.subclass)
	m.mu.RUnlock()
}
