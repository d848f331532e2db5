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

package kernel

import (
	"errors"
	"fmt"
	"sync"

	"kos.dev/kos/pkg/cleanup"
	"kos.dev/kos/pkg/errors/kerr"
	"kos.dev/kos/pkg/hostarch"
	"kos.dev/kos/pkg/log"
	"kos.dev/kos/pkg/sentry/kernel/sched"
	"kos.dev/kos/pkg/sentry/mm"
)

// commLen is the size of a process name buffer, including the terminator.
const commLen = 16

// Process is a single-threaded process: a task and the address space it
// runs in.
type Process struct {
	k      *Kernel
	task   *sched.Task
	mm     *mm.MemoryManager
	parent *Process
	stack  hostarch.AddrRange

	// comm is the kmalloc'd name buffer.
	comm hostarch.Addr

	mu sync.Mutex

	// exited is set by the first Exit. It is protected by mu.
	exited bool
}

// PID returns p's process ID.
func (p *Process) PID() int32 {
	return p.task.PID
}

// Task returns p's scheduler task.
func (p *Process) Task() *sched.Task {
	return p.task
}

// MM returns p's address space.
func (p *Process) MM() *mm.MemoryManager {
	return p.mm
}

// Parent returns the process p was forked from, or nil.
func (p *Process) Parent() *Process {
	return p.parent
}

// Stack returns the range of p's stack VMA.
func (p *Process) Stack() hostarch.AddrRange {
	return p.stack
}

// Comm returns p's name as stored in its name buffer.
func (p *Process) Comm() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return p.task.Name
	}
	return p.k.readComm(p.comm)
}

// Exited reports whether Exit has been called on p.
func (p *Process) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// CreateProcess creates a process with an empty address space and a stack.
// The process does not run until StartProcess. Any partially built state is
// released on failure.
func (k *Kernel) CreateProcess(name string) (*Process, error) {
	task, err := k.sched.TaskCreate(0, name)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { k.cleanupTask(task) })
	defer cu.Clean()

	m, err := mm.New(k.pages, k.tables, k.layout)
	if err != nil {
		return nil, fmt.Errorf("creating address space for %q: %w", name, err)
	}
	cu.Add(m.DecUsers)
	stack, err := m.MapStack(k.stackSize)
	if err != nil {
		return nil, fmt.Errorf("mapping stack for %q: %w", name, err)
	}

	p, err := k.newProcess(task, m, nil, stack)
	if err != nil {
		return nil, err
	}
	cu.Release()
	log.Debugf("kernel: created process %d %q", p.PID(), name)
	return p, nil
}

// newProcess names and registers a process built from task and m.
func (k *Kernel) newProcess(task *sched.Task, m *mm.MemoryManager, parent *Process, stack hostarch.AddrRange) (*Process, error) {
	comm, err := k.writeComm(task.Name)
	if err != nil {
		return nil, fmt.Errorf("allocating name of %q: %w", task.Name, err)
	}
	p := &Process{
		k:      k,
		task:   task,
		mm:     m,
		parent: parent,
		stack:  stack,
		comm:   comm,
	}
	k.mu.Lock()
	k.processes[p.PID()] = p
	k.mu.Unlock()
	return p, nil
}

// StartProcess makes p runnable.
func (k *Kernel) StartProcess(p *Process) error {
	if p.Exited() {
		return fmt.Errorf("process %d has exited: %w", p.PID(), kerr.ESRCH)
	}
	return k.sched.WakeUp(p.task)
}

// Fork creates a runnable child of p. The child shares p's pages
// copy-on-write and inherits its scheduling attributes.
func (k *Kernel) Fork(p *Process) (*Process, error) {
	if p.Exited() {
		return nil, fmt.Errorf("process %d has exited: %w", p.PID(), kerr.ESRCH)
	}
	task, err := k.sched.TaskFork(p.task, p.task.Name)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { k.cleanupTask(task) })
	defer cu.Clean()

	m, err := p.mm.Fork()
	if err != nil {
		return nil, fmt.Errorf("forking address space of %d: %w", p.PID(), err)
	}
	cu.Add(m.DecUsers)

	child, err := k.newProcess(task, m, p, p.stack)
	if err != nil {
		return nil, err
	}
	cu.Release()
	if err := k.sched.WakeUp(task); err != nil {
		k.Exit(child, -int(kerr.ToUnix(err)))
		return nil, err
	}
	log.Debugf("kernel: process %d forked %d", p.PID(), child.PID())
	return child, nil
}

// Exit kills p with the given exit code and releases its address space and
// name. Its task record is freed once the task leaves its runqueue. Exit is
// idempotent.
func (k *Kernel) Exit(p *Process, code int) error {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return nil
	}
	p.exited = true
	comm := p.comm
	p.comm = 0
	p.mu.Unlock()

	k.mu.Lock()
	delete(k.processes, p.PID())
	k.mu.Unlock()

	var errs []error
	if err := k.sched.Kill(p.task, code); err != nil {
		errs = append(errs, err)
	}
	p.mm.DecUsers()
	if err := k.kmalloc.Kfree(comm); err != nil {
		errs = append(errs, fmt.Errorf("freeing name of %d: %w", p.PID(), err))
	}
	if err := k.sched.Reap(p.task); err != nil {
		errs = append(errs, err)
	}
	log.Debugf("kernel: process %d exited with %d", p.PID(), code)
	return errors.Join(errs...)
}
