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

	"github.com/cenkalti/backoff"
	"kos.dev/kos/pkg/errors/kerr"
	"kos.dev/kos/pkg/hostarch"
	"kos.dev/kos/pkg/log"
	"kos.dev/kos/pkg/sentry/kernel/sched"
)

// faultRetries is the number of times a fault that ran out of memory is
// retried after reclaim.
const faultRetries = 3

// HandleTrap resolves a page fault taken by p at addr. p's running time is
// charged as system time until it returns.
//
// A fault that fails for lack of memory is retried after Reclaim, up to
// faultRetries times. If it still fails, the FaultOOM recovery policy
// decides whether p is killed. A fault outside any mapping or against its
// permissions kills p. A killed process exits with the negated errno.
func (k *Kernel) HandleTrap(p *Process, addr hostarch.Addr, write bool) error {
	if p.Exited() {
		return fmt.Errorf("process %d has exited: %w", p.PID(), kerr.ESRCH)
	}
	// Time spent resolving the fault, including reclaim and backoff, is
	// system time.
	prev := p.task.SetExecMode(sched.SysMode)
	defer p.task.SetExecMode(prev)
	at := hostarch.Read
	if write {
		at = hostarch.Write
	}

	attempts := 0
	op := func() error {
		attempts++
		err := p.mm.HandleFault(addr, at)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, kerr.ENOMEM):
			freed := k.Reclaim()
			log.Debugf("kernel: pid %d fault at %v out of memory (attempt %d), reclaimed %d pages", p.PID(), addr, attempts, freed)
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(k.faultDelay), faultRetries)
	err := backoff.Retry(op, b)
	if err == nil {
		return nil
	}

	errno := kerr.ToUnix(err)
	switch {
	case errors.Is(err, kerr.ENOMEM):
		detail := fmt.Sprintf("fault at %v after %d attempts", addr, attempts)
		if a := k.sched.Report(sched.FaultOOM, p.task, detail); a != sched.KillTask {
			return err
		}
		log.Warningf("kernel: out of memory: killing process %d %q", p.PID(), p.task.Name)
	case errors.Is(err, kerr.EFAULT), errors.Is(err, kerr.EACCES):
		log.Infof("kernel: process %d: segmentation fault at %v (%v)", p.PID(), addr, at)
	default:
		return err
	}
	if exitErr := k.Exit(p, -int(errno)); exitErr != nil {
		log.Warningf("kernel: exiting process %d: %v", p.PID(), exitErr)
	}
	return err
}
