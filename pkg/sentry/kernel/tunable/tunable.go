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

// Package tunable holds the kernel's runtime configuration surface: named
// integer parameters with documented ranges that may be read and written
// while the kernel runs.
package tunable

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/constraints"
	"kos.dev/kos/pkg/errors/kerr"
)

// Names of the registered tunables.
const (
	SchedLatency           = "sched_latency_ns"
	SchedMinGranularity    = "sched_min_granularity_ns"
	SchedWakeupGranularity = "sched_wakeup_granularity_ns"
	SchedNrMigrate         = "sched_nr_migrate"
	SchedBalanceInterval   = "sched_balance_interval_ms"
	SchedCFSPeriod         = "sched_cfs_period_us"
	SchedCFSQuota          = "sched_cfs_quota_us"
	SchedRTPeriod          = "sched_rt_period_us"
	SchedRTRuntime         = "sched_rt_runtime_us"
	VMSwappiness           = "vm_swappiness"
	VMDirtyRatio           = "vm_dirty_ratio"
	VMDirtyBackgroundRatio = "vm_dirty_background_ratio"
)

// Unlimited is the sentinel accepted by tunables that may be disabled.
const Unlimited = -1

// InRange returns true if lo <= v <= hi.
func InRange[T constraints.Integer](v, lo, hi T) bool {
	return lo <= v && v <= hi
}

// Tunable is one named parameter.
type Tunable struct {
	name string
	doc  string
	def  int64
	min  int64
	max  int64

	// sentinel permits Unlimited in addition to [min, max].
	sentinel bool

	// check validates v against the rest of the registry.
	check func(r *Registry, v int64) error

	val atomic.Int64
}

// Name returns the tunable's name.
func (t *Tunable) Name() string { return t.name }

// Get returns the current value.
func (t *Tunable) Get() int64 { return t.val.Load() }

// Info describes a tunable for listings.
type Info struct {
	Name     string
	Doc      string
	Value    int64
	Default  int64
	Min      int64
	Max      int64
	Sentinel bool
}

// Range formats the accepted values, e.g. "-1 or [1000, 1000000000]".
func (i Info) Range() string {
	r := fmt.Sprintf("[%d, %d]", i.Min, i.Max)
	if i.Sentinel {
		return fmt.Sprintf("%d or %s", Unlimited, r)
	}
	return r
}

func (t *Tunable) validate(r *Registry, v int64) error {
	if !(t.sentinel && v == Unlimited) && !InRange(v, t.min, t.max) {
		return fmt.Errorf("%s=%d: outside %s: %w", t.name, v, t.info().Range(), kerr.EINVAL)
	}
	if t.check != nil {
		return t.check(r, v)
	}
	return nil
}

func (t *Tunable) info() Info {
	return Info{
		Name:     t.name,
		Doc:      t.doc,
		Value:    t.Get(),
		Default:  t.def,
		Min:      t.min,
		Max:      t.max,
		Sentinel: t.sentinel,
	}
}

// Registry is a set of tunables. Reads are lock free. Writes are serialized
// so that constraints across tunables hold.
type Registry struct {
	mu     sync.Mutex
	byName map[string]*Tunable
}

// NewRegistry returns a registry holding every tunable at its default.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]*Tunable)}
	for _, t := range []*Tunable{
		{name: SchedLatency, doc: "targeted preemption latency for CPU-bound tasks", def: 6000000, min: 100000, max: 1000000000},
		{name: SchedMinGranularity, doc: "minimum slice a CFS task runs before preemption", def: 750000, min: 100000, max: 1000000000},
		{name: SchedWakeupGranularity, doc: "vruntime lead a wakee needs to preempt", def: 1000000, min: 0, max: 1000000000},
		{name: SchedNrMigrate, doc: "tasks moved per load balancing pass", def: 32, min: 1, max: 128},
		{name: SchedBalanceInterval, doc: "interval between load balancing passes", def: 100, min: 1, max: 10000},
		{name: SchedCFSPeriod, doc: "CFS bandwidth period", def: 100000, min: 1000, max: 1000000},
		{name: SchedCFSQuota, doc: "CFS runtime allowed per period", def: Unlimited, min: 1000, max: 1000000000, sentinel: true},
		{name: SchedRTPeriod, doc: "RT bandwidth period", def: 1000000, min: 1000, max: 1000000000, check: checkRTPeriod},
		{name: SchedRTRuntime, doc: "RT runtime allowed per period", def: 950000, min: 0, max: 1000000000, sentinel: true, check: checkRTRuntime},
		{name: VMSwappiness, doc: "preference for reclaiming anonymous memory", def: 60, min: 0, max: 200},
		{name: VMDirtyRatio, doc: "percentage of memory that may be dirty", def: 20, min: 0, max: 100, check: checkDirtyRatio},
		{name: VMDirtyBackgroundRatio, doc: "dirty percentage at which writeback starts", def: 10, min: 0, max: 100, check: checkDirtyBackground},
	} {
		t.val.Store(t.def)
		r.byName[t.name] = t
	}
	return r
}

func checkRTRuntime(r *Registry, v int64) error {
	if period := r.byName[SchedRTPeriod].Get(); v != Unlimited && v > period {
		return fmt.Errorf("%s=%d exceeds %s=%d: %w", SchedRTRuntime, v, SchedRTPeriod, period, kerr.EINVAL)
	}
	return nil
}

func checkRTPeriod(r *Registry, v int64) error {
	if runtime := r.byName[SchedRTRuntime].Get(); runtime != Unlimited && runtime > v {
		return fmt.Errorf("%s=%d is below %s=%d: %w", SchedRTPeriod, v, SchedRTRuntime, runtime, kerr.EINVAL)
	}
	return nil
}

func checkDirtyBackground(r *Registry, v int64) error {
	if ratio := r.byName[VMDirtyRatio].Get(); v > ratio {
		return fmt.Errorf("%s=%d exceeds %s=%d: %w", VMDirtyBackgroundRatio, v, VMDirtyRatio, ratio, kerr.EINVAL)
	}
	return nil
}

func checkDirtyRatio(r *Registry, v int64) error {
	if bg := r.byName[VMDirtyBackgroundRatio].Get(); bg > v {
		return fmt.Errorf("%s=%d is below %s=%d: %w", VMDirtyRatio, v, VMDirtyBackgroundRatio, bg, kerr.EINVAL)
	}
	return nil
}

// Lookup returns the named tunable. Callers on hot paths keep the result and
// call Get on it.
func (r *Registry) Lookup(name string) (*Tunable, error) {
	t, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("tunable %q: %w", name, kerr.ENOENT)
	}
	return t, nil
}

// MustLookup is Lookup for names known to exist.
func (r *Registry) MustLookup(name string) *Tunable {
	t, err := r.Lookup(name)
	if err != nil {
		panic(err)
	}
	return t
}

// Get returns the value of the named tunable.
func (r *Registry) Get(name string) (int64, error) {
	t, err := r.Lookup(name)
	if err != nil {
		return 0, err
	}
	return t.Get(), nil
}

// Set validates v and stores it.
func (r *Registry) Set(name string, v int64) error {
	t, err := r.Lookup(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := t.validate(r, v); err != nil {
		return err
	}
	t.val.Store(v)
	return nil
}

// Apply parses an assignment of the form name=value and sets it.
func (r *Registry) Apply(assignment string) error {
	name, value, ok := strings.Cut(assignment, "=")
	if !ok {
		return fmt.Errorf("tunable assignment %q: want name=value: %w", assignment, kerr.EINVAL)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fmt.Errorf("tunable assignment %q: %v: %w", assignment, err, kerr.EINVAL)
	}
	return r.Set(strings.TrimSpace(name), v)
}

// SetAll sets every entry of m. Entries that depend on each other (a period
// and its runtime) may be given in any order. On failure no entry that could
// not be applied is stored, and the first such error is returned.
func (r *Registry) SetAll(m map[string]int64) error {
	pending := make([]string, 0, len(m))
	for name := range m {
		pending = append(pending, name)
	}
	sort.Strings(pending)
	for len(pending) > 0 {
		var (
			failed   []string
			firstErr error
		)
		for _, name := range pending {
			if err := r.Set(name, m[name]); err != nil {
				failed = append(failed, name)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		if len(failed) == len(pending) {
			return firstErr
		}
		pending = failed
	}
	return nil
}

// All describes every tunable, sorted by name.
func (r *Registry) All() []Info {
	infos := make([]Info, 0, len(r.byName))
	for _, t := range r.byName {
		infos = append(infos, t.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
