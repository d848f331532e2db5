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

package tunable

import (
	"errors"
	"testing"

	"kos.dev/kos/pkg/errors/kerr"
)

func TestDefaults(t *testing.T) {
	r := NewRegistry()
	for _, tc := range []struct {
		name string
		want int64
	}{
		{SchedLatency, 6000000},
		{SchedMinGranularity, 750000},
		{SchedWakeupGranularity, 1000000},
		{SchedNrMigrate, 32},
		{SchedBalanceInterval, 100},
		{SchedCFSPeriod, 100000},
		{SchedCFSQuota, Unlimited},
		{SchedRTPeriod, 1000000},
		{SchedRTRuntime, 950000},
		{VMSwappiness, 60},
		{VMDirtyRatio, 20},
		{VMDirtyBackgroundRatio, 10},
	} {
		got, err := r.Get(tc.name)
		if err != nil {
			t.Fatalf("Get(%q) failed: %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("Get(%q) = %d, want %d", tc.name, got, tc.want)
		}
	}
	if n := len(r.All()); n != 12 {
		t.Errorf("All() has %d entries, want 12", n)
	}
}

func TestSet(t *testing.T) {
	for _, tc := range []struct {
		name    string
		value   int64
		wantErr error
	}{
		{SchedLatency, 100000, nil},
		{SchedLatency, 99999, kerr.EINVAL},
		{SchedLatency, Unlimited, kerr.EINVAL},
		{SchedWakeupGranularity, 0, nil},
		{SchedNrMigrate, 128, nil},
		{SchedNrMigrate, 129, kerr.EINVAL},
		{SchedCFSQuota, Unlimited, nil},
		{SchedCFSQuota, 50000, nil},
		{SchedCFSQuota, 999, kerr.EINVAL},
		{SchedRTRuntime, Unlimited, nil},
		{SchedRTRuntime, 1000000, nil},
		{SchedRTRuntime, 1000001, kerr.EINVAL},
		{SchedRTPeriod, 900000, kerr.EINVAL},
		{VMSwappiness, 200, nil},
		{VMSwappiness, -1, kerr.EINVAL},
		{VMDirtyBackgroundRatio, 21, kerr.EINVAL},
		{VMDirtyRatio, 9, kerr.EINVAL},
		{"sched_bogus", 1, kerr.ENOENT},
	} {
		r := NewRegistry()
		err := r.Set(tc.name, tc.value)
		if !errors.Is(err, tc.wantErr) || (tc.wantErr == nil && err != nil) {
			t.Errorf("Set(%q, %d) = %v, want %v", tc.name, tc.value, err, tc.wantErr)
			continue
		}
		if err == nil {
			if got, _ := r.Get(tc.name); got != tc.value {
				t.Errorf("after Set(%q, %d), Get = %d", tc.name, tc.value, got)
			}
		}
	}
}

func TestApply(t *testing.T) {
	r := NewRegistry()
	if err := r.Apply("vm_swappiness = 10"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got := r.MustLookup(VMSwappiness).Get(); got != 10 {
		t.Errorf("vm_swappiness = %d, want 10", got)
	}
	for _, bad := range []string{"vm_swappiness", "vm_swappiness=ten", "vm_swappiness=300"} {
		if err := r.Apply(bad); !errors.Is(err, kerr.EINVAL) {
			t.Errorf("Apply(%q) = %v, want EINVAL", bad, err)
		}
	}
}

func TestSetAllDependentOrder(t *testing.T) {
	r := NewRegistry()
	// The period alone would fall below the current runtime.
	if err := r.SetAll(map[string]int64{
		SchedRTPeriod:  500000,
		SchedRTRuntime: 400000,
	}); err != nil {
		t.Fatalf("SetAll failed: %v", err)
	}
	if got := r.MustLookup(SchedRTPeriod).Get(); got != 500000 {
		t.Errorf("period = %d, want 500000", got)
	}

	err := r.SetAll(map[string]int64{
		VMSwappiness:   0,
		SchedNrMigrate: 0,
	})
	if !errors.Is(err, kerr.EINVAL) {
		t.Errorf("SetAll with a bad entry = %v, want EINVAL", err)
	}
	if got := r.MustLookup(SchedNrMigrate).Get(); got != 32 {
		t.Errorf("rejected entry was stored: %d", got)
	}
}

func TestInRange(t *testing.T) {
	if !InRange(uint8(3), 0, 3) || InRange(int64(-2), -1, 5) || !InRange(0, 0, 0) {
		t.Errorf("InRange bounds are not inclusive")
	}
}
