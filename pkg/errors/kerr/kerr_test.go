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

package kerr

import (
	goerrors "errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
	"kos.dev/kos/pkg/errors"
)

func TestKindOf(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want errors.Kind
	}{
		{nil, 0},
		{ENOMEM, errors.Oom},
		{fmt.Errorf("kmalloc(50000): %w", ENOMEM), errors.Oom},
		{EEXIST, errors.Busy},
		{fmt.Errorf("wrap: %w", fmt.Errorf("wrap: %w", EUCLEAN)), errors.Corruption},
		{goerrors.New("plain"), 0},
	} {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestToUnix(t *testing.T) {
	if got := ToUnix(fmt.Errorf("x: %w", ESRCH)); got != unix.ESRCH {
		t.Errorf("ToUnix(ESRCH) = %v, want %v", got, unix.ESRCH)
	}
	if got := ToUnix(goerrors.New("plain")); got != unix.EIO {
		t.Errorf("ToUnix(plain) = %v, want %v", got, unix.EIO)
	}
	if got := ToUnix(nil); got != 0 {
		t.Errorf("ToUnix(nil) = %v, want 0", got)
	}
}

func TestSentinelsAreDistinct(t *testing.T) {
	all := []error{ENOMEM, EINVAL, ERANGE, ENOENT, ESRCH, EFAULT, EBUSY, EEXIST, EPERM, EACCES, EUCLEAN}
	for i, a := range all {
		for j, b := range all {
			if i != j && goerrors.Is(a, b) {
				t.Errorf("%v unexpectedly matches %v", a, b)
			}
		}
	}
}
