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

// Package kerr contains the core's error values exported as error interface
// pointers. This allows for fast comparison with errors.Is, and for cheap
// classification of wrapped errors by Kind.
package kerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"kos.dev/kos/pkg/errors"
)

// Sentinel errors. Each maps to exactly one Kind.
var (
	ENOMEM  = errors.New(errors.Oom, unix.ENOMEM, "out of memory")
	EINVAL  = errors.New(errors.InvalidArg, unix.EINVAL, "invalid argument")
	ERANGE  = errors.New(errors.InvalidArg, unix.ERANGE, "value out of range")
	ENOENT  = errors.New(errors.NotFound, unix.ENOENT, "no such object")
	ESRCH   = errors.New(errors.NotFound, unix.ESRCH, "no such process")
	EFAULT  = errors.New(errors.NotFound, unix.EFAULT, "bad address")
	EBUSY   = errors.New(errors.Busy, unix.EBUSY, "device or resource busy")
	EEXIST  = errors.New(errors.Busy, unix.EEXIST, "range already mapped")
	EPERM   = errors.New(errors.Permission, unix.EPERM, "operation not permitted")
	EACCES  = errors.New(errors.Permission, unix.EACCES, "permission denied")
	EUCLEAN = errors.New(errors.Corruption, unix.EUCLEAN, "structure needs cleaning")
)

// KindOf returns the Kind of err, looking through wrapping. It returns 0 if
// err is nil or does not wrap an *errors.Error.
func KindOf(err error) errors.Kind {
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Kind()
	}
	return 0
}

// ToUnix converts err to the closest unix.Errno. Errors that do not wrap an
// *errors.Error map to EIO.
func ToUnix(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno()
	}
	return unix.EIO
}

// IsKind returns true if err is of the given Kind.
func IsKind(err error, kind errors.Kind) bool {
	return KindOf(err) == kind
}
