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

// Package errors holds the standardized error definition for KOS.
//
// Every error raised by the core carries an abstract Kind, which is what
// recovery logic dispatches on, and the closest Linux errno, which is what an
// external syscall layer would report.
package errors

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Kind is the abstract class of an error.
type Kind int

const (
	// Oom means that no memory is available at the requested size.
	Oom Kind = iota + 1

	// InvalidArg means that an argument was zero, misaligned, out of range or
	// an unknown enum value.
	InvalidArg

	// NotFound means that a lookup missed: an unknown pointer, pid or
	// address.
	NotFound

	// Busy means that a resource is in use.
	Busy

	// Permission means that the caller lacks the right to perform the
	// operation, or that the operation would violate an affinity mask.
	Permission

	// Corruption means that an internal invariant was found violated.
	Corruption
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case Oom:
		return "Oom"
	case InvalidArg:
		return "InvalidArg"
	case NotFound:
		return "NotFound"
	case Busy:
		return "Busy"
	case Permission:
		return "Permission"
	case Corruption:
		return "Corruption"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error represents a kinded error with a descriptive message.
type Error struct {
	kind    Kind
	errno   unix.Errno
	message string
}

// New creates a new *Error.
func New(kind Kind, errno unix.Errno, message string) *Error {
	return &Error{
		kind:    kind,
		errno:   errno,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Kind returns the abstract error class.
func (e *Error) Kind() Kind { return e.kind }

// Errno returns the underlying unix.Errno value.
func (e *Error) Errno() unix.Errno { return e.errno }
