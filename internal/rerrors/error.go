// Copyright 2021 - 2022 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rerrors defines the abstract error kinds of the replication
// and coordination subsystem (spec §7) as a small numeric-code
// registry, in the style of the teacher's moerr package but scoped to
// the eleven named kinds instead of the full SQL error surface.
package rerrors

import (
	"errors"
	"fmt"
)

// Kind is one of the abstract error kinds named in spec §7.
type Kind uint16

const (
	// 0 is reserved: never constructed, exists so a zero Kind is
	// visibly "not an rerrors error" rather than a valid one.
	_ Kind = iota

	CoordinatorUnavailable
	CoordinatorSessionExpired
	VersionConflict
	ReplicaReadonly
	PartAlreadyExists
	PartNotFound
	ChecksumMismatch
	TooManyConcurrentOperations
	Aborted
	AuthFailed
	LogicalInvariantViolated
)

var kindNames = map[Kind]string{
	CoordinatorUnavailable:       "CoordinatorUnavailable",
	CoordinatorSessionExpired:    "CoordinatorSessionExpired",
	VersionConflict:              "VersionConflict",
	ReplicaReadonly:              "ReplicaReadonly",
	PartAlreadyExists:            "PartAlreadyExists",
	PartNotFound:                 "PartNotFound",
	ChecksumMismatch:             "ChecksumMismatch",
	TooManyConcurrentOperations:  "TooManyConcurrentOperations",
	Aborted:                      "Aborted",
	AuthFailed:                   "AuthFailed",
	LogicalInvariantViolated:     "LogicalInvariantViolated",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint16(k))
}

// Error is the concrete error type carried across every component
// boundary in this module. It never loses its Kind under wrapping,
// so callers can branch on it with Is/As.
type Error struct {
	kind Kind
	msg  string
	err  error // wrapped cause, optional
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// KindOf returns the abstract error kind, or 0 if err is not (or does
// not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return 0
}

// Is reports whether err is, or wraps, an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// New constructs an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind to an existing error, preserving it as the cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), err: cause}
}

// Retriable reports whether the error kind represents a transient
// condition that a caller should retry in place rather than abandon
// the operation or escalate (spec §7 propagation rules).
func Retriable(err error) bool {
	switch KindOf(err) {
	case CoordinatorUnavailable, VersionConflict, TooManyConcurrentOperations:
		return true
	default:
		return false
	}
}

// Fatal reports whether the error kind is fatal to the table (must
// drive the engine readonly) per spec §7.
func Fatal(err error) bool {
	return KindOf(err) == LogicalInvariantViolated
}
