// Copyright 2024 The sysmon Authors
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

// Package errkind classifies errors into the five kinds every sysmon
// component surfaces. Components handle Transient and Permission locally
// and surface Config, NotSupported and Fatal to their owner.
package errkind

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// Transient errors are retryable; the underlying resource should
	// recover soon (queue full, interrupted I/O).
	Transient Kind = iota + 1
	// Config means malformed configuration or schema; the component
	// refuses to start or reload and keeps its prior state.
	Config
	// Permission means the OS denied access; logged once per process
	// lifetime, then skipped permanently.
	Permission
	// NotSupported means the capability does not exist on this platform;
	// the metric family is disabled for the session.
	NotSupported
	// Fatal means an invariant is broken and it is unsafe to continue.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Config:
		return "config"
	case Permission:
		return "permission"
	case NotSupported:
		return "not_supported"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Error wraps an underlying error with a Kind. It supports errors.As and
// errors.Unwrap; errors.Is matches only the identical *Error value, so
// kinds are compared with Of and Is.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a kinded error from a format string.
func New(k Kind, format string, v ...any) *Error {
	return &Error{Kind: k, Err: fmt.Errorf(format, v...)}
}

// Wrap attaches a kind to err. A nil err returns nil.
func Wrap(k Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Err: err}
}

// Of reports the kind of err, or 0 if err carries none.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool {
	return Of(err) == k
}
