// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package spiceerr defines the error kinds shared across the debugger core,
// so that callers can distinguish recoverable command errors from fatal
// session errors without string-matching.
package spiceerr

import "fmt"

// Kind classifies an Error by how the engine and its callers must react to it.
type Kind int

const (
	// MemoryAccess indicates a failed read or write of debuggee memory.
	MemoryAccess Kind = iota
	// Symbol indicates the symbol oracle rejected a lookup.
	Symbol
	// Protocol indicates the OS debug event stream violated its contract.
	Protocol
	// Invalid indicates a bad argument or type mismatch.
	Invalid
	// AlreadyExists indicates a second attach was attempted.
	AlreadyExists
	// NotConnected indicates a command was issued without an attached process.
	NotConnected
	// NotFound indicates no such function, breakpoint, or execution exists.
	NotFound
)

func (k Kind) String() string {
	switch k {
	case MemoryAccess:
		return "memory access"
	case Symbol:
		return "symbol"
	case Protocol:
		return "protocol"
	case Invalid:
		return "invalid"
	case AlreadyExists:
		return "already exists"
	case NotConnected:
		return "not connected"
	case NotFound:
		return "not found"
	default:
		return "unknown"
	}
}

// Error is a spiceerr.Kind paired with a message. It wraps an optional
// underlying error so callers may still use errors.Is/errors.As on it.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error of the given kind that wraps err.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

// Fatal reports whether errors of this kind are fatal to a Session. Only
// Protocol is fatal. Failed continue and context operations are reported
// under MemoryAccess, so this predicate classifies them as non-fatal;
// Symbol and Invalid are reported to the caller and the Session remains
// attached.
func (k Kind) Fatal() bool {
	switch k {
	case Protocol:
		return true
	default:
		return false
	}
}
