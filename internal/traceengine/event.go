// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package traceengine

import "golang.org/x/sys/unix"

// EventKind discriminates the variants of Event.
type EventKind int

const (
	EventProcessCreated EventKind = iota
	EventProcessExited
	EventThreadCreated
	EventThreadExited
	EventModuleLoaded
	EventModuleUnloaded
	EventDebugString
	EventException
	EventRip
)

// Event is a tagged record delivered by the OS debug interface. Only the
// fields relevant to Kind are populated. An Event MUST be acknowledged
// exactly once via Ack; Release acknowledges with handled=false if Ack was
// never called, so a dropped event never leaves the debuggee waiting.
type Event struct {
	Kind EventKind
	Pid  int
	Tid  int

	ExitCode int

	BaseAddress uint64
	EntryAddr   uint64
	ImagePath   string

	FirstChance bool
	Code        unix.Signal
	Address     uint64

	acked bool
	ackFn func(handled bool) error
}

// Ack acknowledges the event exactly once. A second call is a no-op.
func (e *Event) Ack(handled bool) error {
	if e.acked {
		return nil
	}
	e.acked = true
	if e.ackFn == nil {
		return nil
	}
	return e.ackFn(handled)
}

// Release implements the scoped-acknowledge discipline from the design
// notes: call via defer immediately after an event is obtained, before any
// early-return path. If the happy path already called Ack, Release is a
// no-op; otherwise it acknowledges with handled=false so the debuggee never
// deadlocks waiting for the debugger.
func (e *Event) Release() {
	_ = e.Ack(false)
}
