// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package traceengine drives a debuggee through software breakpoints and
// single-stepping to produce a line-granular execution trace. It is the
// event-loop state machine at the center of a Session: attach, install line
// breakpoints, step through a function or a whole process, emit trace
// records, and handle termination, cancellation, and crashes.
package traceengine

import (
	"fmt"
	"reflect"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/team-worm/spice-sub000/internal/callbuilder"
	"github.com/team-worm/spice-sub000/internal/procctl"
	"github.com/team-worm/spice-sub000/internal/spiceerr"
	"github.com/team-worm/spice-sub000/internal/symbols"
	"github.com/team-worm/spice-sub000/internal/typedvalue"
)

// State is the engine's position in its state machine.
type State int

const (
	StateInit State = iota
	StateAttached
	StateReady
	StateRunning
	StateStepping
	StateTerminated
)

// RecordKind discriminates the variants of TraceRecord.
type RecordKind int

const (
	RecordLine RecordKind = iota
	RecordCall
	RecordReturn
	RecordBreak
	RecordExit
	RecordCancel
	RecordCrash
	RecordError
)

// TraceRecord is one entry of an Execution's ordered trace.
type TraceRecord struct {
	Index int
	Kind  RecordKind

	SourceLine    int
	Delta         map[string]typedvalue.StructuredValue
	CalleeAddress uint64
	Value         typedvalue.StructuredValue

	NextExecutionID int
	ExitCode        int
	StackText       string
	Message         string
}

func (r TraceRecord) terminal() bool {
	switch r.Kind {
	case RecordBreak, RecordExit, RecordCancel, RecordCrash, RecordError:
		return true
	default:
		return false
	}
}

// ExecutionKind distinguishes a whole-process trace from one scoped to a
// single function.
type ExecutionKind int

const (
	ExecutionProcess ExecutionKind = iota
	ExecutionFunction
)

// Execution is one run under breakpoints: either the whole process or a
// single function. Its ID monotonically increases within a Session.
type Execution struct {
	ID           int
	Kind         ExecutionKind
	FunctionAddr uint64

	records  []TraceRecord
	snapshot map[string]typedvalue.StructuredValue
}

// Records returns every record emitted so far for this Execution.
func (e *Execution) Records() []TraceRecord { return e.records }

// Engine is the per-Session state machine. It is not safe for concurrent
// use; Session serializes all access onto a single worker goroutine.
type Engine struct {
	Handle *procctl.Handle
	Oracle symbols.Oracle
	Module symbols.ModuleBase

	state      State
	canceller  *procctl.Canceller
	cancelFlag atomic.Bool

	knownThreads map[int]bool

	lineBreakpoints map[uint64]procctl.Breakpoint
	pendingRestore  map[int]uint64

	callDepth    int
	tracedFunc   *symbols.Symbol
	completionBP *procctl.Breakpoint

	// callBuilder and activeCall let handleReturn recover the return
	// value and the caller's original context once a synthetic call
	// completes; set by ArmCall, cleared by handleReturn.
	callBuilder *callbuilder.Builder
	activeCall  *callbuilder.Call

	// compatFourByteUnsizedLocals reproduces the historical behavior of
	// reading a local of unknown (zero-reported) size as 4 bytes rather
	// than skipping it, for debug images whose info the oracle cannot
	// size precisely.
	compatFourByteUnsizedLocals bool
}

// New returns an Engine bound to handle and oracle, in state Init.
func New(handle *procctl.Handle, oracle symbols.Oracle, module symbols.ModuleBase) *Engine {
	return &Engine{
		Handle:          handle,
		Oracle:          oracle,
		Module:          module,
		knownThreads:    make(map[int]bool),
		lineBreakpoints: make(map[uint64]procctl.Breakpoint),
		pendingRestore:  make(map[int]uint64),
	}
}

// SetCompatFourByteUnsizedLocals toggles the unsized-local compatibility
// behavior (see internal/config.Config.CompatFourByteUnsizedLocals).
func (eng *Engine) SetCompatFourByteUnsizedLocals(on bool) {
	eng.compatFourByteUnsizedLocals = on
}

// State returns the engine's current state.
func (eng *Engine) State() State { return eng.state }

// RequestCancel sets the shared cancel flag and triggers a cross-thread
// breakpoint so the engine observes it the next time it wakes for an
// event. Safe to call from any goroutine at any time.
func (eng *Engine) RequestCancel() error {
	eng.cancelFlag.Store(true)
	if eng.canceller == nil {
		return spiceerr.New(spiceerr.NotConnected, "engine not attached")
	}
	return eng.canceller.TriggerBreakpoint()
}

// Canceller returns the cross-thread cancellation handle created by Attach.
func (eng *Engine) Canceller() *procctl.Canceller { return eng.canceller }

// nextEvent waits for the debuggee's next status change and translates it
// into an Event carrying its own acknowledgement closure.
func (eng *Engine) nextEvent(pid int) (*Event, error) {
	wpid, ws, err := eng.Handle.Wait(pid)
	if err != nil {
		return nil, err
	}

	ev := &Event{Pid: eng.Handle.Pid(), Tid: wpid}
	ev.ackFn = func(handled bool) error {
		if ev.Kind != EventException && ev.Kind != EventDebugString {
			return nil
		}
		sig := 0
		if !handled {
			sig = int(ev.Code)
		}
		return eng.Handle.Continue(wpid, sig)
	}

	switch {
	case ws.Exited:
		ev.Kind = EventProcessExited
		ev.ExitCode = ws.ExitCode
	case ws.Signaled:
		ev.Kind = EventProcessExited
		ev.ExitCode = -int(ws.Signal)
	case ws.Stopped && ws.TrapCause == unix.PTRACE_EVENT_CLONE:
		ev.Kind = EventThreadCreated
	case ws.Stopped:
		ev.Kind = EventException
		ev.Code = ws.StopSignal
		ev.FirstChance = true
	default:
		return nil, spiceerr.New(spiceerr.Protocol, "unrecognized wait status")
	}
	return ev, nil
}

// Attach performs the initial attach sequence: the first event MUST be
// ProcessCreated. Any other first event is a protocol violation and is
// fatal. On success the engine transitions to Attached and returns a
// Canceller the caller can hand to the outbound Attached reply.
func (eng *Engine) Attach(imagePath string) (*procctl.Canceller, error) {
	if eng.state != StateInit {
		return nil, spiceerr.New(spiceerr.Invalid, "Attach called outside Init state")
	}

	ev, err := eng.nextEvent(eng.Handle.Pid())
	if err != nil {
		return nil, err
	}
	defer ev.Release()

	if ev.Kind != EventException || ev.Code != unix.SIGTRAP {
		return nil, spiceerr.New(spiceerr.Protocol, "first event was not ProcessCreated (exec trap)")
	}

	if err := eng.Handle.SetOptions(unix.PTRACE_O_TRACECLONE); err != nil {
		return nil, spiceerr.Wrap(spiceerr.Protocol, err, "set ptrace options")
	}

	if err := eng.Oracle.Initialize(eng.Module, imagePath); err != nil {
		return nil, err
	}

	eng.knownThreads[eng.Handle.Pid()] = true
	eng.canceller = procctl.NewCanceller(eng.Handle)
	eng.state = StateAttached

	if err := ev.Ack(true); err != nil {
		return nil, err
	}
	return eng.canceller, nil
}

// SetBreakpoint installs a software breakpoint at addr, tolerating a
// redundant call against an already-armed address (idempotent).
func (eng *Engine) SetBreakpoint(addr uint64) error {
	if _, ok := eng.lineBreakpoints[addr]; ok {
		return nil
	}
	bp, err := eng.Handle.InstallBreakpoint(addr)
	if err != nil {
		return err
	}
	eng.lineBreakpoints[addr] = bp
	eng.state = StateReady
	return nil
}

// ClearBreakpoint removes a previously installed breakpoint.
func (eng *Engine) ClearBreakpoint(addr uint64) error {
	bp, ok := eng.lineBreakpoints[addr]
	if !ok {
		return nil
	}
	if err := eng.Handle.UninstallBreakpoint(bp); err != nil {
		return err
	}
	delete(eng.lineBreakpoints, addr)
	return nil
}

// Breakpoints returns the addresses of every currently armed breakpoint.
func (eng *Engine) Breakpoints() []uint64 {
	addrs := make([]uint64, 0, len(eng.lineBreakpoints))
	for addr := range eng.lineBreakpoints {
		addrs = append(addrs, addr)
	}
	return addrs
}

// PrepareFunctionTrace installs a breakpoint on every source-line address
// of sym and marks the Execution as function-scoped, so call-depth
// tracking knows which addresses belong to the traced function.
func (eng *Engine) PrepareFunctionTrace(sym symbols.Symbol) error {
	lines, err := eng.Oracle.LinesFromSymbol(sym)
	if err != nil {
		return err
	}
	for {
		line, ok := lines.Next()
		if !ok {
			break
		}
		if err := eng.SetBreakpoint(line.Address); err != nil {
			return err
		}
	}
	eng.tracedFunc = &sym
	eng.callDepth = 0
	eng.state = StateReady
	return nil
}

// Trace runs the RUNNING loop described in the design until exec reaches a
// terminal record, appending every emitted record to exec and invoking emit
// for each one (emit may be nil).
func (eng *Engine) Trace(exec *Execution, emit func(TraceRecord)) error {
	if exec.snapshot == nil {
		exec.snapshot = make(map[string]typedvalue.StructuredValue)
	}
	for {
		rec, err := eng.step(exec)
		if err != nil {
			return err
		}
		rec.Index = len(exec.records)
		exec.records = append(exec.records, rec)
		if emit != nil {
			emit(rec)
		}
		if rec.terminal() {
			if rec.Kind != RecordBreak {
				eng.state = StateTerminated
			} else {
				eng.state = StateReady
			}
			return nil
		}
	}
}

// step advances the debuggee by exactly one emitted TraceRecord.
func (eng *Engine) step(exec *Execution) (TraceRecord, error) {
	eng.state = StateRunning
	if err := eng.reinstallAndContinue(); err != nil {
		return TraceRecord{}, err
	}

	for {
		ev, err := eng.nextEvent(-1)
		if err != nil {
			return TraceRecord{}, err
		}

		if eng.cancelFlag.Load() && !eng.knownThreads[ev.Tid] {
			ev.Release()
			return TraceRecord{Kind: RecordCancel}, nil
		}

		switch ev.Kind {
		case EventProcessExited:
			ev.Release()
			return TraceRecord{Kind: RecordExit, ExitCode: ev.ExitCode}, nil

		case EventThreadCreated:
			eng.knownThreads[ev.Tid] = true
			if err := ev.Ack(true); err != nil {
				return TraceRecord{}, err
			}
			continue

		case EventException:
			if ev.Code != unix.SIGTRAP {
				return eng.handleCrash(ev)
			}
			rec, done, err := eng.handleTrap(ev, exec)
			if err != nil {
				return TraceRecord{}, err
			}
			if done {
				return rec, nil
			}
			continue

		default:
			if err := ev.Ack(true); err != nil {
				return TraceRecord{}, err
			}
			continue
		}
	}
}

func (eng *Engine) reinstallAndContinue() error {
	return eng.Handle.Continue(eng.Handle.Pid(), 0)
}

// handleTrap implements the breakpoint-hit → single-step → reinstall
// sequence. It returns done=true once a TraceRecord is ready to emit.
func (eng *Engine) handleTrap(ev *Event, exec *Execution) (TraceRecord, bool, error) {
	defer ev.Release()

	ctx, err := eng.Handle.GetContext(ev.Tid)
	if err != nil {
		return TraceRecord{}, false, err
	}

	if addr, pending := eng.pendingRestore[ev.Tid]; pending {
		// Single-step completion: reinstall and clear the trap flag.
		bp, err := eng.Handle.InstallBreakpoint(addr)
		if err != nil {
			return TraceRecord{}, false, err
		}
		eng.lineBreakpoints[addr] = bp
		ctx.SetTrapFlag(false)
		if err := eng.Handle.SetContext(ev.Tid, ctx); err != nil {
			return TraceRecord{}, false, err
		}
		delete(eng.pendingRestore, ev.Tid)
		if err := eng.Handle.Continue(ev.Tid, 0); err != nil {
			return TraceRecord{}, false, err
		}
		if err := ev.Ack(true); err != nil {
			return TraceRecord{}, false, err
		}
		return TraceRecord{}, false, nil
	}

	hitAddr := ctx.PC() - 1
	bp, armed := eng.lineBreakpoints[hitAddr]

	if eng.completionBP != nil && hitAddr == eng.completionBP.PC {
		rec, err := eng.handleReturn(ev, ctx)
		return rec, true, err
	}

	if !armed {
		if err := ev.Ack(true); err != nil {
			return TraceRecord{}, false, err
		}
		return TraceRecord{}, false, nil
	}

	// 1. Remove the breakpoint so the real instruction can execute.
	if err := eng.Handle.UninstallBreakpoint(bp); err != nil {
		return TraceRecord{}, false, err
	}
	delete(eng.lineBreakpoints, hitAddr)
	// 2. Rewind the instruction pointer to the breakpoint address.
	ctx.SetPC(hitAddr)
	// 3. Set the single-step flag.
	ctx.SetTrapFlag(true)
	if err := eng.Handle.SetContext(ev.Tid, ctx); err != nil {
		return TraceRecord{}, false, err
	}
	// 4. Record pending_restore for this thread.
	eng.pendingRestore[ev.Tid] = hitAddr

	rec, err := eng.reportLine(ev.Tid, hitAddr, exec)
	if err != nil {
		return TraceRecord{}, false, err
	}

	if err := eng.Handle.SingleStep(ev.Tid); err != nil {
		return TraceRecord{}, false, err
	}
	// 6. Acknowledge.
	if err := ev.Ack(true); err != nil {
		return TraceRecord{}, false, err
	}

	return rec, true, nil
}

// reportLine walks the top frame, diffs its locals against the previous
// snapshot, and classifies the hit as Line, Call, or Return.
func (eng *Engine) reportLine(tid int, addr uint64, exec *Execution) (TraceRecord, error) {
	line, _, err := eng.Oracle.LineFromAddress(addr)
	if err != nil {
		return TraceRecord{}, err
	}

	if exec.Kind == ExecutionFunction && eng.tracedFunc != nil {
		inFunc := addr >= eng.tracedFunc.Address && addr < eng.tracedFunc.Address+eng.tracedFunc.Size
		switch {
		case !inFunc && eng.callDepth == 0:
			// First line outside the traced function's range: a callee
			// entered via a breakpoint the caller set on it explicitly.
			eng.callDepth++
			return TraceRecord{Kind: RecordCall, SourceLine: line.Line, CalleeAddress: addr}, nil
		case inFunc && eng.callDepth > 0:
			// Control is back in the traced function: the outstanding
			// callee returned. Pair it with the earlier Call.
			eng.callDepth--
			return TraceRecord{Kind: RecordReturn, SourceLine: line.Line}, nil
		}
		// Otherwise (still outside the traced function, callDepth already
		// positive) fall through and report it as an ordinary Line inside
		// the callee; no second unmatched Call.
	}

	delta, err := eng.snapshotDelta(addr, exec)
	if err != nil {
		return TraceRecord{}, err
	}
	return TraceRecord{Kind: RecordLine, SourceLine: line.Line, Delta: delta}, nil
}

// snapshotDelta enumerates live locals at addr, reads their values, and
// returns only the entries that changed since exec's previous snapshot.
func (eng *Engine) snapshotDelta(addr uint64, exec *Execution) (map[string]typedvalue.StructuredValue, error) {
	ctx, err := eng.Handle.GetContext(eng.Handle.Pid())
	if err != nil {
		return nil, err
	}
	fp := ctx.SP()

	delta := make(map[string]typedvalue.StructuredValue)
	reader := typedvalue.Reader{Oracle: eng.Oracle, Module: eng.Module}

	var walkErr error
	_ = eng.Oracle.EnumerateLocals(addr, func(sym symbols.Symbol, size uint64) bool {
		if size == 0 {
			if !eng.compatFourByteUnsizedLocals {
				return true
			}
			size = 4
		}
		t, err := eng.Oracle.TypeFromIndex(eng.Module, sym.TypeIndex)
		if err != nil {
			walkErr = err
			return false
		}
		buf, err := eng.Handle.Read(fp+sym.Address, int(size))
		if err != nil {
			// Recovered locally: mark unreadable by skipping, per the
			// error-handling design for local snapshotting.
			return true
		}
		v, err := reader.Read(t, buf, nil)
		if err != nil {
			return true
		}
		if prev, ok := exec.snapshot[sym.Name]; !ok || !reflect.DeepEqual(prev, v) {
			delta[sym.Name] = v
			exec.snapshot[sym.Name] = v
		}
		return true
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return delta, nil
}

// handleReturn tears down the synthetic call that just completed: it reads
// the return value out of the post-return context (or the caller-allocated
// return area for oversized returns) via CallBuilder.Teardown, then
// reinstates the caller's original context so the debuggee is left exactly
// as it was before the call, per the CallBuilder teardown contract.
func (eng *Engine) handleReturn(ev *Event, ctx *procctl.ThreadContext) (TraceRecord, error) {
	bp := *eng.completionBP
	if err := eng.Handle.UninstallBreakpoint(bp); err != nil {
		return TraceRecord{}, err
	}
	eng.completionBP = nil

	value, restoreCtx, err := eng.callBuilder.Teardown(eng.Module, eng.activeCall, ctx)
	if err != nil {
		return TraceRecord{}, err
	}
	eng.activeCall = nil
	eng.callBuilder = nil

	if err := eng.Handle.SetContext(ev.Tid, restoreCtx); err != nil {
		return TraceRecord{}, err
	}
	if err := ev.Ack(true); err != nil {
		return TraceRecord{}, err
	}
	if eng.callDepth > 0 {
		eng.callDepth--
	}
	return TraceRecord{Kind: RecordReturn, Value: value}, nil
}

// ArmCall registers the synthetic call CallBuilder just set up: its
// one-shot completion breakpoint, so the trace loop recognizes it as call
// completion rather than a user breakpoint, plus the builder/Call pair
// handleReturn needs to recover the return value and restore context.
func (eng *Engine) ArmCall(builder *callbuilder.Builder, call *callbuilder.Call) {
	bp := call.CompletionBP
	eng.completionBP = &bp
	eng.callBuilder = builder
	eng.activeCall = call
}

// handleCrash walks the stack, renders it, and transitions to Terminated.
func (eng *Engine) handleCrash(ev *Event) (TraceRecord, error) {
	defer ev.Release()

	stackText := eng.renderStack(ev.Tid)
	if err := ev.Ack(false); err != nil {
		return TraceRecord{}, err
	}
	return TraceRecord{Kind: RecordCrash, StackText: stackText}, nil
}

func (eng *Engine) renderStack(tid int) string {
	frames, err := eng.Oracle.WalkStack(tid)
	if err != nil {
		return fmt.Sprintf("(stack unavailable: %v)", err)
	}
	out := ""
	for {
		f, ok := frames.Next()
		if !ok {
			break
		}
		out += fmt.Sprintf("%s (%s:%d) pc=%#x sp=%#x\n", f.Function, f.File, f.Line, f.PC, f.SP)
	}
	if out == "" {
		out = "(no frames)"
	}
	return out
}
