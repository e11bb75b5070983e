// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package procctl abstracts read/write of debuggee memory, breakpoint
// install/uninstall, thread-context access, and stack push onto a single
// OS process under ptrace control. All ptrace calls are funneled through a
// single dedicated OS thread (via runtime.LockOSThread), because ptrace
// requires the calling thread to be the one that attached.
package procctl

import (
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/team-worm/spice-sub000/internal/spiceerr"
)

// breakpointOpcode is the x86-64 single-byte software breakpoint
// instruction (INT 3).
const breakpointOpcode = 0xCC

// Breakpoint is a saved byte paired with the address it was read from. It
// is armed (installed) when the debuggee's memory holds the breakpoint
// opcode at pc, and disarmed while the original instruction is being
// single-stepped.
type Breakpoint struct {
	PC        uint64
	SavedByte byte
}

// Handle owns an OS process under ptrace and serializes every ptrace
// operation onto the dedicated thread that attached to it.
type Handle struct {
	proc *os.Process
	pid  int

	fc chan func() error
	ec chan error

	released bool
}

// Spawn starts path with argv and env under ptrace, inheriting no std-IO
// (the child's standard input, output and error are closed), and returns
// a Handle stopped at the initial
// exec trap. Only one Handle may be live per debuggee (see Non-goals:
// multi-process debugging is out of scope); callers enforce this via
// Session.
func Spawn(path string, argv []string, env []string) (*Handle, error) {
	fc := make(chan func() error)
	ec := make(chan error)
	go runDedicated(fc, ec)

	h := &Handle{fc: fc, ec: ec}
	var proc *os.Process
	err := h.do(func() error {
		var err1 error
		proc, err1 = os.StartProcess(path, append([]string{path}, argv...), &os.ProcAttr{
			Env:   env,
			Files: []*os.File{nil, nil, nil},
			Sys: &unix.SysProcAttr{
				Ptrace:    true,
				Pdeathsig: unix.SIGKILL,
			},
		})
		return err1
	})
	if err != nil {
		close(fc)
		return nil, spiceerr.Wrap(spiceerr.Invalid, err, "spawn %s", path)
	}
	h.proc = proc
	h.pid = proc.Pid
	return h, nil
}

// Attach acquires debug privilege (a no-op on this platform; kept as a
// named step because the Windows original this design is modeled on
// requires SeDebugPrivilege) and attaches to an already-running process.
func Attach(pid int) (*Handle, error) {
	fc := make(chan func() error)
	ec := make(chan error)
	go runDedicated(fc, ec)

	h := &Handle{pid: pid, fc: fc, ec: ec}
	err := h.do(func() error {
		return unix.PtraceAttach(pid)
	})
	if err != nil {
		close(fc)
		return nil, spiceerr.Wrap(spiceerr.Invalid, err, "attach to pid %d", pid)
	}
	return h, nil
}

// runDedicated runs every closure sent on fc on a single locked OS thread,
// reporting its error on ec. Both channels must be unbuffered so the
// result is always delivered back to the goroutine that sent the request.
func runDedicated(fc chan func() error, ec chan error) {
	runtime.LockOSThread()
	for f := range fc {
		ec <- f()
	}
}

func (h *Handle) do(f func() error) error {
	h.fc <- f
	return <-h.ec
}

// Read reads n bytes of the debuggee's memory at addr.
func (h *Handle) Read(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	err := h.do(func() error {
		got, err := unix.PtracePeekData(h.pid, uintptr(addr), buf)
		if err != nil {
			return err
		}
		if got != n {
			return fmt.Errorf("peeked %d bytes, want %d", got, n)
		}
		return nil
	})
	if err != nil {
		return nil, spiceerr.Wrap(spiceerr.MemoryAccess, err, "read %d bytes at %#x", n, addr)
	}
	return buf, nil
}

// Write writes data to the debuggee's memory at addr and returns the count
// written.
func (h *Handle) Write(addr uint64, data []byte) (int, error) {
	var n int
	err := h.do(func() error {
		got, err := unix.PtracePokeData(h.pid, uintptr(addr), data)
		n = got
		if err != nil {
			return err
		}
		if got != len(data) {
			return fmt.Errorf("poked %d bytes, want %d", got, len(data))
		}
		return nil
	})
	if err != nil {
		return n, spiceerr.Wrap(spiceerr.MemoryAccess, err, "write %d bytes at %#x", len(data), addr)
	}
	return n, nil
}

// InstallBreakpoint reads the byte at addr, remembers it, and writes the
// single-byte software-breakpoint opcode in its place. If the write fails,
// the read is effectively a no-op: nothing has been mutated.
func (h *Handle) InstallBreakpoint(addr uint64) (Breakpoint, error) {
	orig, err := h.Read(addr, 1)
	if err != nil {
		return Breakpoint{}, err
	}
	if _, err := h.Write(addr, []byte{breakpointOpcode}); err != nil {
		return Breakpoint{}, err
	}
	return Breakpoint{PC: addr, SavedByte: orig[0]}, nil
}

// UninstallBreakpoint writes bp's saved byte back over the breakpoint
// opcode.
func (h *Handle) UninstallBreakpoint(bp Breakpoint) error {
	_, err := h.Write(bp.PC, []byte{bp.SavedByte})
	return err
}

// Push decrements ctx's stack pointer by len(data) and writes data to the
// new top of stack, returning the address it was written to. The caller
// owns flushing ctx to the thread via SetContext.
func (h *Handle) Push(ctx *ThreadContext, data []byte) (uint64, error) {
	sp := ctx.SP() - uint64(len(data))
	if _, err := h.Write(sp, data); err != nil {
		return 0, err
	}
	ctx.SetSP(sp)
	return sp, nil
}

// GetContext reads the CPU state of a suspended thread.
func (h *Handle) GetContext(tid int) (*ThreadContext, error) {
	ctx := &ThreadContext{}
	err := h.do(func() error {
		return unix.PtraceGetRegs(tid, &ctx.regs)
	})
	if err != nil {
		return nil, spiceerr.Wrap(spiceerr.MemoryAccess, err, "get context for tid %d", tid)
	}
	return ctx, nil
}

// SetContext writes the CPU state of a suspended thread.
func (h *Handle) SetContext(tid int, ctx *ThreadContext) error {
	err := h.do(func() error {
		return unix.PtraceSetRegs(tid, &ctx.regs)
	})
	if err != nil {
		return spiceerr.Wrap(spiceerr.MemoryAccess, err, "set context for tid %d", tid)
	}
	return nil
}

// Continue resumes a stopped thread, delivering signal (0 for none).
func (h *Handle) Continue(tid int, signal int) error {
	err := h.do(func() error {
		return unix.PtraceCont(tid, signal)
	})
	if err != nil {
		return spiceerr.Wrap(spiceerr.MemoryAccess, err, "continue tid %d", tid)
	}
	return nil
}

// SingleStep steps a stopped thread by exactly one instruction.
func (h *Handle) SingleStep(tid int) error {
	err := h.do(func() error {
		return unix.PtraceSingleStep(tid)
	})
	if err != nil {
		return spiceerr.Wrap(spiceerr.MemoryAccess, err, "single-step tid %d", tid)
	}
	return nil
}

// WaitStatus mirrors the fields of the debuggee's status change that the
// engine needs, decoded from unix.WaitStatus.
type WaitStatus struct {
	Exited     bool
	ExitCode   int
	Signaled   bool
	Signal     unix.Signal
	Stopped    bool
	StopSignal unix.Signal
	TrapCause  int
}

// Wait waits for any thread of the debuggee (pid == -1) or a specific one
// to change state.
func (h *Handle) Wait(pid int) (wpid int, ws WaitStatus, err error) {
	var status unix.WaitStatus
	doErr := h.do(func() error {
		var err1 error
		wpid, err1 = unix.Wait4(pid, &status, unix.WALL, nil)
		return err1
	})
	if doErr != nil {
		return 0, WaitStatus{}, spiceerr.Wrap(spiceerr.MemoryAccess, doErr, "wait")
	}
	ws = WaitStatus{
		Exited:   status.Exited(),
		ExitCode: status.ExitStatus(),
		Signaled: status.Signaled(),
		Signal:   status.Signal(),
		Stopped:  status.Stopped(),
	}
	if ws.Stopped {
		ws.StopSignal = status.StopSignal()
		ws.TrapCause = status.TrapCause()
	}
	return wpid, ws, nil
}

// SetOptions configures ptrace options, e.g. PTRACE_O_TRACECLONE so the
// engine observes new threads.
func (h *Handle) SetOptions(opts int) error {
	err := h.do(func() error {
		return unix.PtraceSetOptions(h.pid, opts)
	})
	if err != nil {
		return spiceerr.Wrap(spiceerr.MemoryAccess, err, "set ptrace options")
	}
	return nil
}

// Pid returns the debuggee's process ID.
func (h *Handle) Pid() int { return h.pid }

// Terminate forcibly kills the debuggee and releases this Handle's
// dedicated thread.
func (h *Handle) Terminate() error {
	if h.proc != nil {
		_ = h.proc.Kill()
	} else {
		_ = unix.Kill(h.pid, unix.SIGKILL)
	}
	return h.release()
}

// IntoRaw releases ownership of the dedicated ptrace thread without
// killing the debuggee, transferring responsibility for eventually
// detaching or killing it to the caller. After IntoRaw, this Handle must
// not be used again.
func (h *Handle) IntoRaw() int {
	_ = h.release()
	return h.pid
}

func (h *Handle) release() error {
	if h.released {
		return nil
	}
	h.released = true
	close(h.fc)
	return nil
}

// Canceller shares the raw process handle read-only and exposes only the
// ability to inject a breakpoint on a side thread of the debuggee. It is
// deliberately safe to call from any goroutine at any time, unlike Handle,
// whose ptrace calls must all originate from its dedicated thread.
type Canceller struct {
	pid int
}

// NewCanceller returns a Canceller for the debuggee owned by h.
func NewCanceller(h *Handle) *Canceller {
	return &Canceller{pid: h.pid}
}

// TriggerBreakpoint raises SIGTRAP in the debuggee's main thread from
// whatever goroutine calls it. The engine distinguishes this from a normal
// breakpoint because the reporting thread is not in its known-thread map.
func (c *Canceller) TriggerBreakpoint() error {
	if err := unix.Kill(c.pid, unix.SIGTRAP); err != nil {
		return spiceerr.Wrap(spiceerr.MemoryAccess, err, "trigger cancellation breakpoint")
	}
	return nil
}
