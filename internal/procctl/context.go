// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procctl

import (
	"golang.org/x/sys/unix"
)

// ThreadContext is the CPU state of a suspended thread. It must always be
// read from, and written to, a thread that is stopped; reading a running
// thread is forbidden by the OS debug API and this type does not guard
// against it.
type ThreadContext struct {
	regs unix.PtraceRegs
	ext  *ExtendedRegs
}

// PC returns the instruction pointer.
func (c *ThreadContext) PC() uint64 { return c.regs.Rip }

// SetPC sets the instruction pointer.
func (c *ThreadContext) SetPC(pc uint64) { c.regs.Rip = pc }

// SP returns the stack pointer.
func (c *ThreadContext) SP() uint64 { return c.regs.Rsp }

// SetSP sets the stack pointer.
func (c *ThreadContext) SetSP(sp uint64) { c.regs.Rsp = sp }

// TrapFlag reports whether the single-step (trap) flag is set in EFLAGS.
func (c *ThreadContext) TrapFlag() bool { return c.regs.Eflags&trapFlagBit != 0 }

// SetTrapFlag sets or clears the single-step flag in EFLAGS.
func (c *ThreadContext) SetTrapFlag(on bool) {
	if on {
		c.regs.Eflags |= trapFlagBit
	} else {
		c.regs.Eflags &^= trapFlagBit
	}
}

const trapFlagBit = 1 << 8 // EFLAGS.TF

// gpArgRegs is the Microsoft x64 integer/pointer argument register order.
var gpArgRegs = [4]func(*unix.PtraceRegs) *uint64{
	func(r *unix.PtraceRegs) *uint64 { return &r.Rcx },
	func(r *unix.PtraceRegs) *uint64 { return &r.Rdx },
	func(r *unix.PtraceRegs) *uint64 { return &r.R8 },
	func(r *unix.PtraceRegs) *uint64 { return &r.R9 },
}

// SetGPArg writes the i'th (0-based) integer-or-pointer argument register.
// Implements abi.ThreadContext.
func (c *ThreadContext) SetGPArg(i int, v uint64) {
	*gpArgRegs[i](&c.regs) = v
}

// GPReturn reads the integer return register (RAX). Implements
// abi.ThreadContext.
func (c *ThreadContext) GPReturn() uint64 { return c.regs.Rax }

// SetFPArg and FPReturn require access to the thread's XMM registers, which
// are not part of unix.PtraceRegs (they live in the FPREGS/XSAVE area
// fetched via PTRACE_GETFPREGS). ExtendedRegs carries that area; SetFPArg
// and FPReturn operate on it instead of regs directly so that the basic
// ThreadContext can be copied and restored cheaply without always paying
// for an FPREGS round trip.
type ExtendedRegs struct {
	xmm [16][16]byte // XMM0-XMM15, 128 bits each
}

// SetFPArg writes the low 64 bits of XMM register i (0-based).
func (c *ThreadContext) SetFPArg(i int, bits uint64) {
	if c.ext == nil {
		c.ext = &ExtendedRegs{}
	}
	putUint64(c.ext.xmm[i][:8], bits)
}

// FPReturn reads the low 64 bits of XMM0.
func (c *ThreadContext) FPReturn() uint64 {
	if c.ext == nil {
		return 0
	}
	return getUint64(c.ext.xmm[0][:8])
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v
}

// Clone returns a deep copy of c, suitable for use as CallBuilder's restore
// context: mutating the returned context never affects c.
func (c *ThreadContext) Clone() *ThreadContext {
	cp := *c
	if c.ext != nil {
		ext := *c.ext
		cp.ext = &ext
	}
	return &cp
}
