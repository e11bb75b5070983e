// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procctl

import "testing"

func TestPCAndSPAccessors(t *testing.T) {
	c := &ThreadContext{}
	c.SetPC(0x401000)
	c.SetSP(0x7ffe0000)
	if c.PC() != 0x401000 {
		t.Errorf("PC() = %#x, want 0x401000", c.PC())
	}
	if c.SP() != 0x7ffe0000 {
		t.Errorf("SP() = %#x, want 0x7ffe0000", c.SP())
	}
}

func TestTrapFlagToggle(t *testing.T) {
	c := &ThreadContext{}
	if c.TrapFlag() {
		t.Fatalf("a fresh context should not have the trap flag set")
	}
	c.SetTrapFlag(true)
	if !c.TrapFlag() {
		t.Fatalf("SetTrapFlag(true) did not set the trap flag")
	}
	c.SetTrapFlag(false)
	if c.TrapFlag() {
		t.Fatalf("SetTrapFlag(false) did not clear the trap flag")
	}
}

func TestGPArgRegisterOrder(t *testing.T) {
	c := &ThreadContext{}
	c.SetGPArg(0, 1)
	c.SetGPArg(1, 2)
	c.SetGPArg(2, 3)
	c.SetGPArg(3, 4)
	if c.regs.Rcx != 1 || c.regs.Rdx != 2 || c.regs.R8 != 3 || c.regs.R9 != 4 {
		t.Fatalf("GP arg registers = rcx=%d rdx=%d r8=%d r9=%d, want 1,2,3,4",
			c.regs.Rcx, c.regs.Rdx, c.regs.R8, c.regs.R9)
	}
}

func TestGPReturnReadsRax(t *testing.T) {
	c := &ThreadContext{}
	c.regs.Rax = 0xCAFE
	if got := c.GPReturn(); got != 0xCAFE {
		t.Errorf("GPReturn() = %#x, want 0xCAFE", got)
	}
}

func TestFPArgAndReturnRoundTrip(t *testing.T) {
	c := &ThreadContext{}
	if got := c.FPReturn(); got != 0 {
		t.Fatalf("FPReturn() on a fresh context = %#x, want 0", got)
	}
	c.SetFPArg(0, 0x3FF0000000000000) // 1.0 as float64 bits
	if got := c.FPReturn(); got != 0x3FF0000000000000 {
		t.Errorf("FPReturn() after SetFPArg(0, ...) = %#x, want 0x3FF0000000000000", got)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	c := &ThreadContext{}
	c.SetPC(0x1000)
	c.SetFPArg(0, 0x1111)

	clone := c.Clone()
	clone.SetPC(0x2000)
	clone.SetFPArg(0, 0x2222)

	if c.PC() != 0x1000 {
		t.Errorf("mutating the clone's PC changed the original: %#x", c.PC())
	}
	if c.FPReturn() != 0x1111 {
		t.Errorf("mutating the clone's FP regs changed the original: %#x", c.FPReturn())
	}
	if clone.PC() != 0x2000 || clone.FPReturn() != 0x2222 {
		t.Errorf("clone did not retain its own mutations: pc=%#x fp=%#x", clone.PC(), clone.FPReturn())
	}
}
