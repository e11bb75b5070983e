// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package abi

import "testing"

type fakeThreadContext struct {
	gp       [NumArgRegisters]uint64
	fp       [NumArgRegisters]uint64
	gpReturn uint64
	fpReturn uint64
}

func (c *fakeThreadContext) SetGPArg(i int, v uint64)  { c.gp[i] = v }
func (c *fakeThreadContext) SetFPArg(i int, bits uint64) { c.fp[i] = bits }
func (c *fakeThreadContext) GPReturn() uint64             { return c.gpReturn }
func (c *fakeThreadContext) FPReturn() uint64             { return c.fpReturn }

func TestMicrosoftX64Shape(t *testing.T) {
	if MicrosoftX64.Name() != "microsoft-x64" {
		t.Errorf("Name() = %q, want microsoft-x64", MicrosoftX64.Name())
	}
	if MicrosoftX64.ShadowAreaSize() != 32 {
		t.Errorf("ShadowAreaSize() = %d, want 32", MicrosoftX64.ShadowAreaSize())
	}
	if MicrosoftX64.NumRegisterSlots() != 4 {
		t.Errorf("NumRegisterSlots() = %d, want 4", MicrosoftX64.NumRegisterSlots())
	}
}

func TestMicrosoftX64ArgAndReturnPlumbing(t *testing.T) {
	ctx := &fakeThreadContext{gpReturn: 0x42, fpReturn: 0x43}

	MicrosoftX64.SetIntArg(ctx, 0, 7)
	MicrosoftX64.SetFloatArg(ctx, 1, 0xABCD)

	if ctx.gp[0] != 7 {
		t.Errorf("SetIntArg(0, 7) set gp[0] = %#x, want 7", ctx.gp[0])
	}
	if ctx.fp[1] != 0xABCD {
		t.Errorf("SetFloatArg(1, 0xABCD) set fp[1] = %#x, want 0xABCD", ctx.fp[1])
	}
	if got := MicrosoftX64.IntReturn(ctx); got != 0x42 {
		t.Errorf("IntReturn() = %#x, want 0x42", got)
	}
	if got := MicrosoftX64.FloatReturn(ctx); got != 0x43 {
		t.Errorf("FloatReturn() = %#x, want 0x43", got)
	}
}
