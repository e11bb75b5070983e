// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package callbuilder composes and applies the ABI-correct context for a
// synthetic function call in the debuggee, injects its arguments (including
// indirect values reachable through pointers), transfers control, and later
// recovers the return value without disturbing the caller's original
// registers.
package callbuilder

import (
	"github.com/team-worm/spice-sub000/internal/abi"
	"github.com/team-worm/spice-sub000/internal/procctl"
	"github.com/team-worm/spice-sub000/internal/spiceerr"
	"github.com/team-worm/spice-sub000/internal/symbols"
	"github.com/team-worm/spice-sub000/internal/typedvalue"
)

// wordSize is the largest integer register width for the Microsoft x64
// convention this package targets; a return type larger than this is
// returned via a hidden pointer per step 6 of the design.
const wordSize = 8

// Call is the handle CallBuilder.Setup returns: enough state to detect
// completion (via the breakpoint at the saved return address) and to tear
// down the call once the debuggee has returned.
type Call struct {
	ReturnType     symbols.Type
	RestoreContext *procctl.ThreadContext
	CompletionBP   procctl.Breakpoint
	returnAreaAddr uint64
	hasReturnArea  bool
}

// Builder sets up and tears down synthetic calls against one debuggee.
type Builder struct {
	Oracle     symbols.Oracle
	Handle     *procctl.Handle
	Convention abi.CallingConvention
}

// New returns a Builder for the Microsoft x64 convention against handle,
// resolving types through oracle.
func New(oracle symbols.Oracle, handle *procctl.Handle) *Builder {
	return &Builder{Oracle: oracle, Handle: handle, Convention: abi.MicrosoftX64}
}

type builtArg struct {
	offset uint64
	typ    symbols.Type
	buf    []byte
	fixups []typedvalue.WriteFixup
}

type placedValue struct {
	addr   uint64
	fixups []typedvalue.WriteFixup
}

// Setup builds a call to targetSym with the given arguments, keyed by
// parameter offset as reported by EnumerateLocals, and transfers control to
// it. tid must currently be stopped at a safe point (the debuggee's
// original entry breakpoint). args must also supply an entry for every
// placeholder offset referenced by a pointer field, keyed by that
// placeholder's offset; offset 0 is reserved as the null-pointer sentinel
// and needs no entry.
func (b *Builder) Setup(tid int, module symbols.ModuleBase, targetSym symbols.Symbol, args map[uint64]typedvalue.StructuredValue) (*Call, error) {
	ft, err := b.functionType(module, targetSym)
	if err != nil {
		return nil, err
	}

	params, err := b.parameters(targetSym)
	if err != nil {
		return nil, err
	}

	writer := typedvalue.Writer{Oracle: b.Oracle, Module: module}
	built := make([]builtArg, 0, len(params))
	for _, p := range params {
		v, ok := args[p.Address]
		if !ok {
			return nil, spiceerr.New(spiceerr.Invalid, "no argument supplied for parameter %q (offset %d)", p.Name, p.Address)
		}
		pt, err := b.Oracle.TypeFromIndex(module, p.TypeIndex)
		if err != nil {
			return nil, spiceerr.Wrap(spiceerr.Symbol, err, "resolving type of parameter %q", p.Name)
		}
		buf, fixups, err := writer.Write(pt, v)
		if err != nil {
			return nil, err
		}
		built = append(built, builtArg{offset: p.Address, typ: pt, buf: buf, fixups: fixups})
	}

	ctx, err := b.Handle.GetContext(tid)
	if err != nil {
		return nil, err
	}
	restoreCtx := ctx.Clone()

	placed := map[uint64]uint64{0: 0}
	var placedEntries []placedValue
	var queue []typedvalue.WriteFixup
	for _, ba := range built {
		queue = append(queue, ba.fixups...)
	}
	for len(queue) > 0 {
		fx := queue[0]
		queue = queue[1:]
		if _, ok := placed[fx.PlaceholderOffset]; ok {
			continue
		}
		v, ok := args[fx.PlaceholderOffset]
		if !ok {
			return nil, spiceerr.New(spiceerr.Invalid, "no value supplied for pointer placeholder offset %d", fx.PlaceholderOffset)
		}
		pointeeType, err := b.Oracle.TypeFromIndex(module, fx.PointeeType)
		if err != nil {
			return nil, spiceerr.Wrap(spiceerr.Symbol, err, "resolving pointee type")
		}
		pbuf, pfixups, err := writer.Write(pointeeType, v)
		if err != nil {
			return nil, err
		}
		addr, err := b.Handle.Push(ctx, pbuf)
		if err != nil {
			return nil, err
		}
		placed[fx.PlaceholderOffset] = addr
		placedEntries = append(placedEntries, placedValue{addr: addr, fixups: pfixups})
		queue = append(queue, pfixups...)
	}

	// Step 5: patch every pointer field with the concrete address of its
	// resolved target.
	for _, ba := range built {
		for _, fx := range ba.fixups {
			typedvalue.EncodeUint(ba.buf[fx.BufferOffset:], placed[fx.PlaceholderOffset], wordSize)
		}
	}
	for _, pe := range placedEntries {
		for _, fx := range pe.fixups {
			patch := make([]byte, wordSize)
			typedvalue.EncodeUint(patch, placed[fx.PlaceholderOffset], wordSize)
			if _, err := b.Handle.Write(pe.addr+fx.BufferOffset, patch); err != nil {
				return nil, err
			}
		}
	}

	call := &Call{RestoreContext: restoreCtx}
	returnType, err := b.Oracle.TypeFromIndex(module, ft.Return)
	if err != nil {
		return nil, spiceerr.Wrap(spiceerr.Symbol, err, "resolving return type")
	}
	call.ReturnType = returnType

	slot := 0
	if returnType.Size() > wordSize {
		areaAddr, err := b.Handle.Push(ctx, make([]byte, returnType.Size()))
		if err != nil {
			return nil, err
		}
		call.returnAreaAddr = areaAddr
		call.hasReturnArea = true
		b.Convention.SetIntArg(ctx, slot, areaAddr)
		slot++
	}

	// Step 6: assign direct arguments. Arguments beyond the register slots
	// are pushed right-to-left so they land left-to-right above the
	// shadow area.
	numRegSlots := b.Convention.NumRegisterSlots()
	var overflow []builtArg
	for _, ba := range built {
		if slot >= numRegSlots {
			overflow = append(overflow, ba)
			continue
		}
		if err := b.assignSlot(ctx, slot, ba); err != nil {
			return nil, err
		}
		slot++
	}
	for i := len(overflow) - 1; i >= 0; i-- {
		if _, err := b.Handle.Push(ctx, overflow[i].buf); err != nil {
			return nil, err
		}
	}

	// Step 7: reserve the shadow area.
	ctx.SetSP(ctx.SP() - b.Convention.ShadowAreaSize())

	// Step 8: push the return address and transfer control.
	savedPC := ctx.PC()
	retBuf := make([]byte, wordSize)
	typedvalue.EncodeUint(retBuf, savedPC, wordSize)
	if _, err := b.Handle.Push(ctx, retBuf); err != nil {
		return nil, err
	}
	ctx.SetPC(targetSym.Address)

	// Step 9: install the completion breakpoint at the saved return
	// address before flushing the context, so it is always armed by the
	// time the debuggee could possibly reach it.
	bp, err := b.Handle.InstallBreakpoint(savedPC)
	if err != nil {
		return nil, err
	}
	call.CompletionBP = bp

	if err := b.Handle.SetContext(tid, ctx); err != nil {
		return nil, err
	}

	return call, nil
}

// assignSlot places the value in built into ABI register slot.
func (b *Builder) assignSlot(ctx *procctl.ThreadContext, slot int, ba builtArg) error {
	switch {
	case ba.typ.Base != nil && ba.typ.Base.Kind == symbols.KindFloat:
		b.Convention.SetFloatArg(ctx, slot, typedvalue.DecodeUint(ba.buf))
	case ba.typ.Struct != nil && ba.typ.Struct.Size > wordSize:
		addr, err := b.Handle.Push(ctx, ba.buf)
		if err != nil {
			return err
		}
		b.Convention.SetIntArg(ctx, slot, addr)
	default:
		b.Convention.SetIntArg(ctx, slot, typedvalue.DecodeUint(ba.buf))
	}
	return nil
}

func (b *Builder) functionType(module symbols.ModuleBase, sym symbols.Symbol) (symbols.FunctionType, error) {
	t, err := b.Oracle.TypeFromIndex(module, sym.TypeIndex)
	if err != nil {
		return symbols.FunctionType{}, spiceerr.Wrap(spiceerr.Symbol, err, "resolving type of %q", sym.Name)
	}
	if t.Function == nil {
		return symbols.FunctionType{}, spiceerr.New(spiceerr.Invalid, "%q is not a function", sym.Name)
	}
	if t.Function.Convention != symbols.StandardC {
		return symbols.FunctionType{}, spiceerr.New(spiceerr.Invalid, "unsupported calling convention %q", t.Function.Convention)
	}
	return *t.Function, nil
}

func (b *Builder) parameters(sym symbols.Symbol) ([]symbols.Symbol, error) {
	var params []symbols.Symbol
	err := b.Oracle.EnumerateLocals(sym.Address, func(s symbols.Symbol, size uint64) bool {
		if size == 0 {
			return true // unsized; skip per contract
		}
		if s.Flags&symbols.FlagParameter != 0 {
			params = append(params, s)
		}
		return true
	})
	if err != nil {
		return nil, spiceerr.Wrap(spiceerr.Symbol, err, "enumerating parameters of %q", sym.Name)
	}
	return params, nil
}

// Teardown reads the return value out of postReturnCtx (the thread's
// context immediately after the completion breakpoint fired), and returns
// it alongside the caller's original context so the engine can reinstate
// it.
func (b *Builder) Teardown(module symbols.ModuleBase, call *Call, postReturnCtx *procctl.ThreadContext) (typedvalue.StructuredValue, *procctl.ThreadContext, error) {
	reader := typedvalue.Reader{Oracle: b.Oracle, Module: module}

	if call.ReturnType.Size() == 0 {
		return typedvalue.Null(), call.RestoreContext, nil
	}

	if call.hasReturnArea {
		buf, err := b.Handle.Read(call.returnAreaAddr, int(call.ReturnType.Size()))
		if err != nil {
			return typedvalue.StructuredValue{}, nil, err
		}
		v, err := reader.Read(call.ReturnType, buf, nil)
		return v, call.RestoreContext, err
	}

	buf := make([]byte, wordSize)
	if call.ReturnType.Base != nil && call.ReturnType.Base.Kind == symbols.KindFloat {
		typedvalue.EncodeUint(buf, b.Convention.FloatReturn(postReturnCtx), wordSize)
	} else {
		typedvalue.EncodeUint(buf, b.Convention.IntReturn(postReturnCtx), wordSize)
	}
	v, err := reader.Read(call.ReturnType, buf[:call.ReturnType.Size()], nil)
	return v, call.RestoreContext, err
}
