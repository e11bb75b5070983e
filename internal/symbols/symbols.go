// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package symbols defines the SymbolOracle contract: the external
// collaborator that resolves addresses, symbols, source lines, types, and
// local variables for a given module and instruction pointer. The core
// packages (traceengine, callbuilder, typedvalue) depend only on this
// interface; a concrete oracle is provided for tests and the CLI by the
// sibling dwarforacle package, but is not part of the core's contract.
package symbols

import "github.com/team-worm/spice-sub000/internal/spiceerr"

// ModuleBase identifies a loaded image by its load address. A TypeIndex is
// only meaningful relative to the ModuleBase that produced it.
type ModuleBase uint64

// TypeIndex is an opaque integer scoped to a ModuleBase, resolved via
// Oracle.TypeFromIndex.
type TypeIndex uint64

// SymbolFlags describes attributes of a Symbol relevant to the debugger,
// in particular whether it is a function parameter (see EnumerateLocals).
type SymbolFlags int

const (
	FlagNone SymbolFlags = 0
	// FlagParameter marks a symbol enumerated by EnumerateLocals as a
	// function argument rather than a local variable.
	FlagParameter SymbolFlags = 1 << iota
)

// Symbol describes a named program location.
type Symbol struct {
	Name      string
	Address   uint64
	Size      uint64
	TypeIndex TypeIndex
	Module    ModuleBase
	Flags     SymbolFlags
}

// Line associates an address with a source location.
type Line struct {
	File    string
	Line    int
	Address uint64
}

// BaseKind enumerates the primitive kinds a BaseType can take.
type BaseKind int

const (
	KindVoid BaseKind = iota
	KindBool
	KindSignedInt
	KindUnsignedInt
	KindFloat
)

// Type is the sum of representable debug-info types: Base, Pointer, Array,
// Function, and Struct. Exactly one of the embedded pointers is non-nil.
type Type struct {
	Base     *BaseType
	Pointer  *PointerType
	Array    *ArrayType
	Function *FunctionType
	Struct   *StructType
}

// Size returns the declared size in bytes of the type, or 0 for Void and
// Function types, which carry no storage of their own.
func (t Type) Size() uint64 {
	switch {
	case t.Base != nil:
		return t.Base.Size
	case t.Pointer != nil:
		return t.Pointer.Size
	case t.Array != nil:
		return t.Array.Count * t.Array.ElementSize
	case t.Struct != nil:
		return t.Struct.Size
	default:
		return 0
	}
}

// BaseType is a primitive scalar type.
type BaseType struct {
	Kind BaseKind
	Size uint64 // 1, 2, 4, or 8; ignored for Void
}

// PointerType points to the type identified by Elem within the same
// module.
type PointerType struct {
	Elem TypeIndex
	Size uint64 // pointer width in bytes, matching the target ABI
}

// ArrayType is a fixed-length homogeneous sequence.
type ArrayType struct {
	Elem        TypeIndex
	ElementSize uint64
	Count       uint64
}

// CallingConvention names a function's ABI. Only StandardC is understood
// by CallBuilder; any other value causes call injection to fail with
// Invalid.
type CallingConvention string

const StandardC CallingConvention = "standard-c"

// FunctionType describes a callable's signature.
type FunctionType struct {
	Convention CallingConvention
	Return     TypeIndex
	Args       []TypeIndex
}

// StructType is a named aggregate of Fields.
type StructType struct {
	Name   string
	Size   uint64
	Fields []Field
}

// Field is one member of a StructType.
type Field struct {
	Name   string
	Type   TypeIndex
	Offset uint64
}

// StackFrame is one entry of a stack walk: the thread context at that
// frame plus a human-readable description of the frame's function.
type StackFrame struct {
	PC, SP   uint64
	Function string
	File     string
	Line     int
}

// LinesIterator lazily yields source lines in address order, bounded by
// the enclosing symbol's [address, address+size) range.
type LinesIterator interface {
	// Next returns the next Line, or ok == false when exhausted.
	Next() (line Line, ok bool)
}

// FramesIterator lazily yields stack frames starting from the innermost.
type FramesIterator interface {
	Next() (frame StackFrame, ok bool)
}

// Oracle is the SymbolOracle external contract of spice: everything the
// core needs to know about the debuggee's symbols, line tables, types, and
// stack shape. It is queried by the core but not implemented by it — a
// real deployment backs it with a trusted, process-wide symbol service.
type Oracle interface {
	// Initialize binds the oracle to a freshly loaded process image. It is
	// idempotent per process and fails with spiceerr.AlreadyExists if
	// another process is already bound, since the underlying provider is a
	// process-wide singleton.
	Initialize(module ModuleBase, imagePath string) error

	// LoadModule and UnloadModule track additional images as they are
	// mapped and unmapped.
	LoadModule(module ModuleBase, imagePath string) error
	UnloadModule(module ModuleBase) error

	// SymbolFromAddress resolves addr to the symbol containing it, plus
	// the byte displacement from the symbol's start.
	SymbolFromAddress(addr uint64) (sym Symbol, displacement uint64, err error)

	// SymbolFromName resolves a symbol by exact name.
	SymbolFromName(name string) (Symbol, error)

	// LineFromAddress resolves addr to its source line, plus the byte
	// displacement from the line's start address.
	LineFromAddress(addr uint64) (line Line, displacement uint64, err error)

	// LinesFromSymbol returns every source line belonging to sym, ordered
	// by address and bounded by [sym.Address, sym.Address+sym.Size).
	LinesFromSymbol(sym Symbol) (LinesIterator, error)

	// WalkStack returns a lazy stack walk for threadID starting at the
	// innermost frame.
	WalkStack(threadID int) (FramesIterator, error)

	// EnumerateLocals invokes f once per live symbol visible at
	// instructionAddr. A symbol with FlagParameter is an argument,
	// otherwise a local. Callers must skip any symbol whose reported size
	// is 0 (unsized). Enumeration stops early if f returns false.
	EnumerateLocals(instructionAddr uint64, f func(sym Symbol, size uint64) bool) error

	// TypeFromIndex resolves a TypeIndex scoped to module.
	TypeFromIndex(module ModuleBase, idx TypeIndex) (Type, error)

	// ModuleFromAddress returns the module containing addr.
	ModuleFromAddress(addr uint64) (ModuleBase, error)
}

// ErrNoOracle is returned by operations that require a bound oracle before
// one has been initialized.
var ErrNoOracle = spiceerr.New(spiceerr.NotConnected, "no symbol oracle bound")
