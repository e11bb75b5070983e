// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dwarforacle is a concrete symbols.Oracle backed by the standard
// library's debug/elf and debug/dwarf readers. It is one reference
// implementation of the SymbolOracle external contract, suitable for the
// CLI and for tests; a production deployment may instead front a trusted,
// process-wide symbol service that speaks the same contract.
package dwarforacle

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"sort"
	"sync"

	"github.com/team-worm/spice-sub000/internal/procctl"
	"github.com/team-worm/spice-sub000/internal/spiceerr"
	"github.com/team-worm/spice-sub000/internal/symbols"
)

type module struct {
	base      symbols.ModuleBase
	imagePath string
	elfFile   *elf.File
	dwarfData *dwarf.Data

	funcsByAddr []symbols.Symbol // sorted by Address
	funcsByName map[string]symbols.Symbol

	typeCache map[symbols.TypeIndex]dwarf.Type
}

// Oracle resolves symbols, lines, and types out of an ELF+DWARF binary. It
// also reads the live debuggee's memory through a procctl.Handle to
// support stack walking.
type Oracle struct {
	mu      sync.Mutex
	handle  *procctl.Handle
	modules map[symbols.ModuleBase]*module
	bound   bool
}

// New returns an Oracle that reads debuggee memory through handle.
func New(handle *procctl.Handle) *Oracle {
	return &Oracle{handle: handle, modules: make(map[symbols.ModuleBase]*module)}
}

// Initialize implements symbols.Oracle.
func (o *Oracle) Initialize(base symbols.ModuleBase, imagePath string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.bound {
		if m, ok := o.modules[base]; ok && m.imagePath == imagePath {
			return nil
		}
		return spiceerr.New(spiceerr.AlreadyExists, "oracle already initialized for a process")
	}
	m, err := loadModule(base, imagePath)
	if err != nil {
		return err
	}
	o.modules[base] = m
	o.bound = true
	return nil
}

// LoadModule implements symbols.Oracle.
func (o *Oracle) LoadModule(base symbols.ModuleBase, imagePath string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, err := loadModule(base, imagePath)
	if err != nil {
		return err
	}
	o.modules[base] = m
	return nil
}

// UnloadModule implements symbols.Oracle.
func (o *Oracle) UnloadModule(base symbols.ModuleBase) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.modules, base)
	return nil
}

func loadModule(base symbols.ModuleBase, imagePath string) (*module, error) {
	ef, err := elf.Open(imagePath)
	if err != nil {
		return nil, spiceerr.Wrap(spiceerr.Invalid, err, "open %s as ELF", imagePath)
	}
	dd, err := ef.DWARF()
	if err != nil {
		return nil, spiceerr.Wrap(spiceerr.Symbol, err, "read DWARF from %s", imagePath)
	}

	m := &module{
		base:        base,
		imagePath:   imagePath,
		elfFile:     ef,
		dwarfData:   dd,
		funcsByName: make(map[string]symbols.Symbol),
		typeCache:   make(map[symbols.TypeIndex]dwarf.Type),
	}

	r := dd.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			return nil, spiceerr.Wrap(spiceerr.Symbol, err, "walk DWARF entries")
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}
		name, _ := entry.Val(dwarf.AttrName).(string)
		low, lowOK := entry.Val(dwarf.AttrLowpc).(uint64)
		var high uint64
		if hv := entry.Val(dwarf.AttrHighpc); hv != nil {
			switch x := hv.(type) {
			case uint64:
				high = x
			case int64:
				high = low + uint64(x)
			}
		}
		if name == "" || !lowOK {
			continue
		}
		size := uint64(0)
		if high > low {
			size = high - low
		}
		sym := symbols.Symbol{
			Name:      name,
			Address:   uint64(base) + low,
			Size:      size,
			TypeIndex: symbols.TypeIndex(entry.Offset),
			Module:    base,
		}
		m.funcsByAddr = append(m.funcsByAddr, sym)
		m.funcsByName[name] = sym
	}
	sort.Slice(m.funcsByAddr, func(i, j int) bool { return m.funcsByAddr[i].Address < m.funcsByAddr[j].Address })

	return m, nil
}

func (o *Oracle) moduleFor(addr uint64) (*module, error) {
	for _, m := range o.modules {
		for _, f := range m.funcsByAddr {
			if addr >= f.Address && addr < f.Address+f.Size {
				return m, nil
			}
		}
	}
	// Fall back to the sole loaded module, if there is exactly one; a
	// single-image debuggee is the common case and symbols outside any
	// known function (e.g. a PLT stub) still belong to it.
	if len(o.modules) == 1 {
		for _, m := range o.modules {
			return m, nil
		}
	}
	return nil, spiceerr.New(spiceerr.NotFound, "no module contains address %#x", addr)
}

// SymbolFromAddress implements symbols.Oracle.
func (o *Oracle) SymbolFromAddress(addr uint64) (symbols.Symbol, uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, err := o.moduleFor(addr)
	if err != nil {
		return symbols.Symbol{}, 0, err
	}
	i := sort.Search(len(m.funcsByAddr), func(i int) bool { return m.funcsByAddr[i].Address > addr }) - 1
	if i < 0 {
		return symbols.Symbol{}, 0, spiceerr.New(spiceerr.NotFound, "no symbol contains %#x", addr)
	}
	sym := m.funcsByAddr[i]
	return sym, addr - sym.Address, nil
}

// SymbolFromName implements symbols.Oracle.
func (o *Oracle) SymbolFromName(name string) (symbols.Symbol, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, m := range o.modules {
		if sym, ok := m.funcsByName[name]; ok {
			return sym, nil
		}
	}
	return symbols.Symbol{}, spiceerr.New(spiceerr.NotFound, "no symbol named %q", name)
}

// LineFromAddress implements symbols.Oracle.
func (o *Oracle) LineFromAddress(addr uint64) (symbols.Line, uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, err := o.moduleFor(addr)
	if err != nil {
		return symbols.Line{}, 0, err
	}
	return lineFromAddress(m, addr)
}

func lineFromAddress(m *module, addr uint64) (symbols.Line, uint64, error) {
	pc := addr - uint64(m.base)
	r := m.dwarfData.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			return symbols.Line{}, 0, spiceerr.Wrap(spiceerr.Symbol, err, "walk DWARF entries")
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			continue
		}
		lr, err := m.dwarfData.LineReader(entry)
		if err != nil || lr == nil {
			r.SkipChildren()
			continue
		}
		var le dwarf.LineEntry
		var best dwarf.LineEntry
		found := false
		for {
			if err := lr.Next(&le); err != nil {
				break
			}
			if le.Address <= pc && (!found || le.Address > best.Address) {
				best = le
				found = true
			}
		}
		if found {
			return symbols.Line{File: best.File.Name, Line: best.Line, Address: uint64(m.base) + best.Address}, pc - best.Address, nil
		}
		r.SkipChildren()
	}
	return symbols.Line{}, 0, spiceerr.New(spiceerr.NotFound, "no line table entry for %#x", addr)
}

type linesIterator struct {
	lines []symbols.Line
	i     int
}

func (it *linesIterator) Next() (symbols.Line, bool) {
	if it.i >= len(it.lines) {
		return symbols.Line{}, false
	}
	l := it.lines[it.i]
	it.i++
	return l, true
}

// LinesFromSymbol implements symbols.Oracle.
func (o *Oracle) LinesFromSymbol(sym symbols.Symbol) (symbols.LinesIterator, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, err := o.moduleFor(sym.Address)
	if err != nil {
		return nil, err
	}

	low := sym.Address - uint64(m.base)
	high := low + sym.Size

	r := m.dwarfData.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			return nil, spiceerr.Wrap(spiceerr.Symbol, err, "walk DWARF entries")
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			continue
		}
		lr, err := m.dwarfData.LineReader(entry)
		if err != nil || lr == nil {
			r.SkipChildren()
			continue
		}
		var lines []symbols.Line
		var le dwarf.LineEntry
		for {
			if err := lr.Next(&le); err != nil {
				break
			}
			if le.Address >= low && le.Address < high {
				lines = append(lines, symbols.Line{File: le.File.Name, Line: le.Line, Address: uint64(m.base) + le.Address})
			}
		}
		if len(lines) > 0 {
			sort.Slice(lines, func(i, j int) bool { return lines[i].Address < lines[j].Address })
			return &linesIterator{lines: lines}, nil
		}
		r.SkipChildren()
	}
	return &linesIterator{}, nil
}

type framesIterator struct {
	frames []symbols.StackFrame
	i      int
}

func (it *framesIterator) Next() (symbols.StackFrame, bool) {
	if it.i >= len(it.frames) {
		return symbols.StackFrame{}, false
	}
	f := it.frames[it.i]
	it.i++
	return f, true
}

// WalkStack implements symbols.Oracle. It assumes a conventional
// frame-pointer chain (push rbp; mov rbp, rsp prologue), which holds for
// unoptimized builds of the kind this debugger targets.
func (o *Oracle) WalkStack(threadID int) (symbols.FramesIterator, error) {
	ctx, err := o.handle.GetContext(threadID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	const maxFrames = 64
	var frames []symbols.StackFrame
	pc, fp := ctx.PC(), ctx.SP()

	for i := 0; i < maxFrames; i++ {
		m, err := o.moduleFor(pc)
		if err != nil {
			break
		}
		line, _, lerr := lineFromAddress(m, pc)
		sym, _, serr := o.symbolFromAddressLocked(m, pc)
		frame := symbols.StackFrame{PC: pc, SP: fp}
		if lerr == nil {
			frame.File, frame.Line = line.File, line.Line
		}
		if serr == nil {
			frame.Function = sym.Name
		}
		frames = append(frames, frame)

		savedFP, err := o.handle.Read(fp, 8)
		if err != nil {
			break
		}
		savedRet, err := o.handle.Read(fp+8, 8)
		if err != nil {
			break
		}
		nextFP := leUint64(savedFP)
		nextPC := leUint64(savedRet)
		if nextPC == 0 || nextFP <= fp {
			break
		}
		pc, fp = nextPC, nextFP
	}
	return &framesIterator{frames: frames}, nil
}

func (o *Oracle) symbolFromAddressLocked(m *module, addr uint64) (symbols.Symbol, uint64, error) {
	i := sort.Search(len(m.funcsByAddr), func(i int) bool { return m.funcsByAddr[i].Address > addr }) - 1
	if i < 0 {
		return symbols.Symbol{}, 0, spiceerr.New(spiceerr.NotFound, "no symbol contains %#x", addr)
	}
	sym := m.funcsByAddr[i]
	return sym, addr - sym.Address, nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v
}

// EnumerateLocals implements symbols.Oracle.
func (o *Oracle) EnumerateLocals(instructionAddr uint64, f func(symbols.Symbol, uint64) bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, err := o.moduleFor(instructionAddr)
	if err != nil {
		return err
	}
	pc := instructionAddr - uint64(m.base)

	r := m.dwarfData.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			return spiceerr.Wrap(spiceerr.Symbol, err, "walk DWARF entries")
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}
		low, lowOK := entry.Val(dwarf.AttrLowpc).(uint64)
		high := highpc(entry, low)
		if !lowOK || pc < low || pc >= high {
			r.SkipChildren()
			continue
		}
		for {
			child, err := r.Next()
			if err != nil {
				return spiceerr.Wrap(spiceerr.Symbol, err, "walk DWARF entries")
			}
			if child == nil || child.Tag == 0 {
				break
			}
			if child.Tag != dwarf.TagFormalParameter && child.Tag != dwarf.TagVariable {
				continue
			}
			name, _ := child.Val(dwarf.AttrName).(string)
			typOff, _ := child.Val(dwarf.AttrType).(dwarf.Offset)
			dt, terr := m.dwarfData.Type(typOff)
			size := uint64(0)
			if terr == nil && dt != nil {
				size = uint64(dt.Common().ByteSize)
			}
			frameOffset, ok := frameOffset(child)
			if !ok {
				continue
			}
			flags := symbols.SymbolFlags(0)
			if child.Tag == dwarf.TagFormalParameter {
				flags = symbols.FlagParameter
			}
			sym := symbols.Symbol{
				Name:      name,
				Address:   frameOffset,
				Size:      size,
				TypeIndex: symbols.TypeIndex(typOff),
				Module:    m.base,
				Flags:     flags,
			}
			if !f(sym, size) {
				return nil
			}
		}
		break
	}
	return nil
}

func highpc(entry *dwarf.Entry, low uint64) uint64 {
	hv := entry.Val(dwarf.AttrHighpc)
	switch x := hv.(type) {
	case uint64:
		return x
	case int64:
		return low + uint64(x)
	default:
		return low
	}
}

// frameOffset extracts a simple DW_OP_fbreg-style frame-relative offset
// from a location expression, which is how gcc/clang emit parameter and
// local locations for unoptimized frame-pointer-based code.
func frameOffset(entry *dwarf.Entry) (uint64, bool) {
	loc, ok := entry.Val(dwarf.AttrLocation).([]byte)
	if !ok || len(loc) == 0 {
		return 0, false
	}
	const opFbreg = 0x91
	if loc[0] != opFbreg {
		return 0, false
	}
	v, _ := sleb128(loc[1:])
	return uint64(v), true
}

func sleb128(b []byte) (int64, int) {
	var result int64
	var shift uint
	var i int
	for i = 0; i < len(b); i++ {
		byt := b[i]
		result |= int64(byt&0x7f) << shift
		shift += 7
		if byt&0x80 == 0 {
			if shift < 64 && byt&0x40 != 0 {
				result |= -1 << shift
			}
			i++
			break
		}
	}
	return result, i
}

// TypeFromIndex implements symbols.Oracle.
func (o *Oracle) TypeFromIndex(base symbols.ModuleBase, idx symbols.TypeIndex) (symbols.Type, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.modules[base]
	if !ok {
		return symbols.Type{}, spiceerr.New(spiceerr.NotFound, "no such module %#x", base)
	}
	dt, err := m.dwarfData.Type(dwarf.Offset(idx))
	if err != nil {
		return symbols.Type{}, spiceerr.Wrap(spiceerr.Symbol, err, "resolve type index %d", idx)
	}
	return convertType(dt)
}

func convertType(dt dwarf.Type) (symbols.Type, error) {
	switch x := dt.(type) {
	case *dwarf.BoolType:
		return symbols.Type{Base: &symbols.BaseType{Kind: symbols.KindBool, Size: uint64(x.ByteSize)}}, nil
	case *dwarf.IntType:
		return symbols.Type{Base: &symbols.BaseType{Kind: symbols.KindSignedInt, Size: uint64(x.ByteSize)}}, nil
	case *dwarf.UintType:
		return symbols.Type{Base: &symbols.BaseType{Kind: symbols.KindUnsignedInt, Size: uint64(x.ByteSize)}}, nil
	case *dwarf.FloatType:
		return symbols.Type{Base: &symbols.BaseType{Kind: symbols.KindFloat, Size: uint64(x.ByteSize)}}, nil
	case *dwarf.VoidType:
		return symbols.Type{Base: &symbols.BaseType{Kind: symbols.KindVoid, Size: 0}}, nil
	case *dwarf.PtrType:
		elemOff := dwarf.Offset(0)
		if x.Type != nil {
			elemOff = x.Type.Common().Offset
		}
		return symbols.Type{Pointer: &symbols.PointerType{Elem: symbols.TypeIndex(elemOff), Size: 8}}, nil
	case *dwarf.ArrayType:
		elemSize := uint64(0)
		if x.Type != nil {
			elemSize = uint64(x.Type.Size())
		}
		return symbols.Type{Array: &symbols.ArrayType{Elem: symbols.TypeIndex(x.Type.Common().Offset), ElementSize: elemSize, Count: uint64(x.Count)}}, nil
	case *dwarf.StructType:
		st := &symbols.StructType{Name: x.StructName, Size: uint64(x.ByteSize)}
		for _, field := range x.Field {
			st.Fields = append(st.Fields, symbols.Field{Name: field.Name, Type: symbols.TypeIndex(field.Type.Common().Offset), Offset: uint64(field.ByteOffset)})
		}
		return symbols.Type{Struct: st}, nil
	case *dwarf.FuncType:
		ft := &symbols.FunctionType{Convention: symbols.StandardC}
		if x.ReturnType != nil {
			ft.Return = symbols.TypeIndex(x.ReturnType.Common().Offset)
		}
		for _, a := range x.ParamType {
			ft.Args = append(ft.Args, symbols.TypeIndex(a.Common().Offset))
		}
		return symbols.Type{Function: ft}, nil
	case *dwarf.TypedefType:
		return convertType(x.Type)
	case *dwarf.QualType:
		return convertType(x.Type)
	default:
		return symbols.Type{}, fmt.Errorf("unsupported DWARF type %T", dt)
	}
}

// ModuleFromAddress implements symbols.Oracle.
func (o *Oracle) ModuleFromAddress(addr uint64) (symbols.ModuleBase, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, err := o.moduleFor(addr)
	if err != nil {
		return 0, err
	}
	return m.base, nil
}
