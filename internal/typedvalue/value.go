// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package typedvalue mediates between a debuggee's raw memory, described
// by debug-info types from the symbol oracle, and the language-neutral
// StructuredValue tree used on the control plane. It understands pointer
// graphs but never follows them eagerly: pointer resolution is always
// deferred to an explicit fixup queue, so that reading or writing a value
// never itself touches debuggee memory beyond the bytes of that one value.
package typedvalue

import (
	"math"

	"github.com/team-worm/spice-sub000/internal/spiceerr"
	"github.com/team-worm/spice-sub000/internal/symbols"
)

// Kind discriminates the variant of a StructuredValue.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindArray
	KindStruct
)

// StructuredValue is the language-neutral tree representation of a Value:
// Null | Bool(b) | Int(i64) | Float(f64) | Array([SV]) | Struct({offset: SV}).
// Pointers are rendered as Int(address) — or, while an argument value is
// still being assembled by CallBuilder, Int(placeholderOffset) — never as
// a distinct variant, per the design note that pointer resolution is
// always deferred.
type StructuredValue struct {
	Kind   Kind
	Bool   bool
	Int    int64
	Float  float64
	Array  []StructuredValue
	Struct map[uint64]StructuredValue // keyed by field byte offset
}

func Null() StructuredValue                { return StructuredValue{Kind: KindNull} }
func BoolValue(b bool) StructuredValue     { return StructuredValue{Kind: KindBool, Bool: b} }
func IntValue(i int64) StructuredValue     { return StructuredValue{Kind: KindInt, Int: i} }
func FloatValue(f float64) StructuredValue { return StructuredValue{Kind: KindFloat, Float: f} }

// PointerFixup is enqueued by Read whenever it decodes a pointer field and
// the caller passed a non-nil queue. Nothing in this module walks such a
// queue: the trace engine and CallBuilder call Read with a nil queue, so
// pointees are not read back and traced pointers appear only as
// Int(address).
type PointerFixup struct {
	Address     uint64
	PointeeType symbols.TypeIndex
	Module      symbols.ModuleBase
}

// WriteFixup is produced by Write for every pointer field: bufferOffset
// identifies where, inside the returned byte buffer, the eventual concrete
// address must be patched; placeholderOffset identifies which entry of
// CallBuilder's argument map supplies that address once it has been placed
// in the debuggee's memory.
type WriteFixup struct {
	BufferOffset      uint64
	PlaceholderOffset uint64
	PointeeType       symbols.TypeIndex
}

// Reader converts raw debuggee bytes into StructuredValues using an Oracle
// to resolve nested type indices.
type Reader struct {
	Oracle symbols.Oracle
	Module symbols.ModuleBase
}

// Read decodes buf, which must be exactly t.Size() bytes for any type
// other than Function or Void, as a value of type t. Decoded pointer
// fields are appended to fixups rather than followed.
func (r Reader) Read(t symbols.Type, buf []byte, fixups *[]PointerFixup) (StructuredValue, error) {
	switch {
	case t.Base != nil:
		return r.readBase(*t.Base, buf)
	case t.Pointer != nil:
		return r.readPointer(*t.Pointer, buf, fixups)
	case t.Array != nil:
		return r.readArray(*t.Array, buf, fixups)
	case t.Struct != nil:
		return r.readStruct(*t.Struct, buf, fixups)
	default:
		return StructuredValue{}, spiceerr.New(spiceerr.Invalid, "type has no representable variant")
	}
}

func (r Reader) readBase(t symbols.BaseType, buf []byte) (StructuredValue, error) {
	switch t.Kind {
	case symbols.KindVoid:
		return Null(), nil
	case symbols.KindBool:
		if len(buf) < 1 {
			return StructuredValue{}, shortBuf("bool", 1, uint64(len(buf)))
		}
		return BoolValue(buf[0] != 0), nil
	case symbols.KindSignedInt:
		if err := checkLen("signed int", t.Size, len(buf)); err != nil {
			return StructuredValue{}, err
		}
		return IntValue(signExtend(littleEndianUint(buf), t.Size)), nil
	case symbols.KindUnsignedInt:
		if err := checkLen("unsigned int", t.Size, len(buf)); err != nil {
			return StructuredValue{}, err
		}
		return IntValue(int64(littleEndianUint(buf))), nil
	case symbols.KindFloat:
		switch t.Size {
		case 4:
			if len(buf) < 4 {
				return StructuredValue{}, shortBuf("float32", 4, uint64(len(buf)))
			}
			bits := uint32(littleEndianUint(buf[:4]))
			return FloatValue(float64(math.Float32frombits(bits))), nil
		case 8:
			if len(buf) < 8 {
				return StructuredValue{}, shortBuf("float64", 8, uint64(len(buf)))
			}
			bits := littleEndianUint(buf[:8])
			return FloatValue(math.Float64frombits(bits)), nil
		default:
			return StructuredValue{}, spiceerr.New(spiceerr.Invalid, "invalid float size %d", t.Size)
		}
	default:
		return StructuredValue{}, spiceerr.New(spiceerr.Invalid, "unknown base kind %d", t.Kind)
	}
}

func (r Reader) readPointer(t symbols.PointerType, buf []byte, fixups *[]PointerFixup) (StructuredValue, error) {
	if err := checkLen("pointer", t.Size, len(buf)); err != nil {
		return StructuredValue{}, err
	}
	addr := littleEndianUint(buf)
	if fixups != nil {
		*fixups = append(*fixups, PointerFixup{Address: addr, PointeeType: t.Elem, Module: r.Module})
	}
	return IntValue(int64(addr)), nil
}

func (r Reader) readArray(t symbols.ArrayType, buf []byte, fixups *[]PointerFixup) (StructuredValue, error) {
	elemType, err := r.Oracle.TypeFromIndex(r.Module, t.Elem)
	if err != nil {
		return StructuredValue{}, spiceerr.Wrap(spiceerr.Symbol, err, "resolving array element type")
	}
	out := make([]StructuredValue, 0, t.Count)
	for i := uint64(0); i < t.Count; i++ {
		start := i * t.ElementSize
		end := start + t.ElementSize
		if end > uint64(len(buf)) {
			return StructuredValue{}, spiceerr.New(spiceerr.Invalid, "array buffer too short: element %d needs [%d,%d), have %d", i, start, end, len(buf))
		}
		ev, err := r.Read(elemType, buf[start:end], fixups)
		if err != nil {
			return StructuredValue{}, err
		}
		out = append(out, ev)
	}
	return StructuredValue{Kind: KindArray, Array: out}, nil
}

func (r Reader) readStruct(t symbols.StructType, buf []byte, fixups *[]PointerFixup) (StructuredValue, error) {
	fields := make(map[uint64]StructuredValue, len(t.Fields))
	for _, f := range t.Fields {
		ft, err := r.Oracle.TypeFromIndex(r.Module, f.Type)
		if err != nil {
			return StructuredValue{}, spiceerr.Wrap(spiceerr.Symbol, err, "resolving field %q type", f.Name)
		}
		size := ft.Size()
		if f.Offset+size > uint64(len(buf)) {
			return StructuredValue{}, spiceerr.New(spiceerr.Invalid, "struct buffer too short for field %q", f.Name)
		}
		fv, err := r.Read(ft, buf[f.Offset:f.Offset+size], fixups)
		if err != nil {
			return StructuredValue{}, err
		}
		fields[f.Offset] = fv
	}
	return StructuredValue{Kind: KindStruct, Struct: fields}, nil
}

// Writer converts StructuredValues into raw byte buffers of a type's
// declared size, deferring pointer resolution to a fixup list that
// CallBuilder patches once it has placed the pointees in memory.
type Writer struct {
	Oracle symbols.Oracle
	Module symbols.ModuleBase
}

// Write produces a byte buffer of exactly t.Size() bytes for v, plus the
// fixup list for every pointer field encountered. A type mismatch (e.g. a
// Bool value against an Int type, an array length mismatch, or a struct
// missing a field) fails with spiceerr.Invalid.
func (w Writer) Write(t symbols.Type, v StructuredValue) ([]byte, []WriteFixup, error) {
	buf := make([]byte, t.Size())
	var fixups []WriteFixup
	if err := w.write(t, v, buf, 0, &fixups); err != nil {
		return nil, nil, err
	}
	return buf, fixups, nil
}

func (w Writer) write(t symbols.Type, v StructuredValue, buf []byte, base uint64, fixups *[]WriteFixup) error {
	switch {
	case t.Base != nil:
		return w.writeBase(*t.Base, v, buf)
	case t.Pointer != nil:
		return w.writePointer(*t.Pointer, v, buf, base, fixups)
	case t.Array != nil:
		return w.writeArray(*t.Array, v, buf, base, fixups)
	case t.Struct != nil:
		return w.writeStruct(*t.Struct, v, buf, base, fixups)
	default:
		return spiceerr.New(spiceerr.Invalid, "type has no representable variant")
	}
}

func (w Writer) writeBase(t symbols.BaseType, v StructuredValue, buf []byte) error {
	switch t.Kind {
	case symbols.KindVoid:
		return nil
	case symbols.KindBool:
		if v.Kind != KindBool {
			return mismatch("bool", v.Kind)
		}
		if v.Bool {
			buf[0] = 1
		}
		return nil
	case symbols.KindSignedInt, symbols.KindUnsignedInt:
		if v.Kind != KindInt {
			return mismatch("int", v.Kind)
		}
		putLittleEndianUint(buf, uint64(v.Int), t.Size)
		return nil
	case symbols.KindFloat:
		if v.Kind != KindFloat {
			return mismatch("float", v.Kind)
		}
		switch t.Size {
		case 4:
			putLittleEndianUint(buf, uint64(math.Float32bits(float32(v.Float))), 4)
		case 8:
			putLittleEndianUint(buf, math.Float64bits(v.Float), 8)
		default:
			return spiceerr.New(spiceerr.Invalid, "invalid float size %d", t.Size)
		}
		return nil
	default:
		return spiceerr.New(spiceerr.Invalid, "unknown base kind %d", t.Kind)
	}
}

func (w Writer) writePointer(t symbols.PointerType, v StructuredValue, buf []byte, base uint64, fixups *[]WriteFixup) error {
	if v.Kind != KindInt {
		return mismatch("pointer (placeholder offset)", v.Kind)
	}
	*fixups = append(*fixups, WriteFixup{BufferOffset: base, PlaceholderOffset: uint64(v.Int), PointeeType: t.Elem})
	return nil
}

func (w Writer) writeArray(t symbols.ArrayType, v StructuredValue, buf []byte, base uint64, fixups *[]WriteFixup) error {
	if v.Kind != KindArray {
		return mismatch("array", v.Kind)
	}
	if uint64(len(v.Array)) != t.Count {
		return spiceerr.New(spiceerr.Invalid, "array length mismatch: got %d, want %d", len(v.Array), t.Count)
	}
	elemType, err := w.Oracle.TypeFromIndex(w.Module, t.Elem)
	if err != nil {
		return spiceerr.Wrap(spiceerr.Symbol, err, "resolving array element type")
	}
	for i, ev := range v.Array {
		start := uint64(i) * t.ElementSize
		end := start + t.ElementSize
		if err := w.write(elemType, ev, buf[start:end], base+start, fixups); err != nil {
			return err
		}
	}
	return nil
}

func (w Writer) writeStruct(t symbols.StructType, v StructuredValue, buf []byte, base uint64, fixups *[]WriteFixup) error {
	if v.Kind != KindStruct {
		return mismatch("struct", v.Kind)
	}
	for _, f := range t.Fields {
		fv, ok := v.Struct[f.Offset]
		if !ok {
			return spiceerr.New(spiceerr.Invalid, "struct %q missing field %q at offset %d", t.Name, f.Name, f.Offset)
		}
		ft, err := w.Oracle.TypeFromIndex(w.Module, f.Type)
		if err != nil {
			return spiceerr.Wrap(spiceerr.Symbol, err, "resolving field %q type", f.Name)
		}
		size := ft.Size()
		if err := w.write(ft, fv, buf[f.Offset:f.Offset+size], base+f.Offset, fixups); err != nil {
			return err
		}
	}
	return nil
}

func checkLen(what string, want uint64, got int) error {
	if uint64(got) != want {
		return shortBuf(what, want, uint64(got))
	}
	return nil
}

func shortBuf(what string, want, got uint64) error {
	return spiceerr.New(spiceerr.Invalid, "reading %s: buffer is %d bytes, want %d", what, got, want)
}

func mismatch(wantKind string, gotKind Kind) error {
	return spiceerr.New(spiceerr.Invalid, "type mismatch: expected value representable as %s, got StructuredValue kind %d", wantKind, gotKind)
}

func littleEndianUint(buf []byte) uint64 {
	var v uint64
	for i, b := range buf {
		v |= uint64(b) << (8 * uint(i))
	}
	return v
}

func putLittleEndianUint(buf []byte, v uint64, size uint64) {
	for i := uint64(0); i < size; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

// signExtend interprets the low size*8 bits of v as a two's-complement
// integer of that width and sign-extends it to int64.
func signExtend(v uint64, size uint64) int64 {
	shift := 64 - size*8
	return int64(v<<shift) >> shift
}

// DecodeUint reads up to 8 little-endian bytes from buf as a uint64. It is
// exported for CallBuilder, which needs to move already-written argument
// buffers into registers.
func DecodeUint(buf []byte) uint64 { return littleEndianUint(buf) }

// EncodeUint writes the low size bytes of v into buf in little-endian
// order. It is exported for CallBuilder's stack-push steps.
func EncodeUint(buf []byte, v uint64, size uint64) { putLittleEndianUint(buf, v, size) }
