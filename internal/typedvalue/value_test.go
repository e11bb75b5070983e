// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package typedvalue

import (
	"reflect"
	"testing"

	"github.com/team-worm/spice-sub000/internal/spiceerr"
	"github.com/team-worm/spice-sub000/internal/symbols"
)

// fakeOracle backs TypeFromIndex with a fixed table; every other method is
// unused by Reader/Writer and panics if a test accidentally reaches it.
type fakeOracle struct {
	types map[symbols.TypeIndex]symbols.Type
}

func (f fakeOracle) Initialize(symbols.ModuleBase, string) error { panic("unused") }
func (f fakeOracle) LoadModule(symbols.ModuleBase, string) error { panic("unused") }
func (f fakeOracle) UnloadModule(symbols.ModuleBase) error       { panic("unused") }
func (f fakeOracle) SymbolFromAddress(uint64) (symbols.Symbol, uint64, error) {
	panic("unused")
}
func (f fakeOracle) SymbolFromName(string) (symbols.Symbol, error) { panic("unused") }
func (f fakeOracle) LineFromAddress(uint64) (symbols.Line, uint64, error) {
	panic("unused")
}
func (f fakeOracle) LinesFromSymbol(symbols.Symbol) (symbols.LinesIterator, error) {
	panic("unused")
}
func (f fakeOracle) WalkStack(int) (symbols.FramesIterator, error) { panic("unused") }
func (f fakeOracle) EnumerateLocals(uint64, func(symbols.Symbol, uint64) bool) error {
	panic("unused")
}
func (f fakeOracle) TypeFromIndex(_ symbols.ModuleBase, idx symbols.TypeIndex) (symbols.Type, error) {
	t, ok := f.types[idx]
	if !ok {
		return symbols.Type{}, spiceerr.New(spiceerr.Symbol, "no such type index %d", idx)
	}
	return t, nil
}
func (f fakeOracle) ModuleFromAddress(uint64) (symbols.ModuleBase, error) { panic("unused") }

const (
	typeInt32 symbols.TypeIndex = iota + 1
	typeFloat64
	typeStruct
	typePointerToStruct
)

func baseOracle() fakeOracle {
	return fakeOracle{types: map[symbols.TypeIndex]symbols.Type{
		typeInt32:   {Base: &symbols.BaseType{Kind: symbols.KindSignedInt, Size: 4}},
		typeFloat64: {Base: &symbols.BaseType{Kind: symbols.KindFloat, Size: 8}},
	}}
}

func intType() symbols.Type   { return symbols.Type{Base: &symbols.BaseType{Kind: symbols.KindSignedInt, Size: 4}} }
func floatType() symbols.Type { return symbols.Type{Base: &symbols.BaseType{Kind: symbols.KindFloat, Size: 8}} }

func TestWriteReadRoundTripScalars(t *testing.T) {
	oracle := baseOracle()
	w := Writer{Oracle: oracle, Module: 0}
	r := Reader{Oracle: oracle, Module: 0}

	cases := []struct {
		name string
		typ  symbols.Type
		v    StructuredValue
	}{
		{"int", intType(), IntValue(-42)},
		{"float", floatType(), FloatValue(3.5)},
		{"bool", symbols.Type{Base: &symbols.BaseType{Kind: symbols.KindBool, Size: 1}}, BoolValue(true)},
	}
	for _, c := range cases {
		buf, fixups, err := w.Write(c.typ, c.v)
		if err != nil {
			t.Fatalf("%s: Write: %v", c.name, err)
		}
		if len(fixups) != 0 {
			t.Fatalf("%s: unexpected fixups for a scalar: %v", c.name, fixups)
		}
		got, err := r.Read(c.typ, buf, nil)
		if err != nil {
			t.Fatalf("%s: Read: %v", c.name, err)
		}
		if !reflect.DeepEqual(got, c.v) {
			t.Fatalf("%s: round trip = %+v, want %+v", c.name, got, c.v)
		}
	}
}

func TestWriteReadRoundTripStruct(t *testing.T) {
	oracle := fakeOracle{types: map[symbols.TypeIndex]symbols.Type{
		typeInt32:   intType(),
		typeFloat64: floatType(),
	}}
	st := symbols.StructType{
		Name: "point",
		Size: 16,
		Fields: []symbols.Field{
			{Name: "x", Type: typeInt32, Offset: 0},
			{Name: "y", Type: typeFloat64, Offset: 8},
		},
	}
	typ := symbols.Type{Struct: &st}
	v := StructuredValue{Kind: KindStruct, Struct: map[uint64]StructuredValue{
		0: IntValue(7),
		8: FloatValue(2.25),
	}}

	w := Writer{Oracle: oracle, Module: 0}
	buf, fixups, err := w.Write(typ, v)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(fixups) != 0 {
		t.Fatalf("unexpected fixups: %v", fixups)
	}
	if len(buf) != 16 {
		t.Fatalf("buffer length = %d, want 16", len(buf))
	}

	r := Reader{Oracle: oracle, Module: 0}
	got, err := r.Read(typ, buf, nil)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !reflect.DeepEqual(got, v) {
		t.Fatalf("round trip = %+v, want %+v", got, v)
	}
}

func TestWritePointerDefersViaFixup(t *testing.T) {
	oracle := baseOracle()
	w := Writer{Oracle: oracle, Module: 0}
	ptrType := symbols.Type{Pointer: &symbols.PointerType{Elem: typeInt32, Size: 8}}

	// Pointer args carry a CallBuilder placeholder offset, not a real
	// address, until the pointee is placed.
	const placeholder = 3
	buf, fixups, err := w.Write(ptrType, IntValue(placeholder))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(buf) != 8 {
		t.Fatalf("buffer length = %d, want 8", len(buf))
	}
	if len(fixups) != 1 {
		t.Fatalf("fixups = %v, want exactly one", fixups)
	}
	if fixups[0].PlaceholderOffset != placeholder || fixups[0].PointeeType != typeInt32 {
		t.Fatalf("fixup = %+v, want placeholder %d pointing at type %d", fixups[0], placeholder, typeInt32)
	}
}

func TestReadPointerRecordsFixupAndRendersAsInt(t *testing.T) {
	oracle := baseOracle()
	r := Reader{Oracle: oracle, Module: 0}
	ptrType := symbols.Type{Pointer: &symbols.PointerType{Elem: typeInt32, Size: 8}}

	buf := make([]byte, 8)
	EncodeUint(buf, 0xdeadbeef, 8)

	var fixups []PointerFixup
	got, err := r.Read(ptrType, buf, &fixups)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Kind != KindInt || got.Int != 0xdeadbeef {
		t.Fatalf("pointer rendered as %+v, want Int(0xdeadbeef)", got)
	}
	if len(fixups) != 1 || fixups[0].Address != 0xdeadbeef || fixups[0].PointeeType != typeInt32 {
		t.Fatalf("fixups = %+v, want one entry for address 0xdeadbeef/type %d", fixups, typeInt32)
	}
}

func TestWriteRejectsKindMismatch(t *testing.T) {
	oracle := baseOracle()
	w := Writer{Oracle: oracle, Module: 0}
	_, _, err := w.Write(intType(), BoolValue(true))
	if !spiceerr.Is(err, spiceerr.Invalid) {
		t.Fatalf("Write with mismatched kind = %v, want spiceerr.Invalid", err)
	}
}

func TestWriteRejectsArrayLengthMismatch(t *testing.T) {
	oracle := baseOracle()
	arr := symbols.ArrayType{Elem: typeInt32, ElementSize: 4, Count: 3}
	w := Writer{Oracle: oracle, Module: 0}
	v := StructuredValue{Kind: KindArray, Array: []StructuredValue{IntValue(1), IntValue(2)}}
	_, _, err := w.Write(symbols.Type{Array: &arr}, v)
	if !spiceerr.Is(err, spiceerr.Invalid) {
		t.Fatalf("Write with short array = %v, want spiceerr.Invalid", err)
	}
}

func TestSignExtendNegativeInt8(t *testing.T) {
	oracle := baseOracle()
	r := Reader{Oracle: oracle, Module: 0}
	typ := symbols.Type{Base: &symbols.BaseType{Kind: symbols.KindSignedInt, Size: 1}}
	got, err := r.Read(typ, []byte{0xFF}, nil)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Int != -1 {
		t.Fatalf("signed byte 0xFF decoded as %d, want -1", got.Int)
	}
}
