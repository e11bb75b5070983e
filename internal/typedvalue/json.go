// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package typedvalue

import (
	"strconv"

	"github.com/team-worm/spice-sub000/internal/spiceerr"
)

// StructuredValueJSON is the wire shape for a StructuredValue on the HTTP
// control plane: a discriminator field plus one payload field per variant.
// Bit-exactness is not required of the wire format, only shape
// preservation, so plain JSON numbers, booleans and strings are used
// throughout.
type StructuredValueJSON struct {
	Kind   string                          `json:"kind"`
	Bool   bool                            `json:"bool,omitempty"`
	Int    int64                           `json:"int,omitempty"`
	Float  float64                         `json:"float,omitempty"`
	Array  []StructuredValueJSON           `json:"array,omitempty"`
	Struct map[string]StructuredValueJSON  `json:"struct,omitempty"`
}

var kindNames = map[Kind]string{
	KindNull:   "null",
	KindBool:   "bool",
	KindInt:    "int",
	KindFloat:  "float",
	KindArray:  "array",
	KindStruct: "struct",
}

// ToJSON converts v into its wire representation.
func (v StructuredValue) ToJSON() StructuredValueJSON {
	out := StructuredValueJSON{Kind: kindNames[v.Kind], Bool: v.Bool, Int: v.Int, Float: v.Float}
	for _, e := range v.Array {
		out.Array = append(out.Array, e.ToJSON())
	}
	if v.Struct != nil {
		out.Struct = make(map[string]StructuredValueJSON, len(v.Struct))
		for offset, fv := range v.Struct {
			out.Struct[offsetKey(offset)] = fv.ToJSON()
		}
	}
	return out
}

// FromJSON parses the wire representation back into a StructuredValue.
func FromJSON(j StructuredValueJSON) (StructuredValue, error) {
	switch j.Kind {
	case "null", "":
		return Null(), nil
	case "bool":
		return BoolValue(j.Bool), nil
	case "int":
		return IntValue(j.Int), nil
	case "float":
		return FloatValue(j.Float), nil
	case "array":
		elems := make([]StructuredValue, 0, len(j.Array))
		for _, e := range j.Array {
			ev, err := FromJSON(e)
			if err != nil {
				return StructuredValue{}, err
			}
			elems = append(elems, ev)
		}
		return StructuredValue{Kind: KindArray, Array: elems}, nil
	case "struct":
		fields := make(map[uint64]StructuredValue, len(j.Struct))
		for key, fv := range j.Struct {
			offset, err := parseOffsetKey(key)
			if err != nil {
				return StructuredValue{}, err
			}
			v, err := FromJSON(fv)
			if err != nil {
				return StructuredValue{}, err
			}
			fields[offset] = v
		}
		return StructuredValue{Kind: KindStruct, Struct: fields}, nil
	default:
		return StructuredValue{}, spiceerr.New(spiceerr.Invalid, "unknown wire value kind %q", j.Kind)
	}
}

// DecodeArgsJSON parses a CallFunction request body's argument map, keyed
// by the decimal parameter or placeholder offset, into the map CallBuilder
// expects.
func DecodeArgsJSON(args map[string]StructuredValueJSON) (map[uint64]StructuredValue, error) {
	out := make(map[uint64]StructuredValue, len(args))
	for key, j := range args {
		offset, err := parseOffsetKey(key)
		if err != nil {
			return nil, err
		}
		v, err := FromJSON(j)
		if err != nil {
			return nil, err
		}
		out[offset] = v
	}
	return out, nil
}

func offsetKey(offset uint64) string {
	return strconv.FormatUint(offset, 10)
}

func parseOffsetKey(key string) (uint64, error) {
	v, err := strconv.ParseUint(key, 10, 64)
	if err != nil {
		return 0, spiceerr.Wrap(spiceerr.Invalid, err, "parsing offset key %q", key)
	}
	return v, nil
}
