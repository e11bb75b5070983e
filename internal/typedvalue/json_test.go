// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package typedvalue

import (
	"reflect"
	"testing"
)

func TestJSONRoundTrip(t *testing.T) {
	v := StructuredValue{
		Kind: KindStruct,
		Struct: map[uint64]StructuredValue{
			0: IntValue(-7),
			8: StructuredValue{Kind: KindArray, Array: []StructuredValue{
				BoolValue(true),
				FloatValue(1.5),
				Null(),
			}},
		},
	}

	got, err := FromJSON(v.ToJSON())
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	if !reflect.DeepEqual(got, v) {
		t.Fatalf("round trip = %+v, want %+v", got, v)
	}
}

func TestDecodeArgsJSONParsesOffsetKeys(t *testing.T) {
	args := map[string]StructuredValueJSON{
		"0": IntValue(1).ToJSON(),
		"8": IntValue(2).ToJSON(),
	}
	got, err := DecodeArgsJSON(args)
	if err != nil {
		t.Fatalf("DecodeArgsJSON: %v", err)
	}
	if got[0].Int != 1 || got[8].Int != 2 {
		t.Fatalf("DecodeArgsJSON = %+v, want offsets 0 and 8", got)
	}
}

func TestFromJSONRejectsUnknownKind(t *testing.T) {
	_, err := FromJSON(StructuredValueJSON{Kind: "bogus"})
	if err == nil {
		t.Fatalf("FromJSON with an unknown kind succeeded, want an error")
	}
}
