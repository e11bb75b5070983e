// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dwarforacle

import "testing"

func TestSleb128(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want int64
	}{
		{"zero", []byte{0x00}, 0},
		{"positive two", []byte{0x02}, 2},
		{"negative two", []byte{0x7e}, -2},
		// -16 frame offset, a common DW_OP_fbreg encoding for the first local.
		{"negative sixteen", []byte{0x70}, -16},
		{"large positive needing continuation", []byte{0xe5, 0x8e, 0x26}, 624485},
	}
	for _, c := range cases {
		got, _ := sleb128(c.in)
		if got != c.want {
			t.Errorf("%s: sleb128(% x) = %d, want %d", c.name, c.in, got, c.want)
		}
	}
}

func TestLeUint64(t *testing.T) {
	b := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	got := leUint64(b)
	want := uint64(0x0807060504030201)
	if got != want {
		t.Errorf("leUint64 = %#x, want %#x", got, want)
	}
}

func TestLeUint64ShortBuffer(t *testing.T) {
	got := leUint64([]byte{0xAB})
	if got != 0xAB {
		t.Errorf("leUint64 on a short buffer = %#x, want 0xAB", got)
	}
}
