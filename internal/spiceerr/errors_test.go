// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spiceerr

import (
	"errors"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := New(Symbol, "no such function %q", "foo")
	if !Is(err, Symbol) {
		t.Fatalf("Is(err, Symbol) = false, want true")
	}
	if Is(err, Invalid) {
		t.Fatalf("Is(err, Invalid) = true, want false")
	}
}

func TestIsRejectsPlainErrors(t *testing.T) {
	if Is(errors.New("boom"), Invalid) {
		t.Fatalf("Is on a plain error returned true")
	}
}

func TestWrapUnwraps(t *testing.T) {
	inner := errors.New("page fault")
	err := Wrap(MemoryAccess, inner, "read %d bytes at %#x", 8, 0x1000)
	if !errors.Is(err, inner) {
		t.Fatalf("errors.Is did not find the wrapped cause")
	}
}

func TestFatalOnlyProtocol(t *testing.T) {
	cases := []struct {
		kind  Kind
		fatal bool
	}{
		{Protocol, true},
		{MemoryAccess, false},
		{Symbol, false},
		{Invalid, false},
		{AlreadyExists, false},
		{NotConnected, false},
		{NotFound, false},
	}
	for _, c := range cases {
		if got := c.kind.Fatal(); got != c.fatal {
			t.Errorf("%s.Fatal() = %v, want %v", c.kind, got, c.fatal)
		}
	}
}
