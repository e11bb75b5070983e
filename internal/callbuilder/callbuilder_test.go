// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package callbuilder

import (
	"testing"

	"github.com/team-worm/spice-sub000/internal/abi"
)

func TestNewUsesMicrosoftX64(t *testing.T) {
	b := New(nil, nil)
	if b.Convention != abi.MicrosoftX64 {
		t.Fatalf("New() did not default to the Microsoft x64 calling convention")
	}
	if b.Convention.Name() != "microsoft-x64" {
		t.Fatalf("Convention.Name() = %q, want microsoft-x64", b.Convention.Name())
	}
}
