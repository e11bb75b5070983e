// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"testing"

	"github.com/team-worm/spice-sub000/internal/logging"
	"github.com/team-worm/spice-sub000/internal/spiceerr"
	"github.com/team-worm/spice-sub000/internal/symbols"
)

// fakeOracle implements symbols.Oracle with just enough behavior for the
// command-dispatch paths that never touch a live ProcessHandle.
type fakeOracle struct {
	byName map[string]symbols.Symbol
}

func (f fakeOracle) Initialize(symbols.ModuleBase, string) error { return nil }
func (f fakeOracle) LoadModule(symbols.ModuleBase, string) error { return nil }
func (f fakeOracle) UnloadModule(symbols.ModuleBase) error       { return nil }
func (f fakeOracle) SymbolFromAddress(uint64) (symbols.Symbol, uint64, error) {
	return symbols.Symbol{}, 0, spiceerr.New(spiceerr.NotFound, "no symbols by address in this fake")
}
func (f fakeOracle) SymbolFromName(name string) (symbols.Symbol, error) {
	sym, ok := f.byName[name]
	if !ok {
		return symbols.Symbol{}, spiceerr.New(spiceerr.NotFound, "no such symbol %q", name)
	}
	return sym, nil
}
func (f fakeOracle) LineFromAddress(uint64) (symbols.Line, uint64, error) {
	return symbols.Line{}, 0, spiceerr.New(spiceerr.NotFound, "unused")
}
func (f fakeOracle) LinesFromSymbol(symbols.Symbol) (symbols.LinesIterator, error) {
	return nil, spiceerr.New(spiceerr.NotFound, "unused")
}
func (f fakeOracle) WalkStack(int) (symbols.FramesIterator, error) {
	return nil, spiceerr.New(spiceerr.NotFound, "unused")
}
func (f fakeOracle) EnumerateLocals(uint64, func(symbols.Symbol, uint64) bool) error { return nil }
func (f fakeOracle) TypeFromIndex(symbols.ModuleBase, symbols.TypeIndex) (symbols.Type, error) {
	return symbols.Type{}, spiceerr.New(spiceerr.NotFound, "unused")
}
func (f fakeOracle) ModuleFromAddress(uint64) (symbols.ModuleBase, error) { return 0, nil }

func newTestSession(t *testing.T) *Session {
	t.Helper()
	oracle := fakeOracle{byName: map[string]symbols.Symbol{
		"add": {Name: "add", Address: 0x401000, Size: 16},
	}}
	s, err := New(logging.Discard(), nil, oracle, 0, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.shutdown)
	return s
}

func TestSingletonRejectsSecondSession(t *testing.T) {
	s1 := newTestSession(t)
	_, err := New(logging.Discard(), nil, fakeOracle{}, 0, false)
	if !spiceerr.Is(err, spiceerr.AlreadyExists) {
		t.Fatalf("second New() = %v, want spiceerr.AlreadyExists", err)
	}
	s1.shutdown()
	// after shutdown, acquiring again must succeed
	s2, err := New(logging.Discard(), nil, fakeOracle{}, 0, false)
	if err != nil {
		t.Fatalf("New() after shutdown: %v", err)
	}
	s2.shutdown()
}

func TestDescribeFunctionByName(t *testing.T) {
	s := newTestSession(t)
	reply := s.dispatch(Command{Kind: CmdDescribeFunction, Addr: "add"})
	if reply.Kind != ReplyFunction {
		t.Fatalf("reply.Kind = %v, want ReplyFunction (message: %s)", reply.Kind, reply.Message)
	}
	if reply.Function.Address != 0x401000 {
		t.Fatalf("reply.Function.Address = %#x, want 0x401000", reply.Function.Address)
	}
}

func TestDescribeFunctionUnknownNameErrors(t *testing.T) {
	s := newTestSession(t)
	reply := s.dispatch(Command{Kind: CmdDescribeFunction, Addr: "nonexistent"})
	if reply.Kind != ReplyError {
		t.Fatalf("reply.Kind = %v, want ReplyError", reply.Kind)
	}
}

func TestUnknownCommandErrors(t *testing.T) {
	s := newTestSession(t)
	reply := s.dispatch(Command{Kind: CommandKind(999)})
	if reply.Kind != ReplyError {
		t.Fatalf("reply.Kind = %v, want ReplyError", reply.Kind)
	}
}
