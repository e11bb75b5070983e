// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package traceengine

import "testing"

func TestTerminalRecordKinds(t *testing.T) {
	terminal := map[RecordKind]bool{
		RecordLine:   false,
		RecordCall:   false,
		RecordReturn: false,
		RecordBreak:  true,
		RecordExit:   true,
		RecordCancel: true,
		RecordCrash:  true,
		RecordError:  true,
	}
	for kind, want := range terminal {
		rec := TraceRecord{Kind: kind}
		if got := rec.terminal(); got != want {
			t.Errorf("TraceRecord{Kind: %d}.terminal() = %v, want %v", kind, got, want)
		}
	}
}

func TestExecutionRecordsAccumulate(t *testing.T) {
	exec := &Execution{ID: 1, Kind: ExecutionProcess}
	exec.records = append(exec.records, TraceRecord{Index: 0, Kind: RecordLine})
	exec.records = append(exec.records, TraceRecord{Index: 1, Kind: RecordExit})

	records := exec.Records()
	if len(records) != 2 {
		t.Fatalf("Records() returned %d entries, want 2", len(records))
	}
	if !records[1].terminal() {
		t.Fatalf("second record should be terminal")
	}
}

func TestNewEngineStartsInInitState(t *testing.T) {
	eng := New(nil, nil, 0)
	if eng.State() != StateInit {
		t.Fatalf("State() = %v, want StateInit", eng.State())
	}
	if len(eng.Breakpoints()) != 0 {
		t.Fatalf("a fresh engine should have no breakpoints")
	}
}

func TestRequestCancelWithoutAttachFails(t *testing.T) {
	eng := New(nil, nil, 0)
	if err := eng.RequestCancel(); err == nil {
		t.Fatalf("RequestCancel before Attach should fail")
	}
}
