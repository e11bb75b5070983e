// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/team-worm/spice-sub000/internal/logging"
)

func TestParseAddrHex(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/breakpoints/set?addr=0x401000", nil)
	addr, err := parseAddr(req)
	if err != nil {
		t.Fatalf("parseAddr: %v", err)
	}
	if addr != 0x401000 {
		t.Errorf("parseAddr = %#x, want 0x401000", addr)
	}
}

func TestParseAddrDecimal(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/breakpoints/set?addr=4198400", nil)
	addr, err := parseAddr(req)
	if err != nil {
		t.Fatalf("parseAddr: %v", err)
	}
	if addr != 4198400 {
		t.Errorf("parseAddr = %d, want 4198400", addr)
	}
}

func TestParseAddrRejectsGarbage(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/breakpoints/set?addr=not-a-number", nil)
	if _, err := parseAddr(req); err == nil {
		t.Fatalf("parseAddr accepted a non-numeric address")
	}
}

func TestWriteErrorSetsBadRequest(t *testing.T) {
	s := &Server{log: logging.Discard()}
	rec := httptest.NewRecorder()
	s.writeError(rec, "boom")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if body := rec.Body.String(); body == "" {
		t.Errorf("expected a JSON error body, got empty response")
	}
}
