// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package logging

import "testing"

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug": "DEBUG",
		"DEBUG": "DEBUG",
		"warn":  "WARN",
		"error": "ERROR",
		"info":  "INFO",
		"":      "INFO",
		"bogus": "INFO",
	}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestNewWithoutLogFileSucceeds(t *testing.T) {
	log, err := New("info", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if log == nil {
		t.Fatalf("New returned a nil logger")
	}
}

func TestNewWithLogFileWrites(t *testing.T) {
	f := t.TempDir() + "/spiced.log"
	log, err := New("debug", f)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("hello", "key", "value")
}
