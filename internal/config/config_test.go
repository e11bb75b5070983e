// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"testing"

	"github.com/spf13/pflag"
)

func TestLoadDefaultsWithoutConfigFileOrFlags(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":4747" {
		t.Errorf("ListenAddr = %q, want :4747", cfg.ListenAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.CompatFourByteUnsizedLocals {
		t.Errorf("CompatFourByteUnsizedLocals = true, want false")
	}
}

func TestLoadHonorsExplicitFlag(t *testing.T) {
	fs := pflag.NewFlagSet("spiced", pflag.ContinueOnError)
	fs.String("listen", ":4747", "")
	fs.String("log-level", "info", "")
	fs.String("log-file", "", "")
	fs.Bool("compat-four-byte-unsized-locals", false, "")
	if err := fs.Set("listen", ":9999"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	cfg, err := Load("", fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q, want :9999 (flag should win over default)", cfg.ListenAddr)
	}
}
