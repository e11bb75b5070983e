// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads spiced/spicectl configuration from a file, the
// environment, and command-line flags, in that order of increasing
// precedence, following the layering cobra/viper commands in this codebase
// have always used.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the resolved configuration for a spiced server instance.
type Config struct {
	// ListenAddr is the HTTP control-plane address, e.g. ":4747".
	ListenAddr string
	// LogLevel is one of debug, info, warn, error.
	LogLevel string
	// LogFile, if non-empty, additionally fans structured logs out to this
	// path alongside stderr.
	LogFile string
	// CompatFourByteUnsizedLocals gates the historical (and possibly
	// unintentional) behavior of treating a local of unknown size as a
	// 4-byte load, rather than skipping it. Defaults to false.
	CompatFourByteUnsizedLocals bool
}

const envPrefix = "SPICE"

// Load reads configuration from (in increasing precedence) a config file
// named by cfgFile or discovered in the working directory/home directory,
// environment variables prefixed SPICE_, and flags already parsed into fs.
func Load(cfgFile string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetDefault("listen_addr", ":4747")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("compat_four_byte_unsized_locals", false)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(".spiced")
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if fs != nil {
		for key, flagName := range map[string]string{
			"listen_addr":                     "listen",
			"log_level":                       "log-level",
			"log_file":                        "log-file",
			"compat_four_byte_unsized_locals": "compat-four-byte-unsized-locals",
		} {
			if flag := fs.Lookup(flagName); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", flagName, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	return Config{
		ListenAddr:                  v.GetString("listen_addr"),
		LogLevel:                    v.GetString("log_level"),
		LogFile:                     v.GetString("log_file"),
		CompatFourByteUnsizedLocals: v.GetBool("compat_four_byte_unsized_locals"),
	}, nil
}
