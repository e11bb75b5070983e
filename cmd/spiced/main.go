// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command spiced is the debug server: it spawns a target executable, binds a symbol oracle to it, and exposes one Session over
// HTTP for the lifetime of the debuggee.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/team-worm/spice-sub000/internal/api"
	"github.com/team-worm/spice-sub000/internal/config"
	"github.com/team-worm/spice-sub000/internal/logging"
	"github.com/team-worm/spice-sub000/internal/procctl"
	"github.com/team-worm/spice-sub000/internal/session"
	"github.com/team-worm/spice-sub000/internal/symbols"
	"github.com/team-worm/spice-sub000/internal/symbols/dwarforacle"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "spiced <executable> [args...]",
	Short: "Attach a tracing debug session to a native executable",
	Long: `spiced spawns the given executable under ptrace, binds a DWARF symbol
oracle to its image, and serves breakpoint, call-injection, and line-trace
commands over HTTP until the debuggee exits or a client sends /quit.`,
	Args: cobra.MinimumNArgs(1),
	RunE: run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: $HOME/.spiced.yaml)")
	flags.String("listen", ":4747", "HTTP listen address")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-file", "", "optional JSON log file, in addition to stderr")
	flags.Bool("compat-four-byte-unsized-locals", false, "treat zero-sized DWARF locals as 4 bytes instead of skipping them")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}

	handle, err := procctl.Spawn(args[0], args[1:], os.Environ())
	if err != nil {
		return fmt.Errorf("spawn target: %w", err)
	}

	oracle := dwarforacle.New(handle)
	module, err := bindOracle(oracle, args[0])
	if err != nil {
		return err
	}

	sess, err := session.New(log, handle, oracle, module, cfg.CompatFourByteUnsizedLocals)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	go sess.Run(args[0])

	srv := api.New(log, sess)
	log.Info("listening", "addr", cfg.ListenAddr, "target", args[0])
	return http.ListenAndServe(cfg.ListenAddr, srv.Handler())
}

// bindOracle picks a nominal load-address-zero module base; spiced targets
// a single statically-loaded executable per session (see Non-goals on
// multi-process debugging), so there is no loader to consult for the real
// base address yet.
func bindOracle(oracle *dwarforacle.Oracle, imagePath string) (symbols.ModuleBase, error) {
	const base symbols.ModuleBase = 0
	if err := oracle.Initialize(base, imagePath); err != nil {
		return 0, fmt.Errorf("bind symbol oracle: %w", err)
	}
	return base, nil
}

func loadConfig(flags *pflag.FlagSet) (config.Config, error) {
	return config.Load(cfgFile, flags)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
