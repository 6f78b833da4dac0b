// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// censorlab is the CensorLab daemon: it loads a TOML configuration, brings
// up one of the three back-ends (wire, pcap, nfq), and runs the
// Orchestrator until interrupted or, for pcap, the capture is exhausted.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	bk "censorlab.dev/censorlab/internal/backend"
	"censorlab.dev/censorlab/internal/config"
	"censorlab.dev/censorlab/internal/logging"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "censorlab:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		return usageError()
	}

	switch args[0] {
	case "wire":
		return runWire(args[1:])
	case "pcap":
		return runPCAP(args[1:])
	case "nfq":
		return runNFQ(args[1:])
	default:
		return usageError()
	}
}

func usageError() error {
	fmt.Fprintln(os.Stderr, "usage: censorlab <wire|pcap|nfq> -config <path> [flags]")
	return fmt.Errorf("missing subcommand")
}

// loadConfig reads and validates the TOML file and configures the root
// logger from its [logging] section before anything else runs.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logging.Configure(logging.ParseLevel(cfg.Logging.Level), logging.Format(cfg.Logging.Format), os.Stderr)
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT, SIGTERM, or SIGHUP,
// delegating the actual watching to the stdlib rather than hand-rolling a
// goroutine.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
}

func runWithBackend(cfg *config.Config, backend bk.Backend, clientIP net.IP) error {
	o, err := buildOrchestrator(cfg, backend, clientIP)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	return o.Run(ctx)
}

func parseClientIP(s string) (net.IP, error) {
	if s == "" {
		return nil, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("invalid -client-ip %q", s)
	}
	return ip, nil
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the censorlab TOML configuration")
	return fs, configPath
}
