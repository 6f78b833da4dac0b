// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// censorlabctl is the control-plane client: it pushes model updates into a
// running censorlab process and asks it to shut down, over the same wire
// protocol internal/ctlplane defines.
package main

import (
	"flag"
	"fmt"
	"os"

	"censorlab.dev/censorlab/internal/ctlplane"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "censorlabctl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		return usageError()
	}

	switch args[0] {
	case "send-model":
		return runSendModel(args[1:])
	case "shutdown":
		return runShutdown(args[1:])
	default:
		return usageError()
	}
}

func usageError() error {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  censorlabctl send-model -addr <host:port> <tcp|udp> <model.onnx> <metadata.json>")
	fmt.Fprintln(os.Stderr, "  censorlabctl shutdown -addr <host:port>")
	return fmt.Errorf("missing subcommand")
}

func runSendModel(args []string) error {
	fs := flag.NewFlagSet("send-model", flag.ContinueOnError)
	addr := fs.String("addr", "127.0.0.1:25716", "control-plane listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) != 3 {
		return fmt.Errorf("send-model requires <tcp|udp> <model.onnx> <metadata.json>")
	}

	scope, err := ctlplane.ParseScope(rest[0])
	if err != nil {
		return err
	}
	if err := ctlplane.SendModel(*addr, scope, rest[1], rest[2]); err != nil {
		return fmt.Errorf("send-model: %w", err)
	}
	fmt.Printf("model loaded for %s scope\n", scope)
	return nil
}

func runShutdown(args []string) error {
	fs := flag.NewFlagSet("shutdown", flag.ContinueOnError)
	addr := fs.String("addr", "127.0.0.1:25716", "control-plane listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := ctlplane.SendShutdown(*addr); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	fmt.Println("shutdown requested")
	return nil
}
