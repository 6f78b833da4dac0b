// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"fmt"

	"censorlab.dev/censorlab/internal/backend/wire"
)

func runWire(args []string) error {
	fs, configPath := newFlagSet("wire")
	clientIface := fs.String("client-iface", "", "interface facing the protected client")
	wanIface := fs.String("wan-iface", "", "interface facing the WAN")
	clientIPFlag := fs.String("client-ip", "", "protected client's IP (wire frames carry their own direction and MACs, so it is not consulted in this mode)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" || *clientIface == "" || *wanIface == "" {
		return fmt.Errorf("wire requires -config, -client-iface, and -wan-iface")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	clientIP, err := parseClientIP(*clientIPFlag)
	if err != nil {
		return err
	}

	backend, err := wire.New(wire.Config{ClientInterface: *clientIface, WanInterface: *wanIface})
	if err != nil {
		return fmt.Errorf("open wire backend: %w", err)
	}

	return runWithBackend(cfg, backend, clientIP)
}
