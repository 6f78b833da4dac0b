// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"fmt"

	"censorlab.dev/censorlab/internal/backend/pcap"
)

func runPCAP(args []string) error {
	fs, configPath := newFlagSet("pcap")
	file := fs.String("file", "", "capture file to replay (pcap or pcap-ng)")
	clientIPFlag := fs.String("client-ip", "", "protected client's IP, for direction derivation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" || *file == "" {
		return fmt.Errorf("pcap requires -config and -file")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	clientIP, err := parseClientIP(*clientIPFlag)
	if err != nil {
		return err
	}

	backend, err := pcap.New(pcap.Config{Path: *file})
	if err != nil {
		return fmt.Errorf("open pcap backend: %w", err)
	}

	return runWithBackend(cfg, backend, clientIP)
}
