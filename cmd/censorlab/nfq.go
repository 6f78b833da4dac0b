// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"fmt"
	"time"

	"censorlab.dev/censorlab/internal/backend/nfq"
)

func runNFQ(args []string) error {
	fs, configPath := newFlagSet("nfq")
	iface := fs.String("iface", "", "interface the NFQUEUE rules and raw socket bind to")
	table := fs.String("table", "filter", "iptables table to install rules into")
	chain := fs.String("chain", "FORWARD", "iptables chain to install rules into")
	inboundQueue := fs.Uint("inbound-queue", 0, "NFQUEUE number for traffic entering -iface")
	outboundQueue := fs.Uint("outbound-queue", 1, "NFQUEUE number for traffic leaving -iface")
	maxPacketLen := fs.Uint("max-packet-len", 0xFFFF, "NFQUEUE copy range in bytes")
	maxQueueLen := fs.Uint("max-queue-len", 1024, "NFQUEUE queue depth")
	writeTimeout := fs.Duration("write-timeout", 10*time.Millisecond, "raw socket write timeout for Reset/Delay retransmission")
	clientIPFlag := fs.String("client-ip", "", "protected client's IP, for ArpCache resolution (direction comes from the queue)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" || *iface == "" || *clientIPFlag == "" {
		return fmt.Errorf("nfq requires -config, -iface, and -client-ip")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	clientIP, err := parseClientIP(*clientIPFlag)
	if err != nil {
		return err
	}

	backend, err := nfq.New(nfq.Config{
		Table:            *table,
		Chain:            *chain,
		InboundQueueNum:  uint16(*inboundQueue),
		OutboundQueueNum: uint16(*outboundQueue),
		Interface:        *iface,
		ClientIP:         clientIP,
		MaxPacketLen:     uint32(*maxPacketLen),
		MaxQueueLen:      uint32(*maxQueueLen),
		WriteTimeout:     *writeTimeout,
	})
	if err != nil {
		return fmt.Errorf("open nfq backend: %w", err)
	}

	return runWithBackend(cfg, backend, clientIP)
}
