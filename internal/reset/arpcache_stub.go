// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package reset

import "net"

// scanARPTable is a stub on non-Linux systems: the kernel ARP table isn't
// exposed the same way, so resolution always falls through to the
// default-route/zeroed MAC tiers.
func scanARPTable() (map[string]net.HardwareAddr, error) {
	return nil, nil
}

// defaultGateway is a stub on non-Linux systems.
func defaultGateway() (net.IP, error) {
	return nil, nil
}
