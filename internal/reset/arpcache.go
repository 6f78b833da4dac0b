// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package reset implements ArpCache (IP->MAC resolution for RST crafting)
// and ResetBuilder (bidirectional RST pair construction).
package reset

import (
	"net"
	"sync"

	"censorlab.dev/censorlab/internal/logging"
)

// ArpCache maps IP to MAC, backed by a lazy, memoized scan of the host ARP
// table. It resolves MACs in NFQ mode, where no Ethernet header was
// delivered with the packet, for crafted RST packets and for the Ethernet
// header wrapped around delayed packets.
type ArpCache struct {
	mu      sync.Mutex
	entries map[string]net.HardwareAddr
	scanned bool
	scan    func() (map[string]net.HardwareAddr, error)
	gateway func() (net.IP, error)
}

// NewArpCache builds an ArpCache backed by the platform's ARP table scan
// (scanARPTable) and default-route lookup (defaultGateway); both are
// resolved per build tag (Linux reads /proc/net/arp and uses
// github.com/vishvananda/netlink; other platforms always miss).
func NewArpCache() *ArpCache {
	return &ArpCache{
		entries: make(map[string]net.HardwareAddr),
		scan:    scanARPTable,
		gateway: defaultGateway,
	}
}

func (c *ArpCache) ensureScanned() {
	if c.scanned {
		return
	}
	c.scanned = true
	entries, err := c.scan()
	if err != nil {
		logging.WithComponent("arpcache").Debug("arp table scan failed", "error", err)
		return
	}
	for ip, mac := range entries {
		c.entries[ip] = mac
	}
}

// Lookup resolves ip to a MAC, scanning the ARP table on first use and
// memoizing the result thereafter.
func (c *ArpCache) Lookup(ip net.IP) (net.HardwareAddr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureScanned()
	mac, ok := c.entries[ip.String()]
	return mac, ok
}

// Resolve implements three-tier MAC resolution: (a) ARP cache lookup, (b)
// default-route MAC if ip is not the local client IP, (c) zeroed MAC
// otherwise.
func (c *ArpCache) Resolve(ip net.IP, clientIP net.IP) net.HardwareAddr {
	if mac, ok := c.Lookup(ip); ok {
		return mac
	}
	if clientIP == nil || !ip.Equal(clientIP) {
		if gw, err := c.gateway(); err == nil && gw != nil {
			if mac, ok := c.Lookup(gw); ok {
				return mac
			}
		}
	}
	return make(net.HardwareAddr, 6)
}
