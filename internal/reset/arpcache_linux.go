// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package reset

import (
	"bufio"
	"net"
	"os"
	"strings"

	"github.com/vishvananda/netlink"
)

// scanARPTable reads the kernel's neighbor table from /proc/net/arp, the
// same table `arp -a` surfaces.
func scanARPTable() (map[string]net.HardwareAddr, error) {
	f, err := os.Open("/proc/net/arp")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries := make(map[string]net.HardwareAddr)
	sc := bufio.NewScanner(f)
	first := true
	for sc.Scan() {
		if first {
			first = false
			continue // header row
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		ip := fields[0]
		mac, err := net.ParseMAC(fields[3])
		if err != nil || mac.String() == "00:00:00:00:00:00" {
			continue
		}
		entries[ip] = mac
	}
	return entries, sc.Err()
}

// defaultGateway returns the next-hop IP of the system's default route via
// github.com/vishvananda/netlink.
func defaultGateway() (net.IP, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, err
	}
	for _, r := range routes {
		if r.Dst == nil && r.Gw != nil {
			return r.Gw, nil
		}
	}
	return nil, nil
}
