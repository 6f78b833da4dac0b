// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nfq

import (
	"testing"

	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"
)

func TestBuildRulesTagsBothDirections(t *testing.T) {
	cfg := Config{Chain: "FORWARD", Interface: "eth0", InboundQueueNum: 3, OutboundQueueNum: 4}
	rules := buildRules(cfg)
	require.Len(t, rules, 2)

	for _, r := range rules {
		require.Equal(t, "-I", r.addArgs[0])
		require.Equal(t, "-D", r.tagArgs[0])
		require.Contains(t, r.addArgs, "CENSORLAB-NFQ-IN")
		joined := false
		for _, a := range r.addArgs {
			if a == "CENSORLAB-NFQ-IN" || a == "CENSORLAB-NFQ-OUT" {
				joined = true
			}
		}
		require.True(t, joined)
	}

	require.Contains(t, rules[0].addArgs, "3")
	require.Contains(t, rules[1].addArgs, "4")
}

func TestEthertypeFromHwProtocolSwapsByteOrder(t *testing.T) {
	// 0x0008 on the wire (network byte order) is IPv4 (0x0800) once swapped.
	hw := uint16(0x0008)
	require.Equal(t, layers.EthernetTypeIPv4, ethertypeFromHwProtocol(&hw))

	require.Equal(t, layers.EthernetTypeIPv4, ethertypeFromHwProtocol(nil))
}

func TestPeekDstIPv4(t *testing.T) {
	data := make([]byte, 20)
	data[16], data[17], data[18], data[19] = 10, 0, 0, 1
	ip, err := peekDstIP(data, layers.EthernetTypeIPv4)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", ip.String())
}

func TestPeekDstIPTooShort(t *testing.T) {
	_, err := peekDstIP(make([]byte, 4), layers.EthernetTypeIPv4)
	require.Error(t, err)
}
