// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package reset

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"

	"censorlab.dev/censorlab/internal/action"
)

func TestBuildResetPairFieldsScenario3(t *testing.T) {
	// A PSH-ACK with payload_len=17: client seq=client_seq, ack=client_ack.
	params := action.ResetParams{
		SrcMAC:     net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:     net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		SrcIP:      net.IPv4(10, 0, 0, 2).To4(),
		DstIP:      net.IPv4(93, 184, 216, 34).To4(),
		SrcPort:    45000,
		DstPort:    80,
		Seq:        1000,
		Ack:        2000,
		PayloadLen: 17,
	}

	pair, err := Build(params)
	require.NoError(t, err)

	server := decodeTCP(t, pair.ServerReset)
	require.EqualValues(t, 45000, server.SrcPort)
	require.EqualValues(t, 80, server.DstPort)
	require.EqualValues(t, 1000, server.Seq)
	require.EqualValues(t, 2000, server.Ack)
	require.True(t, server.ACK && server.RST)

	client := decodeTCP(t, pair.ClientReset)
	require.EqualValues(t, 80, client.SrcPort)
	require.EqualValues(t, 45000, client.DstPort)
	require.EqualValues(t, 2000, client.Seq)
	require.EqualValues(t, 1017, client.Ack) // seq + payload_len, per open question (a)
	require.True(t, client.ACK && client.RST)
}

func decodeTCP(t *testing.T, frame []byte) *layers.TCP {
	t.Helper()
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	tcp := pkt.Layer(layers.LayerTypeTCP)
	require.NotNil(t, tcp)
	return tcp.(*layers.TCP)
}

func TestArpCacheResolveFallsBackToZero(t *testing.T) {
	c := NewArpCache()
	c.scan = func() (map[string]net.HardwareAddr, error) { return nil, nil }
	c.gateway = func() (net.IP, error) { return nil, nil }

	mac := c.Resolve(net.IPv4(10, 0, 0, 2), net.IPv4(10, 0, 0, 9))
	require.Equal(t, net.HardwareAddr{0, 0, 0, 0, 0, 0}, mac)
}

func TestArpCacheResolveMemoizesScan(t *testing.T) {
	calls := 0
	c := NewArpCache()
	want, _ := net.ParseMAC("02:00:00:00:00:09")
	c.scan = func() (map[string]net.HardwareAddr, error) {
		calls++
		return map[string]net.HardwareAddr{"10.0.0.2": want}, nil
	}

	mac, ok := c.Lookup(net.IPv4(10, 0, 0, 2))
	require.True(t, ok)
	require.Equal(t, want, mac)

	_, _ = c.Lookup(net.IPv4(10, 0, 0, 2))
	require.Equal(t, 1, calls, "scan must be memoized after the first lookup")
}
