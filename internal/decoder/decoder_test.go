// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package decoder

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"
)

func buildTCPFrame(t *testing.T, srcIP, dstIP net.IP, srcPort, dstPort uint16, flags func(*layers.TCP), payload []byte) []byte {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     1000,
		Ack:     2000,
		Window:  65535,
	}
	if flags != nil {
		flags(tcp)
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func TestDecodeEthernetTCP(t *testing.T) {
	frame := buildTCPFrame(t, net.IPv4(10, 0, 0, 2), net.IPv4(93, 184, 216, 34), 45000, 80,
		func(tcp *layers.TCP) { tcp.SYN = true }, nil)

	pkt, err := DecodeEthernet(frame)
	require.NoError(t, err)
	require.Equal(t, IPv4, pkt.IPVer)
	require.Equal(t, L4TCP, pkt.L4)
	require.True(t, pkt.TCP.Flags.SYN)
	require.Equal(t, uint16(45000), pkt.SrcPort)
	require.Equal(t, uint16(80), pkt.DstPort)
	require.Equal(t, "93.184.216.34", pkt.DstIP().String())
}

func TestDecodeEthernetPayload(t *testing.T) {
	payload := []byte("hello world")
	frame := buildTCPFrame(t, net.IPv4(10, 0, 0, 2), net.IPv4(1, 1, 1, 1), 5555, 443,
		func(tcp *layers.TCP) { tcp.PSH, tcp.ACK = true, true }, payload)

	pkt, err := DecodeEthernet(frame)
	require.NoError(t, err)
	require.Equal(t, payload, pkt.Payload)
	// Payload must be an owned copy, not aliased into the frame buffer.
	frame[len(frame)-1] = 'X'
	require.Equal(t, byte('d'), pkt.Payload[len(pkt.Payload)-1])
}

func TestDeriveDirection(t *testing.T) {
	clientIP := net.IPv4(10, 0, 0, 2)

	frame := buildTCPFrame(t, clientIP, net.IPv4(1, 1, 1, 1), 5555, 443, nil, nil)
	pkt, err := DecodeEthernet(frame)
	require.NoError(t, err)
	require.Equal(t, DirClientToWan, DeriveDirection(pkt, clientIP))

	frame2 := buildTCPFrame(t, net.IPv4(1, 1, 1, 1), clientIP, 443, 5555, nil, nil)
	pkt2, err := DecodeEthernet(frame2)
	require.NoError(t, err)
	require.Equal(t, DirWanToClient, DeriveDirection(pkt2, clientIP))
}

func TestShannonEntropyBounds(t *testing.T) {
	require.Equal(t, 0.0, ShannonEntropy(nil))
	require.Equal(t, 0.0, ShannonEntropy([]byte{}))
	require.InDelta(t, 0.0, ShannonEntropy([]byte{1, 1, 1, 1}), 1e-9)

	random := make([]byte, 256)
	for i := range random {
		random[i] = byte(i)
	}
	v := ShannonEntropy(random)
	require.GreaterOrEqual(t, v, 0.0)
	require.LessOrEqual(t, v, 1.0)
	require.Greater(t, v, 0.9) // uniform over all 256 byte values: near-max entropy
}

func TestAvgPopcount(t *testing.T) {
	require.Equal(t, 0.0, AvgPopcount(nil))
	require.InDelta(t, 8.0, AvgPopcount([]byte{0xFF, 0xFF}), 1e-9)
	require.InDelta(t, 0.0, AvgPopcount([]byte{0x00, 0x00}), 1e-9)
}
