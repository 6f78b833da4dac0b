// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package reset

import (
	"fmt"
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"censorlab.dev/censorlab/internal/action"
	cerrors "censorlab.dev/censorlab/internal/errors"
)

// DefaultRepeat is the operator-tunable reset_repeat default.
const DefaultRepeat = 5

// Pair is the (client_reset, server_reset) bidirectional RST pair
// ResetBuilder produces for a captured flow state.
type Pair struct {
	ClientReset []byte // sent toward the client
	ServerReset []byte // sent toward the server
}

// Build crafts the RST pair described by p: the client-facing RST uses
// ack = seq + payload_len (so the client accepts it as the next expected
// ack for the bytes it just sent); the server-facing RST uses ack = ack
// verbatim.
func Build(p action.ResetParams) (*Pair, error) {
	clientFrame, err := buildFrame(
		p.DstMAC, p.SrcMAC, // dst->src swapped: heading toward the client
		p.DstIP, p.SrcIP,
		p.IPv6, p.IPID, p.HasIPID,
		p.DstPort, p.SrcPort,
		p.Ack, p.Seq+uint32(p.PayloadLen),
	)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindRuntime, "build client-facing reset")
	}

	serverFrame, err := buildFrame(
		p.SrcMAC, p.DstMAC, // unswapped: heading toward the server
		p.SrcIP, p.DstIP,
		p.IPv6, p.IPID, p.HasIPID,
		p.SrcPort, p.DstPort,
		p.Seq, p.Ack,
	)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindRuntime, "build server-facing reset")
	}

	return &Pair{ClientReset: clientFrame, ServerReset: serverFrame}, nil
}

func buildFrame(srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP net.IP, ipv6 bool, ipid uint16, hasIPID bool,
	sport, dport uint16, seq, ack uint32) ([]byte, error) {

	eth := &layers.Ethernet{
		SrcMAC: srcMAC, DstMAC: dstMAC,
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		Seq:     seq,
		Ack:     ack,
		ACK:     true,
		RST:     true,
		Window:  0,
	}

	var networkLayer gopacket.NetworkLayer
	var ipLayer gopacket.SerializableLayer

	if ipv6 {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip6 := &layers.IPv6{
			Version:    6,
			NextHeader: layers.IPProtocolTCP,
			HopLimit:   64,
			SrcIP:      srcIP,
			DstIP:      dstIP,
		}
		networkLayer, ipLayer = ip6, ip6
	} else {
		eth.EthernetType = layers.EthernetTypeIPv4
		id := uint16(0)
		if hasIPID {
			id = ipid
		}
		ip4 := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Id:       id,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    srcIP,
			DstIP:    dstIP,
		}
		networkLayer, ipLayer = ip4, ip4
	}

	if err := tcp.SetNetworkLayerForChecksum(networkLayer); err != nil {
		return nil, fmt.Errorf("set checksum network layer: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ipLayer, tcp); err != nil {
		return nil, fmt.Errorf("serialize reset frame: %w", err)
	}
	return append([]byte(nil), buf.Bytes()...), nil
}
