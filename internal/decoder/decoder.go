// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package decoder

import (
	"fmt"
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	cerrors "censorlab.dev/censorlab/internal/errors"
)

// ErrorLayer names which layer a parse error occurred in.
type ErrorLayer int

const (
	LayerEthernet ErrorLayer = iota
	LayerIPv4
	LayerIPv6
	LayerTCP
	LayerUDP
	LayerUnknownInternet
	LayerUnknownTransport
)

func (l ErrorLayer) String() string {
	switch l {
	case LayerEthernet:
		return "ethernet"
	case LayerIPv4:
		return "ipv4"
	case LayerIPv6:
		return "ipv6"
	case LayerTCP:
		return "tcp"
	case LayerUDP:
		return "udp"
	case LayerUnknownInternet:
		return "unknown-internet"
	default:
		return "unknown-transport"
	}
}

// ParseError is a typed decode failure, carrying which layer failed.
type ParseError struct {
	Layer ErrorLayer
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("decoder: %s: %v", e.Layer, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func newParseErr(layer ErrorLayer, format string, args ...any) error {
	pe := &ParseError{Layer: layer, Err: fmt.Errorf(format, args...)}
	return cerrors.Wrap(pe, cerrors.KindParse, pe.Error())
}

// UnknownAction is what the Decoder falls back to for payloads whose next
// protocol isn't TCP/UDP; it is supplied by the [ip] config section's
// `unknown` default and only consulted by callers, not by Decode itself.
type UnknownAction int

// DecodeEthernet decodes a full Ethernet frame (used by the Wire and PCAP
// back-ends, where the L2 header is present in the captured bytes).
func DecodeEthernet(data []byte) (*Packet, error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)
	return fromGopacket(pkt)
}

// DecodeEthertype decodes an L3 PDU whose ethertype is known out of band
// (the NFQ back-end's hw_protocol field) rather than carried in an Ethernet
// header that was never delivered.
func DecodeEthertype(data []byte, ethertype layers.EthernetType) (*Packet, error) {
	var first gopacket.LayerType
	switch ethertype {
	case layers.EthernetTypeIPv4:
		first = layers.LayerTypeIPv4
	case layers.EthernetTypeIPv6:
		first = layers.LayerTypeIPv6
	default:
		return nil, newParseErr(LayerUnknownInternet, "unsupported ethertype %v", ethertype)
	}
	pkt := gopacket.NewPacket(data, first, gopacket.NoCopy)
	return fromGopacket(pkt)
}

func fromGopacket(pkt gopacket.Packet) (*Packet, error) {
	if err := pkt.ErrorLayer(); err != nil {
		return nil, newParseErr(LayerEthernet, "%v", err.Error())
	}

	out := &Packet{}
	if meta := pkt.Metadata(); meta != nil && !meta.Timestamp.IsZero() {
		out.HasTimestamp = true
		out.TimestampSec = float64(meta.Timestamp.UnixNano()) / 1e9
	}

	var (
		sawIP   bool
		nextL4  uint8
	)

	if v4 := pkt.Layer(layers.LayerTypeIPv4); v4 != nil {
		ip := v4.(*layers.IPv4)
		if int(ip.IHL)*4 > len(ip.Contents)+len(ip.Payload) {
			return nil, newParseErr(LayerIPv4, "header-len %d exceeds packet", ip.IHL*4)
		}
		out.IPVer = IPv4
		out.IPv4 = IPv4Meta{
			HeaderLen:      int(ip.IHL) * 4,
			TotalLen:       int(ip.Length),
			TTL:            ip.TTL,
			NextProto:      uint8(ip.Protocol),
			Src:            ip.SrcIP,
			Dst:            ip.DstIP,
			DSCP:           uint8(ip.TOS >> 2),
			ECN:            uint8(ip.TOS & 0x3),
			Identification: ip.Id,
			DontFragment:   ip.Flags&layers.IPv4DontFragment != 0,
			MoreFragments:  ip.Flags&layers.IPv4MoreFragments != 0,
			FragOffset:     ip.FragOffset,
			Checksum:       ip.Checksum,
		}
		nextL4 = uint8(ip.Protocol)
		sawIP = true
	} else if v6 := pkt.Layer(layers.LayerTypeIPv6); v6 != nil {
		ip := v6.(*layers.IPv6)
		out.IPVer = IPv6
		out.IPv6 = IPv6Meta{
			TrafficClass: ip.TrafficClass,
			FlowLabel:    ip.FlowLabel,
			PayloadLen:   int(ip.Length),
			NextHeader:   uint8(ip.NextHeader),
			HopLimit:     ip.HopLimit,
			Src:          ip.SrcIP,
			Dst:          ip.DstIP,
		}
		nextL4 = uint8(ip.NextHeader)
		sawIP = true
	}

	if !sawIP {
		return nil, newParseErr(LayerUnknownInternet, "no IPv4/IPv6 layer present")
	}

	if tcp := pkt.Layer(layers.LayerTypeTCP); tcp != nil {
		t := tcp.(*layers.TCP)
		hlen := int(t.DataOffset) * 4
		if hlen > len(t.Contents)+len(t.Payload) {
			return nil, newParseErr(LayerTCP, "header-len %d exceeds segment", hlen)
		}
		out.L4 = L4TCP
		out.TCP = TCPMeta{
			Seq:       t.Seq,
			Ack:       t.Ack,
			HeaderLen: hlen,
			UrgentPtr: t.Urgent,
			Window:    t.Window,
			Flags: TCPFlags{
				FIN: t.FIN, SYN: t.SYN, RST: t.RST, PSH: t.PSH,
				ACK: t.ACK, URG: t.URG, ECE: t.ECE, CWR: t.CWR, NS: t.NS,
			},
			SrcPort: uint16(t.SrcPort),
			DstPort: uint16(t.DstPort),
		}
		out.SrcPort = uint16(t.SrcPort)
		out.DstPort = uint16(t.DstPort)
		out.Payload = append([]byte(nil), t.Payload...)
	} else if udp := pkt.Layer(layers.LayerTypeUDP); udp != nil {
		u := udp.(*layers.UDP)
		out.L4 = L4UDP
		out.UDP = UDPMeta{
			Length:   u.Length,
			Checksum: u.Checksum,
			SrcPort:  uint16(u.SrcPort),
			DstPort:  uint16(u.DstPort),
		}
		out.SrcPort = uint16(u.SrcPort)
		out.DstPort = uint16(u.DstPort)
		out.Payload = append([]byte(nil), u.Payload...)
	} else {
		// Non-TCP/UDP next-proto: no payload retained, caller applies the
		// configured ip.unknown default action.
		_ = nextL4
		out.L4 = L4None
	}

	return out, nil
}

// DeriveDirection computes direction for frames that arrive without one
// (PCAP replay): src==clientIP => client->wan,
// dst==clientIP => wan->client, else unknown.
func DeriveDirection(p *Packet, clientIP net.IP) Direction {
	if clientIP == nil {
		return DirUnknown
	}
	if src := p.SrcIP(); src != nil && src.Equal(clientIP) {
		return DirClientToWan
	}
	if dst := p.DstIP(); dst != nil && dst.Equal(clientIP) {
		return DirWanToClient
	}
	return DirUnknown
}
