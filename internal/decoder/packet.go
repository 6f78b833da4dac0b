// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package decoder turns raw frame bytes into the owned Packet snapshot the
// rest of CensorLab's pipeline operates on. It wraps
// github.com/gopacket/gopacket's layer decoding so parsing itself rides on
// a maintained parser, while Packet never aliases the caller's buffer.
package decoder

import "net"

// Direction tags which side of a flow a packet travelled.
type Direction int

const (
	DirUnknown Direction = iota
	DirClientToWan
	DirWanToClient
)

func (d Direction) String() string {
	switch d {
	case DirClientToWan:
		return "client_to_wan"
	case DirWanToClient:
		return "wan_to_client"
	default:
		return "unknown"
	}
}

// IPVersion discriminates the L3 metadata carried by a Packet.
type IPVersion int

const (
	IPNone IPVersion = iota
	IPv4
	IPv6
)

// L4Proto discriminates the L4 metadata carried by a Packet.
type L4Proto int

const (
	L4None L4Proto = iota
	L4TCP
	L4UDP
)

// IPv4Meta holds the IPv4 header fields the pipeline cares about.
type IPv4Meta struct {
	HeaderLen   int
	TotalLen    int
	TTL         uint8
	NextProto   uint8
	Src, Dst    net.IP
	DSCP        uint8
	ECN         uint8
	Identification uint16
	DontFragment   bool
	MoreFragments  bool
	FragOffset     uint16
	Checksum       uint16
}

// IPv6Meta holds the IPv6 header fields the pipeline cares about.
// Extension headers are not processed; NextHeader is taken verbatim.
type IPv6Meta struct {
	TrafficClass uint8
	FlowLabel    uint32
	PayloadLen   int
	NextHeader   uint8
	HopLimit     uint8
	Src, Dst     net.IP
}

// TCPFlags holds the nine TCP flag bits.
type TCPFlags struct {
	FIN, SYN, RST, PSH, ACK, URG, ECE, CWR, NS bool
}

// TCPMeta holds the TCP header fields the pipeline cares about.
type TCPMeta struct {
	Seq, Ack    uint32
	HeaderLen   int
	UrgentPtr   uint16
	Window      uint16
	Flags       TCPFlags
	SrcPort     uint16
	DstPort     uint16
}

// UDPMeta holds the UDP header fields the pipeline cares about.
type UDPMeta struct {
	Length      uint16
	Checksum    uint16
	SrcPort     uint16
	DstPort     uint16
}

// Packet is the owned snapshot every downstream component consumes. It
// never shares backing memory with the frame buffer it was decoded from.
type Packet struct {
	TimestampSec float64 // fractional seconds; zero if unset
	HasTimestamp bool

	IPVer IPVersion
	IPv4  IPv4Meta
	IPv6  IPv6Meta

	L4        L4Proto
	TCP       TCPMeta
	UDP       UDPMeta
	SrcPort   uint16
	DstPort   uint16

	Direction Direction
	Payload   []byte // owned copy of the L4 payload
}

// SrcIP returns the packet's source address regardless of IP version.
func (p *Packet) SrcIP() net.IP {
	if p.IPVer == IPv6 {
		return p.IPv6.Src
	}
	return p.IPv4.Src
}

// DstIP returns the packet's destination address regardless of IP version.
func (p *Packet) DstIP() net.IP {
	if p.IPVer == IPv6 {
		return p.IPv6.Dst
	}
	return p.IPv4.Dst
}

// IsTCP reports whether the L4 layer is TCP.
func (p *Packet) IsTCP() bool { return p.L4 == L4TCP }

// IsUDP reports whether the L4 layer is UDP.
func (p *Packet) IsUDP() bool { return p.L4 == L4UDP }
