// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flow implements FlowKey identity and the FlowTable that owns
// every active FlowState.
package flow

import (
	"bytes"
	"fmt"
	"net"

	"censorlab.dev/censorlab/internal/decoder"
)

// Endpoint is one side of a flow's 5-tuple. IP is the endpoint's address
// canonicalized to its 16-byte form so Endpoint, and therefore Key, stays
// comparable and usable as a map key (net.IP is a slice and is not).
type Endpoint struct {
	IP   [16]byte
	Port uint16
}

// Proto is the transport protocol carried by a FlowKey.
type Proto int

const (
	ProtoTCP Proto = iota
	ProtoUDP
)

// Key is the canonicalized, direction-insensitive flow identifier: an
// unordered pair of endpoints plus transport protocol, so a packet and its
// reverse both hash to the same Key.
type Key struct {
	a, b  Endpoint
	proto Proto
}

func toEndpoint(ip net.IP, port uint16) Endpoint {
	e := Endpoint{Port: port}
	copy(e.IP[:], ip.To16())
	return e
}

// NewKey canonicalizes (ipA,portA)<->(ipB,portB) over proto so that the
// same unordered pair always produces an identical Key regardless of which
// side is "src" and which is "dst".
func NewKey(ipA net.IP, portA uint16, ipB net.IP, portB uint16, proto Proto) Key {
	a := toEndpoint(ipA, portA)
	b := toEndpoint(ipB, portB)
	if endpointLess(b, a) {
		a, b = b, a
	}
	return Key{a: a, b: b, proto: proto}
}

// KeyForPacket derives the canonical Key for a decoded packet.
func KeyForPacket(p *decoder.Packet) Key {
	proto := ProtoUDP
	if p.IsTCP() {
		proto = ProtoTCP
	}
	return NewKey(p.SrcIP(), p.SrcPort, p.DstIP(), p.DstPort, proto)
}

func endpointLess(x, y Endpoint) bool {
	if x.IP != y.IP {
		return bytes.Compare(x.IP[:], y.IP[:]) < 0
	}
	return x.Port < y.Port
}

// String renders the Key as a stable, human-readable identifier suitable
// for use as a map key or log attribute.
func (k Key) String() string {
	protoStr := "udp"
	if k.proto == ProtoTCP {
		protoStr = "tcp"
	}
	aIP, bIP := net.IP(k.a.IP[:]), net.IP(k.b.IP[:])
	return fmt.Sprintf("%s:%d<->%s:%d/%s", aIP, k.a.Port, bIP, k.b.Port, protoStr)
}
