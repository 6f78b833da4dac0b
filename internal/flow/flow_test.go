// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"censorlab.dev/censorlab/internal/decoder"
)

func tcpPacket(src net.IP, sport uint16, dst net.IP, dport uint16, fin, ack bool) *decoder.Packet {
	p := &decoder.Packet{IPVer: decoder.IPv4, L4: decoder.L4TCP}
	p.IPv4.Src, p.IPv4.Dst = src, dst
	p.SrcPort, p.DstPort = sport, dport
	p.TCP.SrcPort, p.TCP.DstPort = sport, dport
	p.TCP.Flags.FIN, p.TCP.Flags.ACK = fin, ack
	return p
}

func TestKeyIsDirectionInsensitive(t *testing.T) {
	a := net.IPv4(10, 0, 0, 2)
	b := net.IPv4(1, 1, 1, 1)

	k1 := NewKey(a, 5555, b, 443, ProtoTCP)
	k2 := NewKey(b, 443, a, 5555, ProtoTCP)
	require.Equal(t, k1, k2)

	k3 := NewKey(a, 5555, b, 443, ProtoUDP)
	require.NotEqual(t, k1, k3)
}

func TestLookupOrCreateAndReuse(t *testing.T) {
	tbl := New(nil, time.Minute, nil)
	a, b := net.IPv4(10, 0, 0, 2), net.IPv4(1, 1, 1, 1)

	p1 := tcpPacket(a, 5555, b, 443, false, false)
	s1, created := tbl.LookupOrCreate(p1, time.Now())
	require.True(t, created)
	require.Equal(t, 1, tbl.Len())

	p2 := tcpPacket(b, 443, a, 5555, false, true)
	s2, created2 := tbl.LookupOrCreate(p2, time.Now())
	require.False(t, created2)
	require.Same(t, s1, s2)
}

func TestFinAckBothDirectionsFinishes(t *testing.T) {
	tbl := New(nil, time.Minute, nil)
	a, b := net.IPv4(10, 0, 0, 2), net.IPv4(1, 1, 1, 1)

	p1 := tcpPacket(a, 5555, b, 443, false, false)
	s, _ := tbl.LookupOrCreate(p1, time.Now())
	require.False(t, s.Finished())

	finFromInitiator := tcpPacket(a, 5555, b, 443, true, true)
	tbl.LookupOrCreate(finFromInitiator, time.Now())
	require.True(t, s.FinAckFromInitiator)
	require.False(t, s.Finished())

	finToInitiator := tcpPacket(b, 443, a, 5555, true, true)
	tbl.LookupOrCreate(finToInitiator, time.Now())
	require.True(t, s.FinAckToInitiator)
	require.True(t, s.Finished())
}

func TestReapRemovesFinishedAndIdleFlows(t *testing.T) {
	tbl := New(nil, time.Millisecond, nil)
	a, b := net.IPv4(10, 0, 0, 2), net.IPv4(1, 1, 1, 1)

	p1 := tcpPacket(a, 5555, b, 443, false, false)
	tbl.LookupOrCreate(p1, time.Now())
	require.Equal(t, 1, tbl.Len())

	time.Sleep(2 * time.Millisecond)
	removed := tbl.Reap(time.Now())
	require.Equal(t, 1, removed)
	require.Equal(t, 0, tbl.Len())

	// A finished TCP flow is reaped even though it is far from idle.
	fin := New(nil, time.Hour, nil)
	fin.LookupOrCreate(tcpPacket(a, 5555, b, 443, true, true), time.Now())
	fin.LookupOrCreate(tcpPacket(b, 443, a, 5555, true, true), time.Now())
	require.Equal(t, 1, fin.Reap(time.Now()))
	require.Equal(t, 0, fin.Len())
}
