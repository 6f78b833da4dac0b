// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"net"
	"time"

	"censorlab.dev/censorlab/internal/action"
	"censorlab.dev/censorlab/internal/decoder"
)

// FiveTuple is the initiating direction's 5-tuple, captured so derived
// direction stays stable for the flow's whole lifetime.
type FiveTuple struct {
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
	Proto            Proto
}

// PacketDirection reports how pkt's 5-tuple relates to the flow's
// initiating 5-tuple: FromInitiator, ToInitiator, or unrelated (None).
type PacketDirection int

const (
	DirNone PacketDirection = iota
	DirFromInitiator
	DirToInitiator
)

// Direction computes pkt's relationship to ft.
func (ft FiveTuple) Direction(p *decoder.Packet) PacketDirection {
	src, dst := p.SrcIP(), p.DstIP()
	if ft.SrcIP.Equal(src) && ft.SrcPort == p.SrcPort && ft.DstIP.Equal(dst) && ft.DstPort == p.DstPort {
		return DirFromInitiator
	}
	if ft.SrcIP.Equal(dst) && ft.SrcPort == p.DstPort && ft.DstIP.Equal(src) && ft.DstPort == p.SrcPort {
		return DirToInitiator
	}
	return DirNone
}

// PolicyEnv is the per-flow execution environment: either a script scope
// or a ProgramVM environment. It is opaque to the flow package — owned and
// torn down by whichever policy engine created it.
type PolicyEnv interface {
	Close()
}

// State is the per-flow record the FlowTable keeps.
type State struct {
	Key     Key
	Initial FiveTuple
	Env     PolicyEnv

	FirstPacketSeen bool
	FirstPayloadSeen bool

	FinAckFromInitiator bool
	FinAckToInitiator   bool

	Latch action.Latch

	TotalProcessed      uint64
	LastFullyProcessed  time.Time
	lastActivity        time.Time
	created             time.Time
}

// Finished reports whether both directions have observed FIN+ACK, meaning
// the flow may be reaped.
func (s *State) Finished() bool {
	return s.FinAckFromInitiator && s.FinAckToInitiator
}

// Touch records that a packet belonging to this flow was just processed,
// advancing the idle-reap clock.
func (s *State) Touch(now time.Time) {
	s.lastActivity = now
	s.TotalProcessed++
	s.LastFullyProcessed = now
}

// Idle reports whether the flow has been inactive for at least d.
func (s *State) Idle(now time.Time, d time.Duration) bool {
	return now.Sub(s.lastActivity) >= d
}

// ObserveFinAck updates the FIN+ACK latch for whichever direction pkt came
// from.
func (s *State) ObserveFinAck(p *decoder.Packet) {
	if !p.IsTCP() || !(p.TCP.Flags.FIN && p.TCP.Flags.ACK) {
		return
	}
	switch s.Initial.Direction(p) {
	case DirFromInitiator:
		s.FinAckFromInitiator = true
	case DirToInitiator:
		s.FinAckToInitiator = true
	}
}
