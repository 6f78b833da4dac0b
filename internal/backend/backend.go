// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package backend defines the Orchestrator's back-end contract: a source
// of frames to decode and a sink for the verdicts the policy pipeline
// reaches. NFQ, PCAP replay, and Wire each implement it differently, but
// the Orchestrator drives all three through this one interface.
package backend

import (
	"context"

	"github.com/gopacket/gopacket/layers"

	"censorlab.dev/censorlab/internal/decoder"
	"censorlab.dev/censorlab/internal/delay"
)

// L2Hint tells the caller how to decode Frame.Data: either a full Ethernet
// frame is present, or only an L3 PDU is, with Ethertype supplied out of
// band (NFQ's hw_protocol).
type L2Hint struct {
	HasEthernet bool
	Ethertype   layers.EthernetType
}

// Frame is one polled unit of work. Handle is opaque outside the back-end
// that produced it (e.g. NFQ's packet ID); Accept/Drop/Reset pass it back
// unexamined so the back-end can enact the verdict on the right packet.
type Frame struct {
	Data      []byte
	L2        L2Hint
	Direction decoder.Direction // DirUnknown if the back-end has no client/WAN notion
	Index     uint64            // monotonic poll sequence number, used for logging
	Handle    any
}

// Backend is the Orchestrator's only way of touching the outside world.
// Every method may be called from the single Orchestrator task; none may
// block indefinitely except Poll, which is one of the loop's suspension
// points.
type Backend interface {
	// Poll blocks until a frame is available, ctx is cancelled, or the
	// back-end is exhausted (PCAP EOF), in which case it returns
	// io.EOF.
	Poll(ctx context.Context) (*Frame, error)

	// Accept forwards f unchanged.
	Accept(f *Frame) error

	// Drop discards f.
	Drop(f *Frame) error

	// Reset emits clientReset toward the client and serverReset toward the
	// server, each repeated `repeat` times, then discards f.
	Reset(f *Frame, clientReset, serverReset []byte, repeat int) error

	// Prepare returns the bytes to hand to the Delayer for a Delay verdict
	// on f. Back-ends that already see a full Ethernet frame (Wire, PCAP)
	// return f.Data unchanged; NFQ, which only sees the L3 PDU, stamps on
	// an Ethernet header resolved the same way ResetBuilder resolves one.
	Prepare(f *Frame) ([]byte, error)

	// OpenSender opens a fresh send-only raw socket for the Delayer to own
	// exclusively, rather than sharing the back-end's. dir picks which
	// physical interface a back-end with two (Wire) sends through;
	// back-ends with only one (NFQ) or none (PCAP replay) ignore it.
	OpenSender(dir decoder.Direction) (delay.Sender, error)

	// Shutdown tears down whatever OS resources the back-end holds
	// (iptables rules, raw sockets, open capture files).
	Shutdown() error
}
