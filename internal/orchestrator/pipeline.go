// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package orchestrator

import (
	"encoding/binary"
	"errors"
	"net"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"censorlab.dev/censorlab/internal/action"
	bk "censorlab.dev/censorlab/internal/backend"
	"censorlab.dev/censorlab/internal/decoder"
	"censorlab.dev/censorlab/internal/listfilter"
	"censorlab.dev/censorlab/internal/reset"
)

// handleFrame runs one polled frame through every list-filter tier and,
// if it reaches a TCP or UDP flow, that flow's policy environment, then
// enacts whatever action.Action comes back.
func (o *Orchestrator) handleFrame(f *bk.Frame) {
	if o.metrics != nil {
		o.metrics.PacketsProcessed.Inc()
	}

	ethertype := f.L2.Ethertype
	var ethSrc, ethDst net.HardwareAddr
	if f.L2.HasEthernet {
		dst, src, et, ok := peekEthernetAddrs(f.Data)
		if !ok {
			o.log.Debug("frame too short for an ethernet header", "index", f.Index)
			o.enactSimple(f, o.cfg.EthernetUnknown)
			return
		}
		ethDst, ethSrc, ethertype = dst, src, layers.EthernetType(et)

		if act, ok := o.evaluateEthernetTier(ethSrc, ethDst); ok {
			o.enactSimple(f, act)
			return
		}
	}

	switch ethertype {
	case layers.EthernetTypeARP:
		o.handleARP(f)
		return
	case layers.EthernetTypeIPv4, layers.EthernetTypeIPv6:
		// full IP decode below
	default:
		o.enactSimple(f, action.Default)
		return
	}

	pkt, err := o.decodePacket(f, ethertype)
	if err != nil {
		o.handleDecodeError(f, err)
		return
	}
	if f.Direction != decoder.DirUnknown {
		pkt.Direction = f.Direction
	} else {
		pkt.Direction = decoder.DeriveDirection(pkt, o.clientIP)
	}

	if act, ok := o.evaluateIPTier(pkt); ok {
		o.enact(f, pkt, act, ethSrc, ethDst)
		return
	}

	if isICMP(pkt) {
		act, ok := o.cfg.ICMP.Evaluate(pkt.SrcIP().String(), false)
		if !ok {
			act = o.cfg.ICMPUnknown
		}
		o.enact(f, pkt, act, ethSrc, ethDst)
		return
	}

	if pkt.L4 == decoder.L4None {
		o.enact(f, pkt, o.cfg.IPUnknown, ethSrc, ethDst)
		return
	}

	if act, ok := o.evaluateTransportTier(pkt); ok {
		o.enact(f, pkt, act, ethSrc, ethDst)
		return
	}

	now := time.Now()
	state, isNew := o.flows.LookupOrCreate(pkt, now)
	if !isNew {
		state.Touch(now)
	}

	var act action.Action
	if env, ok := state.Env.(PolicyEnv); ok && env != nil {
		act = env.Process(pkt)
	} else {
		o.log.Warn("flow environment does not implement Process, allowing", "flow", state.Key.String())
	}
	o.enact(f, pkt, act, ethSrc, ethDst)
}

func (o *Orchestrator) decodePacket(f *bk.Frame, ethertype layers.EthernetType) (*decoder.Packet, error) {
	if f.L2.HasEthernet {
		return decoder.DecodeEthernet(f.Data)
	}
	return decoder.DecodeEthertype(f.Data, ethertype)
}

func (o *Orchestrator) handleDecodeError(f *bk.Frame, err error) {
	var pe *decoder.ParseError
	if !errors.As(err, &pe) {
		o.log.Error("unexpected decode failure", "error", err, "index", f.Index)
		if dropErr := o.backend.Drop(f); dropErr != nil {
			o.log.Error("drop failed", "error", dropErr)
		}
		return
	}
	o.log.Debug("decode failed", "layer", pe.Layer, "index", f.Index)
	o.enactSimple(f, o.unknownActionForLayer(pe.Layer))
}

func (o *Orchestrator) unknownActionForLayer(l decoder.ErrorLayer) action.Action {
	switch l {
	case decoder.LayerEthernet:
		return o.cfg.EthernetUnknown
	case decoder.LayerTCP:
		return o.cfg.TCPUnknown
	case decoder.LayerUDP:
		return o.cfg.UDPUnknown
	default:
		return o.cfg.IPUnknown
	}
}

func (o *Orchestrator) evaluateEthernetTier(src, dst net.HardwareAddr) (action.Action, bool) {
	return listfilter.RecommendEither(
		func() (action.Action, bool) { return listfilter.EvaluateMAC(o.cfg.Ethernet, dst) },
		func() (action.Action, bool) { return listfilter.EvaluateMAC(o.cfg.Ethernet, src) },
	)
}

func (o *Orchestrator) evaluateIPTier(pkt *decoder.Packet) (action.Action, bool) {
	return listfilter.RecommendEither(
		func() (action.Action, bool) { return listfilter.EvaluateIP(o.cfg.IP, pkt.DstIP()) },
		func() (action.Action, bool) { return listfilter.EvaluateIP(o.cfg.IP, pkt.SrcIP()) },
	)
}

func (o *Orchestrator) evaluateTransportTier(pkt *decoder.Packet) (action.Action, bool) {
	list := o.cfg.TCP
	if pkt.IsUDP() {
		list = o.cfg.UDP
	}
	return listfilter.RecommendEither(
		func() (action.Action, bool) { return listfilter.EvaluatePort(list, pkt.DstPort) },
		func() (action.Action, bool) { return listfilter.EvaluatePort(list, pkt.SrcPort) },
	)
}

// handleARP resolves the IP being asked about (the target of a request, the
// claimed owner of a reply) against the ARP list; it never reaches the flow
// pipeline, since ARP carries no TCP/UDP context to track.
func (o *Orchestrator) handleARP(f *bk.Frame) {
	parsed := gopacket.NewPacket(f.Data, layers.LayerTypeEthernet, gopacket.NoCopy)
	arpLayer := parsed.Layer(layers.LayerTypeARP)
	if arpLayer == nil {
		o.enactSimple(f, action.Default)
		return
	}
	arp := arpLayer.(*layers.ARP)

	target := net.IP(arp.DstProtAddress)
	if arp.Operation == layers.ARPReply {
		target = net.IP(arp.SourceProtAddress)
	}

	act, ok := o.cfg.ARP.Evaluate(target.String(), false)
	if !ok {
		act = o.cfg.ARPUnknown
	}
	o.enactSimple(f, act)
}

func isICMP(pkt *decoder.Packet) bool {
	switch pkt.IPVer {
	case decoder.IPv4:
		return pkt.IPv4.NextProto == 1
	case decoder.IPv6:
		return pkt.IPv6.NextHeader == 58
	default:
		return false
	}
}

// enactSimple enacts an action reached before (or without) a full packet
// decode — the Ethernet tier, the ARP tier, and malformed frames. There is
// no TCP context to build a Reset from, so one is downgraded to a Drop.
func (o *Orchestrator) enactSimple(f *bk.Frame, act action.Action) {
	o.enact(f, nil, act, nil, nil)
}

// enact enacts a verdict reached with a decoded packet in hand. ethSrc/
// ethDst are the frame's own Ethernet addresses when known (Wire, PCAP);
// nil tells enactReset to fall back to ArpCache resolution (NFQ).
func (o *Orchestrator) enact(f *bk.Frame, pkt *decoder.Packet, act action.Action, ethSrc, ethDst net.HardwareAddr) {
	if act.Kind == action.Reset && (pkt == nil || !pkt.IsTCP()) {
		o.log.Warn("reset requested with no tcp context, dropping instead", "index", f.Index)
		act = action.Action{Kind: action.Drop}
	}

	switch act.Kind {
	case action.Drop:
		if err := o.backend.Drop(f); err != nil {
			o.log.Error("drop failed", "error", err)
		}
		if o.metrics != nil {
			o.metrics.PacketsDropped.Inc()
		}

	case action.Reset:
		o.enactReset(f, act, ethSrc, ethDst)

	case action.Delay:
		o.enactDelay(f, pkt, act)

	default: // None, Ignore
		if err := o.backend.Accept(f); err != nil {
			o.log.Error("accept failed", "error", err)
		}
		if o.metrics != nil {
			o.metrics.PacketsAllowed.Inc()
		}
	}
}

func (o *Orchestrator) enactReset(f *bk.Frame, act action.Action, ethSrc, ethDst net.HardwareAddr) {
	params := act.Reset
	if len(ethSrc) == 6 && len(ethDst) == 6 {
		params.SrcMAC = ethSrc
		params.DstMAC = ethDst
	} else {
		params.SrcMAC = o.arp.Resolve(params.SrcIP, o.clientIP)
		params.DstMAC = o.arp.Resolve(params.DstIP, o.clientIP)
	}

	pair, err := reset.Build(params)
	if err != nil {
		o.log.Error("build reset pair failed", "error", err)
		if dropErr := o.backend.Drop(f); dropErr != nil {
			o.log.Error("drop failed", "error", dropErr)
		}
		return
	}

	if err := o.backend.Reset(f, pair.ClientReset, pair.ServerReset, o.resetRepeat); err != nil {
		o.log.Error("enact reset failed", "error", err)
	}
	if o.metrics != nil {
		o.metrics.PacketsReset.Inc()
	}
}

func (o *Orchestrator) enactDelay(f *bk.Frame, pkt *decoder.Packet, act action.Action) {
	payload := act.Payload
	if payload == nil {
		payload = f.Data
	}

	dir := f.Direction
	if pkt != nil {
		dir = pkt.Direction
	}

	prepared, err := o.backend.Prepare(&bk.Frame{
		Data:      payload,
		L2:        f.L2,
		Direction: dir,
		Index:     f.Index,
		Handle:    f.Handle,
	})
	if err != nil {
		o.log.Error("prepare delayed payload failed", "error", err)
		if dropErr := o.backend.Drop(f); dropErr != nil {
			o.log.Error("drop failed", "error", dropErr)
		}
		return
	}

	o.pickDelayer(dir).Delay(prepared, act.Deadline)
	if err := o.backend.Drop(f); err != nil {
		o.log.Error("drop after scheduling delay failed", "error", err)
	}
	if o.metrics != nil {
		o.metrics.PacketsDelayed.Inc()
	}
}

func peekEthernetAddrs(data []byte) (dst, src net.HardwareAddr, ethertype uint16, ok bool) {
	if len(data) < 14 {
		return nil, nil, 0, false
	}
	dst = net.HardwareAddr(append([]byte(nil), data[0:6]...))
	src = net.HardwareAddr(append([]byte(nil), data[6:12]...))
	return dst, src, binary.BigEndian.Uint16(data[12:14]), true
}
