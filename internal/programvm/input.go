// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package programvm

import (
	"fmt"

	"censorlab.dev/censorlab/internal/decoder"
)

// InputKind discriminates the three ways an operand can be supplied.
type InputKind int

const (
	InputConst InputKind = iota
	InputRegister
	InputField
)

// Field names a read-only, well-known derivation from the packet or the
// per-flow counters.
type Field string

const (
	FieldNumPackets Field = "env.num_packets"
	FieldTimestamp  Field = "timestamp"

	FieldIPHeaderLen Field = "header_len"
	FieldIPTotalLen  Field = "total_len"
	FieldIPHopLimit  Field = "hop_limit"
	FieldIPDSCP      Field = "dscp"
	FieldIPECN       Field = "ecn"
	FieldIPIdent     Field = "ident"
	FieldIPDontFrag  Field = "dont_frag"
	FieldIPMoreFrags Field = "more_frags"
	FieldIPFragOff   Field = "frag_offset"
	FieldIPChecksum  Field = "checksum"

	FieldIPTrafficClass Field = "traffic_class"
	FieldIPFlowLabel    Field = "flow_label"
	FieldIPPayloadLen   Field = "ip_payload_len"

	FieldTCPSeq        Field = "seq"
	FieldTCPAck        Field = "ack"
	FieldTCPFin        Field = "fin"
	FieldTCPSyn        Field = "syn"
	FieldTCPRst        Field = "rst"
	FieldTCPPsh        Field = "psh"
	FieldTCPAckFlag    Field = "ack_flag"
	FieldTCPUrg        Field = "urg"
	FieldTCPEce        Field = "ece"
	FieldTCPCwr        Field = "cwr"
	FieldTCPNs         Field = "ns"
	FieldTCPLength     Field = "length"
	FieldTCPHeaderLen  Field = "tcp_header_len"
	FieldTCPPayloadLen Field = "tcp_payload_len"
	FieldTCPUrgentAt   Field = "urgent_at"
	FieldTCPWindowLen  Field = "window_len"

	FieldUDPLength   Field = "udp_length"
	FieldUDPChecksum Field = "udp_checksum"

	FieldPayloadEntropy Field = "payload_entropy"
)

// Input is one operand to an Operation or Condition: a literal, a
// register reference, or a field extractor.
type Input struct {
	Kind InputKind

	Const Value

	RegBank  Bank
	RegIndex int

	FieldName Field
}

func ConstInput(v Value) Input              { return Input{Kind: InputConst, Const: v} }
func RegisterInput(bank Bank, idx int) Input { return Input{Kind: InputRegister, RegBank: bank, RegIndex: idx} }
func FieldInput(f Field) Input              { return Input{Kind: InputField, FieldName: f} }

// FieldError is returned when a field extractor cannot resolve against
// the current packet (e.g. a v6-only field against a v4 packet).
type FieldError struct {
	Field Field
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q not applicable to this packet", e.Field)
}

// Resolve evaluates in against the register file and execution context.
// A field extraction error is returned verbatim unless
// field_default_on_error is set, in which case Bool(false) is returned.
func (in Input) Resolve(regs *RegisterFile, ctx *execContext) (Value, error) {
	switch in.Kind {
	case InputConst:
		return in.Const, nil
	case InputRegister:
		return regs.Read(in.RegBank, in.RegIndex), nil
	case InputField:
		v, err := resolveField(in.FieldName, ctx)
		if err != nil && ctx.fieldDefaultOnError {
			return BoolValue(false), nil
		}
		return v, err
	}
	return Value{}, fmt.Errorf("unknown input kind %d", in.Kind)
}

// execContext carries everything field extraction needs beyond the
// register file: the packet under evaluation, per-flow counters, and the
// field_default_on_error policy.
type execContext struct {
	pkt                 *decoder.Packet
	numPackets          int64
	fieldDefaultOnError bool
}

func resolveField(f Field, ctx *execContext) (Value, error) {
	p := ctx.pkt
	switch f {
	case FieldNumPackets:
		return IntValue(ctx.numPackets), nil
	case FieldTimestamp:
		return FloatValue(p.TimestampSec), nil
	case FieldPayloadEntropy:
		return FloatValue(decoder.ShannonEntropy(p.Payload)), nil
	}

	if v, ok := resolveIPField(f, p); ok {
		return v, nil
	}
	if v, ok := resolveTCPField(f, p); ok {
		return v, nil
	}
	if v, ok := resolveUDPField(f, p); ok {
		return v, nil
	}
	return Value{}, &FieldError{Field: f}
}

func resolveIPField(f Field, p *decoder.Packet) (Value, bool) {
	switch p.IPVer {
	case decoder.IPv4:
		switch f {
		case FieldIPHeaderLen:
			return IntValue(int64(p.IPv4.HeaderLen)), true
		case FieldIPTotalLen:
			return IntValue(int64(p.IPv4.TotalLen)), true
		case FieldIPHopLimit:
			return IntValue(int64(p.IPv4.TTL)), true
		case FieldIPDSCP:
			return IntValue(int64(p.IPv4.DSCP)), true
		case FieldIPECN:
			return IntValue(int64(p.IPv4.ECN)), true
		case FieldIPIdent:
			return IntValue(int64(p.IPv4.Identification)), true
		case FieldIPDontFrag:
			return BoolValue(p.IPv4.DontFragment), true
		case FieldIPMoreFrags:
			return BoolValue(p.IPv4.MoreFragments), true
		case FieldIPFragOff:
			return IntValue(int64(p.IPv4.FragOffset)), true
		case FieldIPChecksum:
			return IntValue(int64(p.IPv4.Checksum)), true
		}
	case decoder.IPv6:
		switch f {
		case FieldIPTrafficClass:
			return IntValue(int64(p.IPv6.TrafficClass)), true
		case FieldIPFlowLabel:
			return IntValue(int64(p.IPv6.FlowLabel)), true
		case FieldIPPayloadLen:
			return IntValue(int64(p.IPv6.PayloadLen)), true
		case FieldIPHopLimit:
			return IntValue(int64(p.IPv6.HopLimit)), true
		}
	}
	return Value{}, false
}

func resolveTCPField(f Field, p *decoder.Packet) (Value, bool) {
	if !p.IsTCP() {
		return Value{}, false
	}
	t := p.TCP
	switch f {
	case FieldTCPSeq:
		return IntValue(int64(t.Seq)), true
	case FieldTCPAck:
		return IntValue(int64(t.Ack)), true
	case FieldTCPFin:
		return BoolValue(t.Flags.FIN), true
	case FieldTCPSyn:
		return BoolValue(t.Flags.SYN), true
	case FieldTCPRst:
		return BoolValue(t.Flags.RST), true
	case FieldTCPPsh:
		return BoolValue(t.Flags.PSH), true
	case FieldTCPAckFlag:
		return BoolValue(t.Flags.ACK), true
	case FieldTCPUrg:
		return BoolValue(t.Flags.URG), true
	case FieldTCPEce:
		return BoolValue(t.Flags.ECE), true
	case FieldTCPCwr:
		return BoolValue(t.Flags.CWR), true
	case FieldTCPNs:
		return BoolValue(t.Flags.NS), true
	case FieldTCPHeaderLen:
		return IntValue(int64(t.HeaderLen)), true
	case FieldTCPPayloadLen, FieldTCPLength:
		return IntValue(int64(len(p.Payload))), true
	case FieldTCPUrgentAt:
		return IntValue(int64(t.UrgentPtr)), true
	case FieldTCPWindowLen:
		return IntValue(int64(t.Window)), true
	}
	return Value{}, false
}

func resolveUDPField(f Field, p *decoder.Packet) (Value, bool) {
	if !p.IsUDP() {
		return Value{}, false
	}
	switch f {
	case FieldUDPLength:
		return IntValue(int64(p.UDP.Length)), true
	case FieldUDPChecksum:
		return IntValue(int64(p.UDP.Checksum)), true
	}
	return Value{}, false
}
