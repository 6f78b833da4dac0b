// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policyvm

import (
	"context"
	"regexp"
	"time"

	"github.com/d5/tengo/v2"
	"github.com/miekg/dns"

	"censorlab.dev/censorlab/internal/decoder"
	"censorlab.dev/censorlab/internal/model"
)

func boolObj(b bool) tengo.Object {
	if b {
		return tengo.TrueValue
	}
	return tengo.FalseValue
}

func intObj(v int64) tengo.Object    { return &tengo.Int{Value: v} }
func floatObj(v float64) tengo.Object { return &tengo.Float{Value: v} }
func strObj(v string) tengo.Object   { return &tengo.String{Value: v} }
func bytesObj(v []byte) tengo.Object { return &tengo.Bytes{Value: v} }

// packetObject exposes a decoder.Packet snapshot to the script as the
// "packet" host object.
type packetObject struct {
	tengo.ObjectImpl
	pkt *decoder.Packet
}

func newPacketObject(pkt *decoder.Packet) *packetObject {
	return &packetObject{pkt: pkt}
}

func (o *packetObject) TypeName() string { return "Packet" }
func (o *packetObject) String() string   { return "Packet" }

func (o *packetObject) IndexGet(index tengo.Object) (tengo.Object, error) {
	key, ok := tengo.ToString(index)
	if !ok {
		return tengo.UndefinedValue, nil
	}
	switch key {
	case "timestamp":
		if !o.pkt.HasTimestamp {
			return tengo.UndefinedValue, nil
		}
		return floatObj(o.pkt.TimestampSec), nil
	case "direction":
		return strObj(o.pkt.Direction.String()), nil
	case "ip":
		return newIPObject(o.pkt), nil
	case "tcp":
		if !o.pkt.IsTCP() {
			return tengo.UndefinedValue, nil
		}
		return newTCPObject(&o.pkt.TCP), nil
	case "udp":
		if !o.pkt.IsUDP() {
			return tengo.UndefinedValue, nil
		}
		return newUDPObject(&o.pkt.UDP), nil
	case "payload":
		return bytesObj(o.pkt.Payload), nil
	case "payload_len":
		return intObj(int64(len(o.pkt.Payload))), nil
	case "payload_entropy":
		return floatObj(decoder.ShannonEntropy(o.pkt.Payload)), nil
	case "payload_avg_popcount":
		return floatObj(decoder.AvgPopcount(o.pkt.Payload)), nil
	}
	return tengo.UndefinedValue, nil
}

// ipObject exposes IpPacket getters; fields not applicable to the
// packet's actual IP version read as undefined.
type ipObject struct {
	tengo.ObjectImpl
	pkt *decoder.Packet
}

func newIPObject(pkt *decoder.Packet) *ipObject { return &ipObject{pkt: pkt} }

func (o *ipObject) TypeName() string { return "IpPacket" }
func (o *ipObject) String() string   { return "IpPacket" }

func (o *ipObject) IndexGet(index tengo.Object) (tengo.Object, error) {
	key, ok := tengo.ToString(index)
	if !ok {
		return tengo.UndefinedValue, nil
	}
	v4, v6 := o.pkt.IPVer == decoder.IPv4, o.pkt.IPVer == decoder.IPv6
	switch key {
	case "src":
		return strObj(o.pkt.SrcIP().String()), nil
	case "dst":
		return strObj(o.pkt.DstIP().String()), nil
	case "header_len":
		if v4 {
			return intObj(int64(o.pkt.IPv4.HeaderLen)), nil
		}
	case "total_len":
		if v4 {
			return intObj(int64(o.pkt.IPv4.TotalLen)), nil
		}
	case "ttl":
		if v4 {
			return intObj(int64(o.pkt.IPv4.TTL)), nil
		}
	case "next_proto":
		if v4 {
			return intObj(int64(o.pkt.IPv4.NextProto)), nil
		}
	case "dscp":
		if v4 {
			return intObj(int64(o.pkt.IPv4.DSCP)), nil
		}
	case "ecn":
		if v4 {
			return intObj(int64(o.pkt.IPv4.ECN)), nil
		}
	case "ident":
		if v4 {
			return intObj(int64(o.pkt.IPv4.Identification)), nil
		}
	case "dont_frag":
		if v4 {
			return boolObj(o.pkt.IPv4.DontFragment), nil
		}
	case "more_frags":
		if v4 {
			return boolObj(o.pkt.IPv4.MoreFragments), nil
		}
	case "frag_offset":
		if v4 {
			return intObj(int64(o.pkt.IPv4.FragOffset)), nil
		}
	case "checksum":
		if v4 {
			return intObj(int64(o.pkt.IPv4.Checksum)), nil
		}
	case "traffic_class":
		if v6 {
			return intObj(int64(o.pkt.IPv6.TrafficClass)), nil
		}
	case "flow_label":
		if v6 {
			return intObj(int64(o.pkt.IPv6.FlowLabel)), nil
		}
	case "payload_len":
		if v6 {
			return intObj(int64(o.pkt.IPv6.PayloadLen)), nil
		}
	case "next_header":
		if v6 {
			return intObj(int64(o.pkt.IPv6.NextHeader)), nil
		}
	case "hop_limit":
		if v6 {
			return intObj(int64(o.pkt.IPv6.HopLimit)), nil
		}
	}
	return tengo.UndefinedValue, nil
}

// tcpObject exposes TcpPacket getters and the uses_port method.
type tcpObject struct {
	tengo.ObjectImpl
	tcp *decoder.TCPMeta
}

func newTCPObject(tcp *decoder.TCPMeta) *tcpObject { return &tcpObject{tcp: tcp} }

func (o *tcpObject) TypeName() string { return "TcpPacket" }
func (o *tcpObject) String() string   { return "TcpPacket" }

func (o *tcpObject) IndexGet(index tengo.Object) (tengo.Object, error) {
	key, ok := tengo.ToString(index)
	if !ok {
		return tengo.UndefinedValue, nil
	}
	switch key {
	case "src":
		return intObj(int64(o.tcp.SrcPort)), nil
	case "dst":
		return intObj(int64(o.tcp.DstPort)), nil
	case "seq":
		return intObj(int64(o.tcp.Seq)), nil
	case "ack":
		return intObj(int64(o.tcp.Ack)), nil
	case "header_len":
		return intObj(int64(o.tcp.HeaderLen)), nil
	case "urgent_at":
		return intObj(int64(o.tcp.UrgentPtr)), nil
	case "window_len":
		return intObj(int64(o.tcp.Window)), nil
	case "flags":
		return newTCPFlagsObject(o.tcp.Flags), nil
	case "uses_port":
		return &tengo.UserFunction{Name: "uses_port", Value: func(args ...tengo.Object) (tengo.Object, error) {
			if len(args) != 1 {
				return nil, tengo.ErrWrongNumArguments
			}
			port, ok := tengo.ToInt64(args[0])
			if !ok {
				return nil, tengo.ErrInvalidArgumentType{Name: "port", Expected: "int", Found: args[0].TypeName()}
			}
			return boolObj(o.tcp.SrcPort == uint16(port) || o.tcp.DstPort == uint16(port)), nil
		}}, nil
	}
	return tengo.UndefinedValue, nil
}

// tcpFlagsObject exposes the nine TCP flag booleans.
type tcpFlagsObject struct {
	tengo.ObjectImpl
	flags decoder.TCPFlags
}

func newTCPFlagsObject(f decoder.TCPFlags) *tcpFlagsObject { return &tcpFlagsObject{flags: f} }

func (o *tcpFlagsObject) TypeName() string { return "TcpFlags" }
func (o *tcpFlagsObject) String() string   { return "TcpFlags" }

func (o *tcpFlagsObject) IndexGet(index tengo.Object) (tengo.Object, error) {
	key, ok := tengo.ToString(index)
	if !ok {
		return tengo.UndefinedValue, nil
	}
	switch key {
	case "fin":
		return boolObj(o.flags.FIN), nil
	case "syn":
		return boolObj(o.flags.SYN), nil
	case "rst":
		return boolObj(o.flags.RST), nil
	case "psh":
		return boolObj(o.flags.PSH), nil
	case "ack":
		return boolObj(o.flags.ACK), nil
	case "urg":
		return boolObj(o.flags.URG), nil
	case "ece":
		return boolObj(o.flags.ECE), nil
	case "cwr":
		return boolObj(o.flags.CWR), nil
	case "ns":
		return boolObj(o.flags.NS), nil
	}
	return tengo.UndefinedValue, nil
}

// udpObject exposes UdpPacket getters.
type udpObject struct {
	tengo.ObjectImpl
	udp *decoder.UDPMeta
}

func newUDPObject(udp *decoder.UDPMeta) *udpObject { return &udpObject{udp: udp} }

func (o *udpObject) TypeName() string { return "UdpPacket" }
func (o *udpObject) String() string   { return "UdpPacket" }

func (o *udpObject) IndexGet(index tengo.Object) (tengo.Object, error) {
	key, ok := tengo.ToString(index)
	if !ok {
		return tengo.UndefinedValue, nil
	}
	switch key {
	case "src":
		return intObj(int64(o.udp.SrcPort)), nil
	case "dst":
		return intObj(int64(o.udp.DstPort)), nil
	case "length":
		return intObj(int64(o.udp.Length)), nil
	case "checksum":
		return intObj(int64(o.udp.Checksum)), nil
	}
	return tengo.UndefinedValue, nil
}

// regexFunction implements the regex(pattern) host factory: compile once,
// return an object exposing is_match(bytes) -> bool.
var regexFunction = &tengo.UserFunction{Name: "regex", Value: func(args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 1 {
		return nil, tengo.ErrWrongNumArguments
	}
	pattern, ok := tengo.ToString(args[0])
	if !ok {
		return nil, tengo.ErrInvalidArgumentType{Name: "pattern", Expected: "string", Found: args[0].TypeName()}
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &regexObject{re: re}, nil
}}

type regexObject struct {
	tengo.ObjectImpl
	re *regexp.Regexp
}

func (o *regexObject) TypeName() string { return "Regex" }
func (o *regexObject) String() string   { return o.re.String() }

func (o *regexObject) IndexGet(index tengo.Object) (tengo.Object, error) {
	key, ok := tengo.ToString(index)
	if !ok || key != "is_match" {
		return tengo.UndefinedValue, nil
	}
	return &tengo.UserFunction{Name: "is_match", Value: func(args ...tengo.Object) (tengo.Object, error) {
		if len(args) != 1 {
			return nil, tengo.ErrWrongNumArguments
		}
		b, ok := tengo.ToByteSlice(args[0])
		if !ok {
			return nil, tengo.ErrInvalidArgumentType{Name: "bytes", Expected: "bytes", Found: args[0].TypeName()}
		}
		return boolObj(o.re.Match(b)), nil
	}}, nil
}

// dnsModule exposes the dns.parse(bytes) host factory.
var dnsModule = &tengo.ImmutableMap{Value: map[string]tengo.Object{
	"parse": &tengo.UserFunction{Name: "parse", Value: func(args ...tengo.Object) (tengo.Object, error) {
		if len(args) != 1 {
			return nil, tengo.ErrWrongNumArguments
		}
		b, ok := tengo.ToByteSlice(args[0])
		if !ok {
			return nil, tengo.ErrInvalidArgumentType{Name: "bytes", Expected: "bytes", Found: args[0].TypeName()}
		}
		msg := new(dns.Msg)
		if err := msg.Unpack(b); err != nil {
			return tengo.UndefinedValue, nil
		}
		return dnsMessageToObject(msg), nil
	}},
}}

func dnsMessageToObject(msg *dns.Msg) tengo.Object {
	return &tengo.Map{Value: map[string]tengo.Object{
		"header": &tengo.Map{Value: map[string]tengo.Object{
			"id":                 intObj(int64(msg.Id)),
			"response":           boolObj(msg.Response),
			"opcode":             intObj(int64(msg.Opcode)),
			"truncated":          boolObj(msg.Truncated),
			"recursion_desired":  boolObj(msg.RecursionDesired),
			"recursion_available": boolObj(msg.RecursionAvailable),
			"rcode":              intObj(int64(msg.Rcode)),
		}},
		"questions":   dnsQuestionsToArray(msg.Question),
		"answers":     dnsRRsToArray(msg.Answer),
		"nameservers": dnsRRsToArray(msg.Ns),
		"additional":  dnsRRsToArray(msg.Extra),
	}}
}

func dnsQuestionsToArray(qs []dns.Question) *tengo.Array {
	arr := &tengo.Array{}
	for _, q := range qs {
		arr.Value = append(arr.Value, &tengo.Map{Value: map[string]tengo.Object{
			"name":  strObj(q.Name),
			"qtype": intObj(int64(q.Qtype)),
		}})
	}
	return arr
}

// dnsRRsToArray renders each resource record as a map of name, ttl, type
// and data, where data is a string for A/AAAA/CNAME/NS/PTR, an array for
// MX/SOA/SRV/TXT, and the record's raw string form for anything else.
func dnsRRsToArray(rrs []dns.RR) *tengo.Array {
	arr := &tengo.Array{}
	for _, rr := range rrs {
		hdr := rr.Header()
		entry := &tengo.Map{Value: map[string]tengo.Object{
			"name": strObj(hdr.Name),
			"ttl":  intObj(int64(hdr.Ttl)),
			"type": strObj(dns.TypeToString[hdr.Rrtype]),
			"data": dnsRDataToObject(rr),
		}}
		arr.Value = append(arr.Value, entry)
	}
	return arr
}

func dnsRDataToObject(rr dns.RR) tengo.Object {
	switch r := rr.(type) {
	case *dns.A:
		return strObj(r.A.String())
	case *dns.AAAA:
		return strObj(r.AAAA.String())
	case *dns.CNAME:
		return strObj(r.Target)
	case *dns.MX:
		return &tengo.Array{Value: []tengo.Object{intObj(int64(r.Preference)), strObj(r.Mx)}}
	case *dns.NS:
		return strObj(r.Ns)
	case *dns.PTR:
		return strObj(r.Ptr)
	case *dns.SOA:
		return &tengo.Array{Value: []tengo.Object{
			strObj(r.Ns), strObj(r.Mbox), intObj(int64(r.Serial)),
			intObj(int64(r.Refresh)), intObj(int64(r.Retry)), intObj(int64(r.Expire)), intObj(int64(r.Minttl)),
		}}
	case *dns.SRV:
		return &tengo.Array{Value: []tengo.Object{
			intObj(int64(r.Priority)), intObj(int64(r.Weight)), intObj(int64(r.Port)), strObj(r.Target),
		}}
	case *dns.TXT:
		arr := &tengo.Array{}
		for _, s := range r.Txt {
			arr.Value = append(arr.Value, strObj(s))
		}
		return arr
	default:
		return strObj(rr.String())
	}
}

// modelObject exposes the "model" host object's evaluate(name, features)
// method, round-tripping through the shared ModelWorker.
type modelObject struct {
	tengo.ObjectImpl
	worker  *model.Worker
	timeout time.Duration
}

func newModelObject(w *model.Worker, timeout time.Duration) *modelObject {
	return &modelObject{worker: w, timeout: timeout}
}

func (o *modelObject) TypeName() string { return "Model" }
func (o *modelObject) String() string   { return "Model" }

func (o *modelObject) IndexGet(index tengo.Object) (tengo.Object, error) {
	key, ok := tengo.ToString(index)
	if !ok || key != "evaluate" {
		return tengo.UndefinedValue, nil
	}
	return &tengo.UserFunction{Name: "evaluate", Value: func(args ...tengo.Object) (tengo.Object, error) {
		if len(args) != 2 {
			return nil, tengo.ErrWrongNumArguments
		}
		name, ok := tengo.ToString(args[0])
		if !ok {
			return nil, tengo.ErrInvalidArgumentType{Name: "name", Expected: "string", Found: args[0].TypeName()}
		}
		featureArr, ok := args[1].(*tengo.Array)
		if !ok {
			return nil, tengo.ErrInvalidArgumentType{Name: "features", Expected: "array", Found: args[1].TypeName()}
		}
		features := make([]float64, len(featureArr.Value))
		for i, v := range featureArr.Value {
			f, ok := tengo.ToFloat64(v)
			if !ok {
				return nil, tengo.ErrInvalidArgumentType{Name: "features[]", Expected: "float", Found: v.TypeName()}
			}
			features[i] = f
		}

		if o.worker == nil {
			return tengo.UndefinedValue, nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
		defer cancel()
		probs, err := o.worker.Evaluate(ctx, name, features)
		if err != nil {
			return nil, err
		}
		out := &tengo.Array{}
		for _, p := range probs {
			out.Value = append(out.Value, floatObj(p))
		}
		return out, nil
	}}, nil
}
