// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package nfq implements the NFQ back-end: two netfilter queues, one per
// direction, fed by iptables NFQUEUE rules this package installs and
// removes itself. Verdicts are delivered back into the same queued packet;
// Reset and Delay retransmission go out a raw AF_PACKET socket, since
// netfilter has no notion of injecting a brand-new frame.
package nfq

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/florianl/go-nfqueue/v2"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/mdlayher/packet"

	bk "censorlab.dev/censorlab/internal/backend"
	"censorlab.dev/censorlab/internal/decoder"
	"censorlab.dev/censorlab/internal/delay"
	cerrors "censorlab.dev/censorlab/internal/errors"
	"censorlab.dev/censorlab/internal/logging"
	"censorlab.dev/censorlab/internal/reset"
)

// ruleTag marks every iptables rule this package installs so a restart can
// find and remove stale rules left behind by a previous, uncleanly
// terminated run.
const ruleTag = "CENSORLAB-NFQ"

// ethPAll is ETH_P_ALL, used to open the raw socket in promiscuous-protocol
// mode so both IPv4 and IPv6 frames are delivered.
const ethPAll = 0x0003

// Config configures the NFQ back-end.
type Config struct {
	Table            string // default "filter"
	Chain            string // default "FORWARD"
	InboundQueueNum  uint16 // default 0, traffic entering Interface
	OutboundQueueNum uint16 // default 1, traffic leaving Interface
	Interface        string // interface the NFQUEUE rules and raw socket bind to
	ClientIP         net.IP // protected client, for ArpCache MAC resolution
	MaxPacketLen     uint32
	MaxQueueLen      uint32
	WriteTimeout     time.Duration
}

func (c *Config) applyDefaults() {
	if c.Table == "" {
		c.Table = "filter"
	}
	if c.Chain == "" {
		c.Chain = "FORWARD"
	}
	if c.MaxPacketLen == 0 {
		c.MaxPacketLen = 0xFFFF
	}
	if c.MaxQueueLen == 0 {
		c.MaxQueueLen = 1024
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Millisecond
	}
}

type verdictHandle struct {
	nf *nfqueue.Nfqueue
	id uint32
}

// Backend implements backend.Backend over two NFQUEUE instances.
type Backend struct {
	cfg Config
	log *slog.Logger

	inbound  *nfqueue.Nfqueue
	outbound *nfqueue.Nfqueue

	conn     *packet.Conn
	ifi      *net.Interface
	arp      *reset.ArpCache

	frames chan *bk.Frame
	seq    atomic.Uint64

	installedRules []ruleSpec
	closeOnce      sync.Once
}

type ruleSpec struct {
	addArgs []string // args for "iptables -I <chain> ..."
	tagArgs []string // args identifying the rule for removal ("-D" form)
}

// New opens the two queues named in cfg, installs the iptables rules that
// feed them, and opens the raw socket used for Reset and delayed
// retransmission. Scans the configured chain for rules tagged from a prior
// run and removes them before installing its own.
func New(cfg Config) (*Backend, error) {
	cfg.applyDefaults()
	log := logging.WithComponent("backend.nfq")

	if err := removeStaleRules(cfg.Table, cfg.Chain); err != nil {
		log.Warn("failed removing stale NFQ rules", "error", err)
	}

	ifi, err := net.InterfaceByName(cfg.Interface)
	if err != nil {
		return nil, cerrors.Wrapf(err, cerrors.KindInitialization, "lookup interface %s", cfg.Interface)
	}

	b := &Backend{
		cfg:    cfg,
		log:    log,
		ifi:    ifi,
		arp:    reset.NewArpCache(),
		frames: make(chan *bk.Frame, int(cfg.MaxQueueLen)),
	}

	rules := buildRules(cfg)
	for _, r := range rules {
		if err := runIptables(append([]string{"-t", cfg.Table}, r.addArgs...)); err != nil {
			return nil, cerrors.Wrapf(err, cerrors.KindInitialization, "install NFQ rule %v", r.addArgs)
		}
		b.installedRules = append(b.installedRules, r)
	}

	b.conn, err = packet.Listen(ifi, packet.Raw, ethPAll, nil)
	if err != nil {
		b.removeInstalledRules()
		return nil, cerrors.Wrapf(err, cerrors.KindInitialization, "open raw socket on %s", cfg.Interface)
	}

	b.inbound, err = b.openQueue(cfg.InboundQueueNum, decoder.DirWanToClient)
	if err != nil {
		b.removeInstalledRules()
		b.conn.Close()
		return nil, err
	}
	b.outbound, err = b.openQueue(cfg.OutboundQueueNum, decoder.DirClientToWan)
	if err != nil {
		b.removeInstalledRules()
		b.inbound.Close()
		b.conn.Close()
		return nil, err
	}

	return b, nil
}

func (b *Backend) openQueue(num uint16, dir decoder.Direction) (*nfqueue.Nfqueue, error) {
	nfc := nfqueue.Config{
		NfQueue:      num,
		MaxPacketLen: b.cfg.MaxPacketLen,
		MaxQueueLen:  b.cfg.MaxQueueLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: b.cfg.WriteTimeout,
	}
	nf, err := nfqueue.Open(&nfc)
	if err != nil {
		return nil, cerrors.Wrapf(err, cerrors.KindInitialization, "open nfqueue %d", num)
	}

	fn := func(a nfqueue.Attribute) int {
		if a.PacketID == nil || a.Payload == nil {
			return 0
		}
		f := &bk.Frame{
			Data:      append([]byte(nil), (*a.Payload)...),
			Direction: dir,
			Index:     b.seq.Add(1),
			Handle:    verdictHandle{nf: nf, id: *a.PacketID},
		}
		f.L2.HasEthernet = false
		f.L2.Ethertype = ethertypeFromHwProtocol(a.HwProtocol)
		select {
		case b.frames <- f:
		default:
			nf.SetVerdict(*a.PacketID, nfqueue.NfAccept)
			b.log.Warn("nfq frame channel full, auto-accepting", "queue", num)
		}
		return 0
	}
	errFn := func(e error) int {
		b.log.Debug("nfqueue error callback", "queue", num, "error", e)
		return 0
	}
	if err := nf.RegisterWithErrorFunc(context.Background(), fn, errFn); err != nil {
		nf.Close()
		return nil, cerrors.Wrapf(err, cerrors.KindInitialization, "register nfqueue %d", num)
	}
	return nf, nil
}

// ethertypeFromHwProtocol converts nfnetlink's network-byte-order
// hw_protocol attribute into a layers.EthernetType, defaulting to IPv4 if
// the kernel didn't report one (observed on some older netfilter builds).
func ethertypeFromHwProtocol(hw *uint16) layers.EthernetType {
	if hw == nil {
		return layers.EthernetTypeIPv4
	}
	v := *hw
	swapped := (v<<8)|(v>>8)
	return layers.EthernetType(swapped)
}

// Poll returns the next queued frame, or ctx.Err() if ctx is cancelled first.
func (b *Backend) Poll(ctx context.Context) (*bk.Frame, error) {
	select {
	case f := <-b.frames:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Backend) Accept(f *bk.Frame) error {
	h := f.Handle.(verdictHandle)
	return h.nf.SetVerdict(h.id, nfqueue.NfAccept)
}

func (b *Backend) Drop(f *bk.Frame) error {
	h := f.Handle.(verdictHandle)
	return h.nf.SetVerdict(h.id, nfqueue.NfDrop)
}

func (b *Backend) Reset(f *bk.Frame, clientReset, serverReset []byte, repeat int) error {
	h := f.Handle.(verdictHandle)
	if err := h.nf.SetVerdict(h.id, nfqueue.NfDrop); err != nil {
		return err
	}
	if repeat < 1 {
		repeat = 1
	}
	var firstErr error
	for i := 0; i < repeat; i++ {
		if err := b.writeFrame(clientReset); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := b.writeFrame(serverReset); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Prepare stamps an Ethernet header onto f.Data, resolving the destination
// MAC via the ArpCache the same way ResetBuilder does, so the result is
// ready for the Delayer's sender to transmit.
func (b *Backend) Prepare(f *bk.Frame) ([]byte, error) {
	dstIP, err := peekDstIP(f.Data, f.L2.Ethertype)
	if err != nil {
		return nil, err
	}
	dstMAC := b.arp.Resolve(dstIP, b.cfg.ClientIP)

	eth := &layers.Ethernet{
		SrcMAC:       b.ifi.HardwareAddr,
		DstMAC:       dstMAC,
		EthernetType: f.L2.Ethertype,
	}
	return serializeEthernetWrap(eth, f.Data)
}

// OpenSender opens a second raw socket on the same interface for the
// Delayer to own exclusively; dir is unused since NFQ has only one wire.
func (b *Backend) OpenSender(dir decoder.Direction) (delay.Sender, error) {
	conn, err := packet.Listen(b.ifi, packet.Raw, ethPAll, nil)
	if err != nil {
		return nil, cerrors.Wrapf(err, cerrors.KindInitialization, "open delayer send socket on %s", b.cfg.Interface)
	}
	return &rawSender{conn: conn}, nil
}

type rawSender struct {
	conn *packet.Conn
}

func (s *rawSender) Send(frame []byte) error {
	return writeFrame(s.conn, frame)
}

func (b *Backend) writeFrame(frame []byte) error {
	return writeFrame(b.conn, frame)
}

func writeFrame(conn *packet.Conn, frame []byte) error {
	if len(frame) < 6 {
		return fmt.Errorf("nfq: frame too short to carry a destination MAC")
	}
	addr := &packet.Addr{HardwareAddr: net.HardwareAddr(frame[0:6])}
	_, err := conn.WriteTo(frame, addr)
	return err
}

func (b *Backend) Shutdown() error {
	var firstErr error
	b.closeOnce.Do(func() {
		if b.inbound != nil {
			if err := b.inbound.Close(); err != nil {
				firstErr = err
			}
		}
		if b.outbound != nil {
			if err := b.outbound.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if b.conn != nil {
			if err := b.conn.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		b.removeInstalledRules()
	})
	return firstErr
}

func (b *Backend) removeInstalledRules() {
	for _, r := range b.installedRules {
		if err := runIptables(append([]string{"-t", b.cfg.Table}, r.tagArgs...)); err != nil {
			b.log.Warn("failed removing NFQ iptables rule on shutdown", "error", err, "args", r.tagArgs)
		}
	}
}

func buildRules(cfg Config) []ruleSpec {
	comment := func(dir string) string { return fmt.Sprintf("%s-%s", ruleTag, dir) }
	in := []string{"-I", cfg.Chain, "-o", cfg.Interface, "-j", "NFQUEUE",
		"--queue-num", strconv.Itoa(int(cfg.InboundQueueNum)),
		"-m", "comment", "--comment", comment("IN")}
	out := []string{"-I", cfg.Chain, "-i", cfg.Interface, "-j", "NFQUEUE",
		"--queue-num", strconv.Itoa(int(cfg.OutboundQueueNum)),
		"-m", "comment", "--comment", comment("OUT")}
	inDel := append([]string(nil), in...)
	inDel[0] = "-D"
	outDel := append([]string(nil), out...)
	outDel[0] = "-D"
	return []ruleSpec{
		{addArgs: in, tagArgs: inDel},
		{addArgs: out, tagArgs: outDel},
	}
}

// removeStaleRules lists the chain's current rules and deletes any whose
// comment carries ruleTag, left behind by an instance that didn't shut
// down cleanly.
func removeStaleRules(table, chain string) error {
	out, err := exec.Command("iptables", "-t", table, "-S", chain).Output()
	if err != nil {
		// Chain may not exist yet on a fresh host; nothing to clean up.
		return nil
	}
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, ruleTag) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != "-A" {
			continue
		}
		delArgs := append([]string{"-t", table, "-D"}, fields[1:]...)
		if err := runIptables(delArgs); err != nil {
			return cerrors.Wrapf(err, cerrors.KindInitialization, "remove stale rule %q", line)
		}
	}
	return nil
}

func runIptables(args []string) error {
	out, err := exec.Command("iptables", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables %v: %w: %s", args, err, out)
	}
	return nil
}

func serializeEthernetWrap(eth *layers.Ethernet, l3 []byte) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{}
	if err := gopacket.SerializeLayers(buf, opts, eth, gopacket.Payload(l3)); err != nil {
		return nil, fmt.Errorf("nfq: serialize ethernet wrap: %w", err)
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

// peekDstIP reads just enough of an L3 PDU to recover its destination IP
// without a full decode, for MAC resolution ahead of Prepare.
func peekDstIP(data []byte, ethertype layers.EthernetType) (net.IP, error) {
	switch ethertype {
	case layers.EthernetTypeIPv6:
		if len(data) < 40 {
			return nil, fmt.Errorf("nfq: ipv6 pdu too short")
		}
		return net.IP(data[24:40]), nil
	default:
		if len(data) < 20 {
			return nil, fmt.Errorf("nfq: ipv4 pdu too short")
		}
		return net.IP(data[16:20]), nil
	}
}
