// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pcap implements the PCAP replay back-end: it reads a capture
// file, offering each frame to the pipeline as if it had just arrived live.
// There is no real network underneath, so Drop and Reset are simulated —
// logged with the packet's index but never re-emitted — and Accept is a
// no-op. It accepts both the legacy pcap format and pcap-ng, auto-detected
// from the file's magic number.
package pcap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	bk "censorlab.dev/censorlab/internal/backend"
	"censorlab.dev/censorlab/internal/decoder"
	"censorlab.dev/censorlab/internal/delay"
	cerrors "censorlab.dev/censorlab/internal/errors"
	"censorlab.dev/censorlab/internal/logging"
)

// packetReader is the common surface of pcapgo.Reader and pcapgo.NgReader
// this back-end needs; ReadPacketData is the channel-less
// equivalent of the Packets() loop the pack's pcap examples iterate.
type packetReader interface {
	ReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error)
	LinkType() layers.LinkType
}

// Backend replays a single capture file.
type Backend struct {
	f     *os.File
	r     packetReader
	log   *slog.Logger
	index atomic.Uint64
}

// Config configures the PCAP back-end.
type Config struct {
	Path string
}

// New opens path and detects whether it is pcap-ng or legacy pcap.
func New(cfg Config) (*Backend, error) {
	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, cerrors.Wrapf(err, cerrors.KindInitialization, "open capture %s", cfg.Path)
	}

	ngReader, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	if err == nil {
		return &Backend{f: f, r: ngReader, log: logging.WithComponent("backend.pcap")}, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, cerrors.Wrapf(err, cerrors.KindInitialization, "rewind capture %s", cfg.Path)
	}
	legacyReader, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, cerrors.Wrapf(err, cerrors.KindInitialization, "open capture %s as legacy pcap", cfg.Path)
	}
	return &Backend{f: f, r: legacyReader, log: logging.WithComponent("backend.pcap")}, nil
}

// Poll reads the next record. Unknown pcap-ng block types are skipped
// internally by pcapgo.NgReader; io.EOF signals the capture is exhausted.
func (b *Backend) Poll(ctx context.Context) (*bk.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, _, err := b.r.ReadPacketData()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, cerrors.Wrap(err, cerrors.KindRuntime, "read capture record")
	}

	f := &bk.Frame{
		Data:      append([]byte(nil), data...),
		Direction: decoder.DirUnknown,
		Index:     b.index.Add(1),
	}
	f.L2.HasEthernet = b.r.LinkType() == layers.LinkTypeEthernet
	return f, nil
}

// Accept is a no-op: replay has nothing to forward the frame onto.
func (b *Backend) Accept(f *bk.Frame) error { return nil }

// Drop logs the simulated drop and discards the frame.
func (b *Backend) Drop(f *bk.Frame) error {
	b.log.Info("simulated drop", "packet_index", f.Index)
	return nil
}

// Reset logs the simulated reset pair and discards the frame; no bytes are
// actually emitted, since there is no live flow to interrupt.
func (b *Backend) Reset(f *bk.Frame, clientReset, serverReset []byte, repeat int) error {
	b.log.Info("simulated reset", "packet_index", f.Index, "repeat", repeat)
	return nil
}

// Prepare returns f.Data unchanged: the capture already carries a full
// Ethernet frame (or the back-end wouldn't be reading it as one).
func (b *Backend) Prepare(f *bk.Frame) ([]byte, error) {
	return f.Data, nil
}

// OpenSender returns a no-op sender: replay has no real interface for the
// Delayer to transmit a retransmission onto.
func (b *Backend) OpenSender(dir decoder.Direction) (delay.Sender, error) {
	return noopSender{}, nil
}

type noopSender struct{}

func (noopSender) Send(payload []byte) error { return nil }

// Shutdown closes the capture file.
func (b *Backend) Shutdown() error {
	if b.f == nil {
		return nil
	}
	if err := b.f.Close(); err != nil {
		return fmt.Errorf("pcap: close capture: %w", err)
	}
	return nil
}
