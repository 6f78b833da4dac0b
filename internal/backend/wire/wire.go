// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package wire implements the Wire back-end: two raw AF_PACKET sockets,
// one bound to the client-facing interface and one to the WAN-facing
// interface, bridging each to the other. Every frame read from one side is
// a candidate to be written out the other once the policy pipeline
// reaches a verdict.
package wire

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdlayher/packet"

	bk "censorlab.dev/censorlab/internal/backend"
	"censorlab.dev/censorlab/internal/decoder"
	"censorlab.dev/censorlab/internal/delay"
	cerrors "censorlab.dev/censorlab/internal/errors"
	"censorlab.dev/censorlab/internal/logging"
)

const ethPAll = 0x0003

// Config names the two interfaces Wire bridges.
type Config struct {
	ClientInterface string
	WanInterface    string
}

type rawConn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, addr net.Addr) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// readPollInterval bounds how long a readLoop blocks before re-checking
// ctx, so Shutdown's wg.Wait doesn't stall on an idle interface.
const readPollInterval = 250 * time.Millisecond

// side owns one raw socket and its single-frame retry buffer. A write that
// fails is parked here and retried before the side's own next read; a
// second failure while one is already parked drops the new frame rather
// than growing the buffer.
type side struct {
	name  string
	conn  rawConn
	ifi   *net.Interface
	mu    sync.Mutex
	retry []byte
}

func (s *side) write(frame []byte) error {
	if len(frame) < 6 {
		return fmt.Errorf("wire: frame too short to carry a destination MAC")
	}
	addr := &packet.Addr{HardwareAddr: net.HardwareAddr(frame[0:6])}
	_, err := s.conn.WriteTo(frame, addr)
	return err
}

// send parks frame in the retry buffer on failure. It first tries to
// flush whatever is already parked so frames stay in order; if the buffer
// is already occupied and the flush fails again, frame is dropped.
func (s *side) send(log *slog.Logger, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retry != nil {
		if err := s.write(s.retry); err != nil {
			log.Warn("wire retry buffer still blocked, dropping new frame", "side", s.name)
			return err
		}
		s.retry = nil
	}

	if err := s.write(frame); err != nil {
		s.retry = frame
		return err
	}
	return nil
}

// flushRetryBeforeRead is called at the top of the side's read loop so a
// parked write is retried before the next read.
func (s *side) flushRetryBeforeRead(log *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retry == nil {
		return
	}
	if err := s.write(s.retry); err != nil {
		return
	}
	s.retry = nil
}

// Backend bridges client and wan.
type Backend struct {
	client *side
	wan    *side

	log    *slog.Logger
	frames chan *bk.Frame
	seq    atomic.Uint64

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New opens both raw sockets and starts the two read loops.
func New(cfg Config) (*Backend, error) {
	log := logging.WithComponent("backend.wire")

	clientSide, err := openSide("client", cfg.ClientInterface)
	if err != nil {
		return nil, err
	}
	wanSide, err := openSide("wan", cfg.WanInterface)
	if err != nil {
		clientSide.conn.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		client: clientSide,
		wan:    wanSide,
		log:    log,
		frames: make(chan *bk.Frame, 256),
		cancel: cancel,
	}

	b.wg.Add(2)
	go b.readLoop(ctx, b.client, decoder.DirClientToWan)
	go b.readLoop(ctx, b.wan, decoder.DirWanToClient)

	return b, nil
}

func openSide(name, ifaceName string) (*side, error) {
	ifi, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, cerrors.Wrapf(err, cerrors.KindInitialization, "lookup interface %s", ifaceName)
	}
	conn, err := packet.Listen(ifi, packet.Raw, ethPAll, nil)
	if err != nil {
		return nil, cerrors.Wrapf(err, cerrors.KindInitialization, "open raw socket on %s", ifaceName)
	}
	return &side{name: name, conn: conn, ifi: ifi}, nil
}

func (b *Backend) readLoop(ctx context.Context, s *side, dir decoder.Direction) {
	defer b.wg.Done()
	buf := make([]byte, 65536)
	for {
		if ctx.Err() != nil {
			return
		}
		s.flushRetryBeforeRead(b.log)

		s.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			b.log.Debug("wire read failed", "side", s.name, "error", err)
			continue
		}

		f := &bk.Frame{
			Data:      append([]byte(nil), buf[:n]...),
			Direction: dir,
			Index:     b.seq.Add(1),
			Handle:    s,
		}
		f.L2.HasEthernet = true

		select {
		case b.frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

func (b *Backend) Poll(ctx context.Context) (*bk.Frame, error) {
	select {
	case f := <-b.frames:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Backend) opposite(f *bk.Frame) *side {
	if f.Handle.(*side) == b.client {
		return b.wan
	}
	return b.client
}

// Accept forwards f out the interface opposite the one it arrived on.
func (b *Backend) Accept(f *bk.Frame) error {
	return b.opposite(f).send(b.log, f.Data)
}

// Drop discards f.
func (b *Backend) Drop(f *bk.Frame) error { return nil }

// Reset emits clientReset out the client-facing socket and serverReset
// out the wan-facing socket, each repeated times.
func (b *Backend) Reset(f *bk.Frame, clientReset, serverReset []byte, repeat int) error {
	if repeat < 1 {
		repeat = 1
	}
	var firstErr error
	for i := 0; i < repeat; i++ {
		if err := b.client.send(b.log, clientReset); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := b.wan.send(b.log, serverReset); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Prepare returns f.Data unchanged: Wire always sees a full Ethernet frame.
func (b *Backend) Prepare(f *bk.Frame) ([]byte, error) {
	return f.Data, nil
}

// OpenSender opens a fresh raw socket on the interface matching dir for
// the Delayer to own exclusively, independent of the read-side sockets.
func (b *Backend) OpenSender(dir decoder.Direction) (delay.Sender, error) {
	ifi := b.wan.ifi
	if dir == decoder.DirWanToClient {
		ifi = b.client.ifi
	}
	conn, err := packet.Listen(ifi, packet.Raw, ethPAll, nil)
	if err != nil {
		return nil, cerrors.Wrapf(err, cerrors.KindInitialization, "open delayer send socket on %s", ifi.Name)
	}
	return &rawSender{conn: conn}, nil
}

type rawSender struct {
	conn *packet.Conn
}

func (s *rawSender) Send(frame []byte) error {
	if len(frame) < 6 {
		return fmt.Errorf("wire: frame too short to carry a destination MAC")
	}
	addr := &packet.Addr{HardwareAddr: net.HardwareAddr(frame[0:6])}
	_, err := s.conn.WriteTo(frame, addr)
	return err
}

func (b *Backend) Shutdown() error {
	var firstErr error
	b.closeOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
		if err := b.client.conn.Close(); err != nil {
			firstErr = err
		}
		if err := b.wan.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}
