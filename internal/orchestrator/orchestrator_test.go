// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package orchestrator

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"censorlab.dev/censorlab/internal/action"
	bk "censorlab.dev/censorlab/internal/backend"
	"censorlab.dev/censorlab/internal/decoder"
	"censorlab.dev/censorlab/internal/delay"
	"censorlab.dev/censorlab/internal/flow"
)

// fakeBackend is a closed-loop back-end: frames handed to it via enqueue
// are returned from Poll, and every enactment is recorded for assertions.
type fakeBackend struct {
	mu       sync.Mutex
	frames   chan *bk.Frame
	accepted []*bk.Frame
	dropped  []*bk.Frame
	resets   [][2][]byte
	prepared [][]byte
	shutdown bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{frames: make(chan *bk.Frame, 16)}
}

func (b *fakeBackend) enqueue(f *bk.Frame) { b.frames <- f }

func (b *fakeBackend) Poll(ctx context.Context) (*bk.Frame, error) {
	select {
	case f := <-b.frames:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *fakeBackend) Accept(f *bk.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accepted = append(b.accepted, f)
	return nil
}

func (b *fakeBackend) Drop(f *bk.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropped = append(b.dropped, f)
	return nil
}

func (b *fakeBackend) Reset(f *bk.Frame, clientReset, serverReset []byte, repeat int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resets = append(b.resets, [2][]byte{clientReset, serverReset})
	return nil
}

func (b *fakeBackend) Prepare(f *bk.Frame) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prepared = append(b.prepared, f.Data)
	return f.Data, nil
}

func (b *fakeBackend) OpenSender(dir decoder.Direction) (delay.Sender, error) {
	return noopSender{}, nil
}

func (b *fakeBackend) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdown = true
	return nil
}

func (b *fakeBackend) counts() (accepted, dropped, resets int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.accepted), len(b.dropped), len(b.resets)
}

type noopSender struct{}

func (noopSender) Send(payload []byte) error { return nil }

// scriptedEnv returns a fixed action.Action for every packet it sees, and
// records how many times it was invoked.
type scriptedEnv struct {
	mu    sync.Mutex
	act   action.Action
	calls int
}

func (e *scriptedEnv) Process(pkt *decoder.Packet) action.Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return e.act
}

func (e *scriptedEnv) Close() {}

func newTestOrchestrator(t *testing.T, backend bk.Backend, env *scriptedEnv) *Orchestrator {
	t.Helper()
	newEnv := func(initial flow.FiveTuple) flow.PolicyEnv { return env }
	o, err := New(Config{
		Backend: backend,
		NewEnv:  newEnv,
		IdleTTL: time.Minute,
	})
	require.NoError(t, err)
	return o
}

func ethIPv4TCP(t *testing.T, srcIP, dstIP net.IP, srcPort, dstPort uint16, flags byte) []byte {
	t.Helper()
	frame := make([]byte, 14+20+20)
	copy(frame[0:6], net.HardwareAddr{0x00, 0x00, 0x00, 0x00, 0x00, 0x01})
	copy(frame[6:12], net.HardwareAddr{0x00, 0x00, 0x00, 0x00, 0x00, 0x02})
	frame[12], frame[13] = 0x08, 0x00 // IPv4

	ip := frame[14:34]
	ip[0] = 0x45
	ip[8] = 64
	ip[9] = 6 // TCP
	copy(ip[12:16], srcIP.To4())
	copy(ip[16:20], dstIP.To4())
	ip[2], ip[3] = 0, 40 // total length

	tcp := frame[34:54]
	tcp[0], tcp[1] = byte(srcPort>>8), byte(srcPort)
	tcp[2], tcp[3] = byte(dstPort>>8), byte(dstPort)
	tcp[12] = 5 << 4 // header length
	tcp[13] = flags

	return frame
}

func TestHandleFrameAllowsAndRunsPolicyEnv(t *testing.T) {
	backend := newFakeBackend()
	env := &scriptedEnv{act: action.Default}
	o := newTestOrchestrator(t, backend, env)

	data := ethIPv4TCP(t, net.IPv4(10, 0, 0, 1), net.IPv4(93, 184, 216, 34), 51000, 443, 0x02)
	f := &bk.Frame{Data: data, L2: bk.L2Hint{HasEthernet: true}, Index: 1}

	o.handleFrame(f)

	accepted, dropped, resets := backend.counts()
	require.Equal(t, 1, accepted)
	require.Equal(t, 0, dropped)
	require.Equal(t, 0, resets)

	env.mu.Lock()
	require.Equal(t, 1, env.calls)
	env.mu.Unlock()
}

func TestHandleFrameDropsOnPolicyDecision(t *testing.T) {
	backend := newFakeBackend()
	env := &scriptedEnv{act: action.Action{Kind: action.Drop}}
	o := newTestOrchestrator(t, backend, env)

	data := ethIPv4TCP(t, net.IPv4(10, 0, 0, 1), net.IPv4(93, 184, 216, 34), 51000, 443, 0x02)
	f := &bk.Frame{Data: data, L2: bk.L2Hint{HasEthernet: true}, Index: 2}

	o.handleFrame(f)

	accepted, dropped, _ := backend.counts()
	require.Equal(t, 0, accepted)
	require.Equal(t, 1, dropped)
}

func TestHandleFrameDelayPreparesAndSchedules(t *testing.T) {
	backend := newFakeBackend()
	deadline := time.Now().Add(10 * time.Millisecond)
	env := &scriptedEnv{act: action.Action{Kind: action.Delay, Deadline: deadline}}
	o := newTestOrchestrator(t, backend, env)

	data := ethIPv4TCP(t, net.IPv4(10, 0, 0, 1), net.IPv4(93, 184, 216, 34), 51000, 443, 0x02)
	f := &bk.Frame{Data: data, L2: bk.L2Hint{HasEthernet: true}, Index: 3}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.delayers[decoder.DirWanToClient].Run(ctx)
	go o.delayers[decoder.DirClientToWan].Run(ctx)

	o.handleFrame(f)

	backend.mu.Lock()
	require.Len(t, backend.prepared, 1)
	backend.mu.Unlock()

	_, dropped, _ := backend.counts()
	require.Equal(t, 1, dropped)
}

func TestHandleFrameUnknownEthertypeAllowsThrough(t *testing.T) {
	backend := newFakeBackend()
	env := &scriptedEnv{act: action.Default}
	o := newTestOrchestrator(t, backend, env)

	frame := make([]byte, 14)
	frame[12], frame[13] = 0x88, 0xcc // LLDP, not IP/ARP
	f := &bk.Frame{Data: frame, L2: bk.L2Hint{HasEthernet: true}, Index: 4}

	o.handleFrame(f)

	accepted, _, _ := backend.counts()
	require.Equal(t, 1, accepted)
	require.Equal(t, 0, env.calls)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	backend := newFakeBackend()
	env := &scriptedEnv{act: action.Default}
	o := newTestOrchestrator(t, backend, env)
	o.model = nil

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not stop after context cancel")
	}
	require.True(t, backend.shutdown)
}
