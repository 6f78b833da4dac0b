// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policyvm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"censorlab.dev/censorlab/internal/decoder"
)

func tcpPacket(payload []byte) *decoder.Packet {
	return &decoder.Packet{
		IPVer: decoder.IPv4,
		IPv4:  decoder.IPv4Meta{Src: []byte{10, 0, 0, 2}, Dst: []byte{93, 184, 216, 34}},
		L4:    decoder.L4TCP,
		TCP:   decoder.TCPMeta{SrcPort: 45000, DstPort: 80, Seq: 1000, Ack: 2000},
		Payload: payload,
	}
}

func TestProcessReturnsDropOnMatch(t *testing.T) {
	vm := New(`process := func(packet) { return "drop" }`, nil)
	env := vm.NewEnv()
	act := env.Process(tcpPacket(nil))
	require.Equal(t, 2 /* action.Drop */, int(act.Kind))
}

func TestProcessDefaultsToAllowOnUnrecognized(t *testing.T) {
	vm := New(`process := func(packet) { return "whatever" }`, nil)
	env := vm.NewEnv()
	act := env.Process(tcpPacket(nil))
	require.Equal(t, 0 /* action.None */, int(act.Kind))
}

func TestProcessStatePersistsAcrossPackets(t *testing.T) {
	vm := New(`
process := func(packet) {
	if !is_int(state.count) {
		state.count = 0
	}
	state.count += 1
	if state.count > 2 {
		return "drop"
	}
	return "allow"
}`, nil)
	env := vm.NewEnv()

	require.Equal(t, 0, int(env.Process(tcpPacket(nil)).Kind))
	require.Equal(t, 0, int(env.Process(tcpPacket(nil)).Kind))
	require.Equal(t, 2, int(env.Process(tcpPacket(nil)).Kind))
}

func TestProcessInitScriptVariablePersistsAcrossPackets(t *testing.T) {
	vm := New(`
count := 0

process := func(packet) {
	count += 1
	if count > 2 {
		return "drop"
	}
	return "allow"
}`, nil)
	env := vm.NewEnv()

	require.Equal(t, 0, int(env.Process(tcpPacket(nil)).Kind))
	require.Equal(t, 0, int(env.Process(tcpPacket(nil)).Kind))
	require.Equal(t, 2, int(env.Process(tcpPacket(nil)).Kind))
}

func TestProcessUsesPayloadEntropy(t *testing.T) {
	vm := New(`
process := func(packet) {
	if packet.payload_entropy > 0.9 {
		return "reset"
	}
	return "allow"
}`, nil)
	env := vm.NewEnv()

	highEntropy := make([]byte, 256)
	for i := range highEntropy {
		highEntropy[i] = byte(i)
	}
	act := env.Process(tcpPacket(highEntropy))
	require.Equal(t, 3 /* action.Reset */, int(act.Kind))
	require.Equal(t, "10.0.0.2", act.Reset.SrcIP.String())
}
