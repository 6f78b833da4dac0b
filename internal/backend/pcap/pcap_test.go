// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pcap

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/stretchr/testify/require"

	"censorlab.dev/censorlab/internal/decoder"
)

func writeTestCapture(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IPv4(10, 0, 0, 1), DstIP: net.IPv4(10, 0, 0, 2)}
	tcp := &layers.TCP{SrcPort: 1234, DstPort: 80, SYN: true}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp))

	ci := gopacket.CaptureInfo{Timestamp: time.Unix(1700000000, 0), CaptureLength: len(buf.Bytes()), Length: len(buf.Bytes())}
	require.NoError(t, w.WritePacket(ci, buf.Bytes()))
}

func TestPollReadsFrameThenEOF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.pcap")
	writeTestCapture(t, path)

	b, err := New(Config{Path: path})
	require.NoError(t, err)
	defer b.Shutdown()

	ctx := context.Background()
	f, err := b.Poll(ctx)
	require.NoError(t, err)
	require.True(t, f.L2.HasEthernet)
	require.Equal(t, uint64(1), f.Index)
	require.NotEmpty(t, f.Data)

	_, err = b.Poll(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestDropAndResetAreSimulatedNotError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.pcap")
	writeTestCapture(t, path)

	b, err := New(Config{Path: path})
	require.NoError(t, err)
	defer b.Shutdown()

	f, err := b.Poll(context.Background())
	require.NoError(t, err)

	require.NoError(t, b.Drop(f))
	require.NoError(t, b.Reset(f, []byte("client"), []byte("server"), 3))
	require.NoError(t, b.Accept(f))

	sender, err := b.OpenSender(decoder.DirUnknown)
	require.NoError(t, err)
	require.NoError(t, sender.Send([]byte("payload")))

	prepared, err := b.Prepare(f)
	require.NoError(t, err)
	require.Equal(t, f.Data, prepared)
}
