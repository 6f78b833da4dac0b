// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeLoader struct {
	loaded map[string][]byte
}

func (f *fakeLoader) LoadModel(name string, modelBytes, metadataJSON []byte) error {
	if f.loaded == nil {
		f.loaded = map[string][]byte{}
	}
	f.loaded[name] = modelBytes
	return nil
}

func startServer(t *testing.T, loader ModelLoader, onShutdown func()) (addr string, stop func()) {
	t.Helper()
	srv := NewServer(loader, onShutdown)
	require.NoError(t, srv.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()

	return srv.listener.Addr().String(), func() {
		cancel()
		srv.Close()
		<-done
	}
}

func TestSendModelRoundTrip(t *testing.T) {
	loader := &fakeLoader{}
	addr, stop := startServer(t, loader, nil)
	defer stop()

	dir := t.TempDir()
	onnxPath := filepath.Join(dir, "model.onnx")
	metaPath := filepath.Join(dir, "meta.json")
	require.NoError(t, os.WriteFile(onnxPath, []byte("fake-onnx"), 0o644))
	require.NoError(t, os.WriteFile(metaPath, []byte(`{"features":[]}`), 0o644))

	require.NoError(t, SendModel(addr, ScopeTCP, onnxPath, metaPath))
	require.Equal(t, []byte("fake-onnx"), loader.loaded["tcp"])
}

func TestSendShutdownInvokesCallback(t *testing.T) {
	called := make(chan struct{}, 1)
	addr, stop := startServer(t, &fakeLoader{}, func() { called <- struct{}{} })
	defer stop()

	require.NoError(t, SendShutdown(addr))

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("onShutdown was not invoked")
	}
}

func TestUnknownOpcodeYieldsNO(t *testing.T) {
	addr, stop := startServer(t, &fakeLoader{}, nil)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0xFF})
	require.NoError(t, err)

	var resp [2]byte
	_, err = conn.Read(resp[:])
	require.NoError(t, err)
	require.Equal(t, "NO", string(resp[:]))
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope("udp")
	require.NoError(t, err)
	require.Equal(t, ScopeUDP, s)

	_, err = ParseScope("bogus")
	require.Error(t, err)
}
