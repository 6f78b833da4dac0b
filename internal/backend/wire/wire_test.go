// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package wire

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	bk "censorlab.dev/censorlab/internal/backend"
	"censorlab.dev/censorlab/internal/logging"
)

type fakeConn struct {
	writes    [][]byte
	failWrite bool
}

func (f *fakeConn) ReadFrom(b []byte) (int, net.Addr, error) { return 0, nil, errors.New("unused") }
func (f *fakeConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	if f.failWrite {
		return 0, errors.New("write would block")
	}
	f.writes = append(f.writes, append([]byte(nil), b...))
	return len(b), nil
}
func (f *fakeConn) SetReadDeadline(t time.Time) error { return nil }
func (f *fakeConn) Close() error                      { return nil }

func testFrame(destMAC byte) []byte {
	f := make([]byte, 14)
	f[0] = destMAC
	return f
}

func TestSendParksFailedWriteInRetryBuffer(t *testing.T) {
	conn := &fakeConn{failWrite: true}
	s := &side{name: "client", conn: conn}
	log := logging.WithComponent("test")

	err := s.send(log, testFrame(1))
	require.Error(t, err)
	require.Equal(t, testFrame(1), s.retry)

	// A second frame arrives while the first is still parked and the
	// socket is still blocked: it must be dropped, not buffered.
	err = s.send(log, testFrame(2))
	require.Error(t, err)
	require.Equal(t, testFrame(1), s.retry)
	require.Empty(t, conn.writes)
}

func TestFlushRetryBeforeReadDrainsBuffer(t *testing.T) {
	conn := &fakeConn{failWrite: true}
	s := &side{name: "wan", conn: conn}
	log := logging.WithComponent("test")

	require.Error(t, s.send(log, testFrame(9)))
	require.NotNil(t, s.retry)

	conn.failWrite = false
	s.flushRetryBeforeRead(log)

	require.Nil(t, s.retry)
	require.Len(t, conn.writes, 1)
}

func TestAcceptForwardsToOppositeSide(t *testing.T) {
	clientConn := &fakeConn{}
	wanConn := &fakeConn{}
	b := &Backend{
		client: &side{name: "client", conn: clientConn},
		wan:    &side{name: "wan", conn: wanConn},
		log:    logging.WithComponent("test"),
	}

	fromClient := &bk.Frame{Data: testFrame(0xAA), Handle: b.client}
	require.NoError(t, b.Accept(fromClient))
	require.Len(t, wanConn.writes, 1)
	require.Empty(t, clientConn.writes)

	fromWan := &bk.Frame{Data: testFrame(0xBB), Handle: b.wan}
	require.NoError(t, b.Accept(fromWan))
	require.Len(t, clientConn.writes, 1)
}

func TestResetSendsClientAndServerResetOnCorrectSides(t *testing.T) {
	clientConn := &fakeConn{}
	wanConn := &fakeConn{}
	b := &Backend{
		client: &side{name: "client", conn: clientConn},
		wan:    &side{name: "wan", conn: wanConn},
		log:    logging.WithComponent("test"),
	}

	err := b.Reset(&bk.Frame{}, testFrame(1), testFrame(2), 2)
	require.NoError(t, err)
	require.Len(t, clientConn.writes, 2)
	require.Len(t, wanConn.writes, 2)
}
