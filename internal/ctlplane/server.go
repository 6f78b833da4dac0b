// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	cerrors "censorlab.dev/censorlab/internal/errors"
	"censorlab.dev/censorlab/internal/logging"
)

// ModelLoader is the subset of model.Worker the control plane needs: a way
// to hot-swap the ONNX session for a scope.
type ModelLoader interface {
	LoadModel(name string, modelBytes, metadataJSON []byte) error
}

// Server accepts control-plane connections and dispatches UpdateModel and
// Shutdown requests.
type Server struct {
	loader   ModelLoader
	onShut   func()
	log      *slog.Logger
	listener net.Listener

	closeOnce sync.Once
}

// NewServer builds a Server that routes UpdateModel requests to loader and
// calls onShutdown each time a Shutdown request arrives, after the "OK"
// response has been flushed to the client.
func NewServer(loader ModelLoader, onShutdown func()) *Server {
	return &Server{
		loader: loader,
		onShut: onShutdown,
		log:    logging.WithComponent("ctlplane"),
	}
}

// Listen binds addr. Call Serve afterward to accept connections.
func (s *Server) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return cerrors.Wrapf(err, cerrors.KindInitialization, "ctlplane listen %s", addr)
	}
	s.listener = l
	return nil
}

// Serve runs the accept loop until ctx is cancelled or the listener is
// closed. Each connection is handled in its own goroutine and closed after
// one request/response exchange.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return cerrors.Wrap(err, cerrors.KindIPC, "ctlplane accept")
		}
		go s.handleConn(conn)
	}
}

// Close releases the listener; safe to call more than once.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.listener != nil {
			s.listener.Close()
		}
	})
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	var opcodeBuf [1]byte
	if _, err := io.ReadFull(conn, opcodeBuf[:]); err != nil {
		s.log.Debug("ctlplane read opcode failed", "error", err)
		return
	}

	switch Opcode(opcodeBuf[0]) {
	case OpUpdateModel:
		s.handleUpdateModel(conn)
	case OpShutdown:
		s.handleShutdown(conn)
	default:
		s.log.Warn("ctlplane unknown opcode", "opcode", opcodeBuf[0])
		writeResp(conn, false)
	}
}

func (s *Server) handleUpdateModel(conn net.Conn) {
	var scopeBuf [1]byte
	if _, err := io.ReadFull(conn, scopeBuf[:]); err != nil {
		s.log.Debug("ctlplane read scope failed", "error", err)
		writeResp(conn, false)
		return
	}
	scope := Scope(scopeBuf[0])
	if scope != ScopeTCP && scope != ScopeUDP {
		s.log.Warn("ctlplane invalid scope", "scope", scopeBuf[0])
		writeResp(conn, false)
		return
	}

	onnx, err := readLenPrefixed(conn, maxPayloadLen)
	if err != nil {
		s.log.Debug("ctlplane read onnx payload failed", "error", err)
		writeResp(conn, false)
		return
	}
	meta, err := readLenPrefixed(conn, maxPayloadLen)
	if err != nil {
		s.log.Debug("ctlplane read metadata payload failed", "error", err)
		writeResp(conn, false)
		return
	}

	if err := s.loader.LoadModel(scope.String(), onnx, meta); err != nil {
		s.log.Error("ctlplane model load failed", "scope", scope, "error", err)
		writeResp(conn, false)
		return
	}
	s.log.Info("ctlplane model updated", "scope", scope, "onnx_bytes", len(onnx), "meta_bytes", len(meta))
	writeResp(conn, true)
}

func (s *Server) handleShutdown(conn net.Conn) {
	writeResp(conn, true)
	conn.Close()
	if s.onShut != nil {
		s.onShut()
	}
}

func writeResp(w io.Writer, ok bool) {
	if ok {
		w.Write(respOK[:])
		return
	}
	w.Write(respNO[:])
}
