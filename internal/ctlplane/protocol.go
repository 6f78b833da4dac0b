// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ctlplane implements the control-plane protocol: a binary,
// length-prefixed, little-endian request/response exchange over a local
// TCP connection. It lets a separate client binary push a freshly trained
// ONNX model into the running ModelWorker, or request a clean shutdown,
// without restarting the process.
package ctlplane

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Opcode discriminates the two request shapes the protocol accepts.
type Opcode uint8

const (
	OpUpdateModel Opcode = 0
	OpShutdown    Opcode = 1
)

// Scope names which ModelWorker slot an UpdateModel request targets. The
// scope name doubles as the model name PolicyVM's model.evaluate(name, ...)
// addresses.
type Scope uint8

const (
	ScopeTCP Scope = 0
	ScopeUDP Scope = 1
)

func (s Scope) String() string {
	if s == ScopeUDP {
		return "udp"
	}
	return "tcp"
}

// ParseScope maps "tcp"/"udp" to their wire Scope value.
func ParseScope(s string) (Scope, error) {
	switch s {
	case "tcp":
		return ScopeTCP, nil
	case "udp":
		return ScopeUDP, nil
	default:
		return 0, fmt.Errorf("unrecognized scope %q, want tcp or udp", s)
	}
}

var (
	respOK = [2]byte{'O', 'K'}
	respNO = [2]byte{'N', 'O'}
)

// UpdateModelRequest carries an UpdateModel request's decoded payload.
type UpdateModelRequest struct {
	Scope    Scope
	ONNX     []byte
	Metadata []byte
}

// writeUpdateModel frames an UpdateModel request onto w.
func writeUpdateModel(w io.Writer, req UpdateModelRequest) error {
	if _, err := w.Write([]byte{byte(OpUpdateModel), byte(req.Scope)}); err != nil {
		return err
	}
	if err := writeLenPrefixed(w, req.ONNX); err != nil {
		return err
	}
	return writeLenPrefixed(w, req.Metadata)
}

func writeLenPrefixed(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readLenPrefixed(r io.Reader, maxLen uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxLen {
		return nil, fmt.Errorf("length %d exceeds limit %d", n, maxLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// maxPayloadLen bounds onnx_len/meta_len against a hostile or corrupt
// client; models and metadata this large would never be legitimate.
const maxPayloadLen = 1 << 30 // 1 GiB
