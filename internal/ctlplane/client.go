// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// dialTimeout bounds how long the client binary waits to connect to a
// (possibly not-yet-started) running instance.
const dialTimeout = 5 * time.Second

// SendModel dials addr and pushes an UpdateModel request built from the
// ONNX model and JSON metadata files at onnxPath/metaPath.
func SendModel(addr string, scope Scope, onnxPath, metaPath string) error {
	onnx, err := os.ReadFile(onnxPath)
	if err != nil {
		return fmt.Errorf("read model file: %w", err)
	}
	meta, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("read metadata file: %w", err)
	}

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if err := writeUpdateModel(conn, UpdateModelRequest{Scope: scope, ONNX: onnx, Metadata: meta}); err != nil {
		return fmt.Errorf("send update-model request: %w", err)
	}
	return readOKResponse(conn)
}

// SendShutdown dials addr and requests a clean shutdown.
func SendShutdown(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{byte(OpShutdown)}); err != nil {
		return fmt.Errorf("send shutdown request: %w", err)
	}
	return readOKResponse(conn)
}

func readOKResponse(r io.Reader) error {
	var resp [2]byte
	if _, err := io.ReadFull(r, resp[:]); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp == respNO {
		return fmt.Errorf("server rejected request")
	}
	if resp != respOK {
		return fmt.Errorf("unexpected response %q", resp[:])
	}
	return nil
}
