// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"censorlab.dev/censorlab/internal/action"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadDefaultsAndPathResolution(t *testing.T) {
	dir := t.TempDir()
	writeTemp(t, dir, "model.onnx", "fake-onnx-bytes")
	writeTemp(t, dir, "meta.json", "{}")
	writeTemp(t, dir, "policy.tengo", "process := func(p) { return \"allow\" }")

	toml := `
[tcp]
block = ["80"]

[execution]
mode = "script"
script = "policy.tengo"

[models.tcp]
path = "model.onnx"
metadata_path = "meta.json"
`
	path := writeTemp(t, dir, "censorlab.toml", toml)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "allow", cfg.TCP.Unknown)
	require.Equal(t, "drop", cfg.TCP.BlockAction)
	require.Equal(t, "127.0.0.1:25716", cfg.Control.ListenAddr)
	require.Equal(t, "info", cfg.Logging.Level)

	require.Equal(t, filepath.Join(dir, "policy.tengo"), cfg.Execution.Script)
	require.Equal(t, filepath.Join(dir, "model.onnx"), cfg.Models["tcp"].Path)
	require.Equal(t, filepath.Join(dir, "meta.json"), cfg.Models["tcp"].MetadataPath)
}

func TestLoadRejectsUnknownAction(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "censorlab.toml", "[ip]\nunknown = \"explode\"\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownExecutionMode(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "censorlab.toml", "[execution]\nmode = \"perl\"\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestBuildPortListBlocksConfiguredPort(t *testing.T) {
	s := ListSection{Block: []string{"80"}, BlockAction: "drop", Unknown: "allow"}
	combined, err := s.BuildPortList()
	require.NoError(t, err)

	got, terminal := combined.Evaluate("80", true)
	require.True(t, terminal)
	require.Equal(t, action.Drop, got.Kind)

	_, terminal = combined.Evaluate("443", true)
	require.False(t, terminal)
}

func TestBuildSetListAllowsOnlyMembers(t *testing.T) {
	s := ListSection{Allow: []string{"10.0.0.2"}, AllowAction: "drop", Unknown: "allow"}
	combined, err := s.BuildSetList()
	require.NoError(t, err)

	act, terminal := combined.Evaluate("8.8.8.8", true)
	require.True(t, terminal)
	require.Equal(t, action.Drop, act.Kind)

	_, terminal = combined.Evaluate("10.0.0.2", true)
	require.False(t, terminal)
}

func TestUnknownActionResolves(t *testing.T) {
	s := ListSection{Unknown: "ignore"}
	act := s.UnknownAction()
	require.Equal(t, action.Ignore, act.Kind)
}
