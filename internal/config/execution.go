// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"encoding/json"
	"os"

	cerrors "censorlab.dev/censorlab/internal/errors"
	"censorlab.dev/censorlab/internal/programvm"
)

// LoadScript reads the tengo source file named by Execution.Script, for
// "script" mode. The returned text is handed to policyvm.New as-is.
func (c *Config) LoadScript() (string, error) {
	b, err := os.ReadFile(c.Execution.Script)
	if err != nil {
		return "", cerrors.Wrapf(err, cerrors.KindConfiguration, "read execution script %s", c.Execution.Script)
	}
	return string(b), nil
}

// LoadProgram reads the JSON-encoded programvm.Program named by
// Execution.Script, for "program" mode.
func (c *Config) LoadProgram() (programvm.Program, error) {
	b, err := os.ReadFile(c.Execution.Script)
	if err != nil {
		return programvm.Program{}, cerrors.Wrapf(err, cerrors.KindConfiguration, "read execution program %s", c.Execution.Script)
	}
	var p programvm.Program
	if err := json.Unmarshal(b, &p); err != nil {
		return programvm.Program{}, cerrors.Wrapf(err, cerrors.KindConfiguration, "parse execution program %s", c.Execution.Script)
	}
	return p, nil
}
