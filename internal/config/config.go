// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the TOML configuration CensorLab reads once at
// startup: per-layer allow/block list sections, the PolicyVM/ProgramVM
// execution selector, the model table, the control-plane listen address,
// and logging. Paths inside the file are resolved relative to the config
// file's own directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"censorlab.dev/censorlab/internal/action"
	cerrors "censorlab.dev/censorlab/internal/errors"
	"censorlab.dev/censorlab/internal/listfilter"
)

// ListSection is the allow/block list shape shared by every per-layer
// config section: a set of membership keys for each disposition plus the
// action to take when neither list renders a terminal decision.
//
// @default unknown: "allow"
type ListSection struct {
	// Allow is evaluated after Block; a key NOT in this set is Dropped (or
	// whatever AllowAction names) when the list is non-empty.
	Allow []string `toml:"allow,omitempty"`
	// AllowAction is applied to non-members of Allow.
	// @default: "drop"
	AllowAction string `toml:"allow_action,omitempty"`
	// Block is evaluated first; a key IN this set triggers BlockAction.
	Block []string `toml:"block,omitempty"`
	// BlockAction is applied to members of Block.
	// @default: "drop"
	BlockAction string `toml:"block_action,omitempty"`
	// Unknown is the layer's default action when parsing this layer's
	// header fails or the packet falls outside any list consulted.
	// @default: "allow"
	Unknown string `toml:"unknown,omitempty"`
}

// EthernetConfig filters on the frame's source/destination MAC.
type EthernetConfig struct {
	ListSection
}

// IPConfig filters on the packet's source/destination IP (v4 or v6,
// stored in their net.IP.String() form).
type IPConfig struct {
	ListSection
}

// ARPConfig filters ARP traffic by the IP being resolved.
type ARPConfig struct {
	ListSection
}

// ICMPConfig filters ICMP/ICMPv6 traffic by source IP.
type ICMPConfig struct {
	ListSection
}

// TCPConfig filters TCP traffic by destination port, then source port.
type TCPConfig struct {
	ListSection
}

// UDPConfig filters UDP traffic by destination port, then source port.
type UDPConfig struct {
	ListSection
}

// ExecutionConfig selects which per-flow policy engine the Orchestrator
// instantiates for every FlowState, and the path to its definition.
type ExecutionConfig struct {
	// Mode selects "script" (PolicyVM, a tengo-backed interpreter) or
	// "program" (ProgramVM, the register-machine interpreter).
	// @enum: script, program
	// @default: "script"
	Mode string `toml:"mode,omitempty"`
	// Script is the path to the policy definition: a tengo source file in
	// "script" mode, or a JSON-encoded programvm.Program in "program" mode.
	Script string `toml:"script,omitempty"`
}

// ModelConfig names the ONNX model and its normalization metadata loaded
// into ModelWorker under Models[name].
type ModelConfig struct {
	// Path is the ONNX model file.
	Path string `toml:"path"`
	// MetadataPath is the JSON feature/label metadata file; see
	// internal/model.Metadata for its shape.
	MetadataPath string `toml:"metadata_path,omitempty"`
}

// ControlConfig configures the control-plane IPC listener.
type ControlConfig struct {
	// ListenAddr is the local TCP address the control-plane server binds.
	// @default: "127.0.0.1:25716"
	ListenAddr string `toml:"listen_addr,omitempty"`
}

// LoggingConfig configures the root structured logger. Ambient: not named
// in the wire-format sections but required by the always-on logging stack.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	// @default: "info"
	Level string `toml:"level,omitempty"`
	// Format is "text" or "json".
	// @default: "text"
	Format string `toml:"format,omitempty"`
}

// Config is the top-level TOML configuration structure.
type Config struct {
	Ethernet EthernetConfig `toml:"ethernet"`
	IP       IPConfig       `toml:"ip"`
	ARP      ARPConfig      `toml:"arp"`
	ICMP     ICMPConfig     `toml:"icmp"`
	TCP      TCPConfig      `toml:"tcp"`
	UDP      UDPConfig      `toml:"udp"`

	Execution ExecutionConfig        `toml:"execution"`
	Models    map[string]ModelConfig `toml:"models"`
	Control   ControlConfig          `toml:"control"`
	Logging   LoggingConfig          `toml:"logging"`

	// dir is the config file's directory; relative paths resolve against it.
	dir string
}

// Load reads and parses the TOML file at path, resolves relative paths
// against the file's directory, and fills in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cerrors.Wrapf(err, cerrors.KindConfiguration, "read config %s", path)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, cerrors.Wrapf(err, cerrors.KindConfiguration, "parse config %s", path)
	}

	cfg.dir = filepath.Dir(path)
	cfg.applyDefaults()
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	for _, s := range []*ListSection{
		&c.Ethernet.ListSection, &c.IP.ListSection, &c.ARP.ListSection,
		&c.ICMP.ListSection, &c.TCP.ListSection, &c.UDP.ListSection,
	} {
		if s.Unknown == "" {
			s.Unknown = "allow"
		}
		if s.AllowAction == "" {
			s.AllowAction = "drop"
		}
		if s.BlockAction == "" {
			s.BlockAction = "drop"
		}
	}
	if c.Execution.Mode == "" {
		c.Execution.Mode = "script"
	}
	if c.Control.ListenAddr == "" {
		c.Control.ListenAddr = "127.0.0.1:25716"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) resolvePaths() {
	if c.Execution.Script != "" {
		c.Execution.Script = c.resolve(c.Execution.Script)
	}
	for name, m := range c.Models {
		m.Path = c.resolve(m.Path)
		if m.MetadataPath != "" {
			m.MetadataPath = c.resolve(m.MetadataPath)
		}
		c.Models[name] = m
	}
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.dir, p)
}

// Validate checks that every action name and execution mode names
// something the rest of the pipeline understands.
func (c *Config) Validate() error {
	for name, s := range map[string]ListSection{
		"ethernet": c.Ethernet.ListSection, "ip": c.IP.ListSection, "arp": c.ARP.ListSection,
		"icmp": c.ICMP.ListSection, "tcp": c.TCP.ListSection, "udp": c.UDP.ListSection,
	} {
		for _, a := range []string{s.Unknown, s.AllowAction, s.BlockAction} {
			if _, err := ParseAction(a); err != nil {
				return cerrors.Wrapf(err, cerrors.KindConfiguration, "%s section", name)
			}
		}
	}
	switch c.Execution.Mode {
	case "script", "program":
	default:
		return cerrors.Errorf(cerrors.KindConfiguration, "execution.mode %q must be \"script\" or \"program\"", c.Execution.Mode)
	}
	return nil
}

// ParseAction maps a config action name to its action.Action value.
// "allow"/"ignore"/"drop"/"reset" are recognized; reset carries no
// ResetParams here since those are always derived from the offending
// packet at evaluation time, not declared statically.
func ParseAction(name string) (action.Action, error) {
	switch name {
	case "", "allow":
		return action.Default, nil
	case "ignore":
		return action.Action{Kind: action.Ignore}, nil
	case "drop":
		return action.Action{Kind: action.Drop}, nil
	case "reset":
		return action.Action{Kind: action.Reset}, nil
	default:
		return action.Action{}, fmt.Errorf("unrecognized action %q", name)
	}
}

// Build turns a ListSection into a listfilter.Combined over key, using
// store for membership (the caller supplies a SetStore or PortBitmap
// matching the section's key domain).
func (s ListSection) Build(newAllowStore, newBlockStore func(keys []string) listfilter.Store) (*listfilter.Combined, error) {
	c := &listfilter.Combined{}
	if len(s.Block) > 0 {
		act, err := ParseAction(s.BlockAction)
		if err != nil {
			return nil, err
		}
		c.Block = &listfilter.List{Store: newBlockStore(s.Block), Disposition: listfilter.Block, Action: act}
	}
	if len(s.Allow) > 0 {
		act, err := ParseAction(s.AllowAction)
		if err != nil {
			return nil, err
		}
		c.Allow = &listfilter.List{Store: newAllowStore(s.Allow), Disposition: listfilter.Allow, Action: act}
	}
	return c, nil
}

// BuildSetList builds a ListSection's Combined over plain string keys
// (MAC or IP addresses), for the Ethernet/IP/ARP/ICMP sections.
func (s ListSection) BuildSetList() (*listfilter.Combined, error) {
	toStore := func(keys []string) listfilter.Store { return listfilter.NewSetStore(keys...) }
	return s.Build(toStore, toStore)
}

// BuildPortList builds a ListSection's Combined over a PortBitmap, for
// the TCP/UDP sections. Malformed port strings are rejected.
func (s ListSection) BuildPortList() (*listfilter.Combined, error) {
	for _, k := range append(append([]string(nil), s.Allow...), s.Block...) {
		var port uint16
		if _, err := fmt.Sscanf(k, "%d", &port); err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", k, err)
		}
	}
	toStore := func(keys []string) listfilter.Store {
		pb := &listfilter.PortBitmap{}
		for _, k := range keys {
			var port uint16
			if _, err := fmt.Sscanf(k, "%d", &port); err == nil {
				pb.Set(port)
			}
		}
		return pb
	}
	return s.Build(toStore, toStore)
}

// UnknownAction resolves the section's default action.
func (s ListSection) UnknownAction() action.Action {
	act, _ := ParseAction(s.Unknown) // validated at Load time
	return act
}
