// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides the structured, component-scoped logger every
// CensorLab package logs through. Components call logging.WithComponent
// once at construction time and keep the returned logger for their
// lifetime rather than looking it up per call.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Format selects the slog handler used by the root logger.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

var (
	mu     sync.RWMutex
	root   *slog.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	output io.Writer     = os.Stderr
)

// Configure replaces the root logger. Call once during startup, before any
// component logger is retained; components hold a *slog.Logger captured at
// WithComponent time, so reconfiguring afterward only affects new callers.
func Configure(level slog.Level, format Format, w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	output = w
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if format == FormatJSON {
		h = slog.NewJSONHandler(output, opts)
	} else {
		h = slog.NewTextHandler(output, opts)
	}
	root = slog.New(h)
}

// WithComponent returns a logger scoped to the named component, e.g.
// logging.WithComponent("orchestrator") or logging.WithComponent("model").
func WithComponent(name string) *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.With("component", name)
}

// Root returns the current root logger without a component attribute.
func Root() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// ParseLevel maps the lowercase level names accepted in configuration to a
// slog.Level; unknown names fall back to Info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
