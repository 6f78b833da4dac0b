// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package programvm

import (
	"censorlab.dev/censorlab/internal/action"
	"censorlab.dev/censorlab/internal/decoder"
)

// Machine holds one optimized Program ready to be instantiated per flow.
type Machine struct {
	program Program
}

// Compile optimizes p once at load time; every flow's Env shares the
// resulting optimized Program (it is never mutated at runtime).
func Compile(p Program) *Machine {
	return &Machine{program: Optimize(p)}
}

// Env is one flow's register-machine execution environment: its own
// register file, packet counter, and terminal-action latch.
type Env struct {
	machine    *Machine
	regs       *RegisterFile
	numPackets int64
	latch      action.Latch
}

// NewEnv allocates a fresh register file sized per the compiled program.
func (m *Machine) NewEnv() *Env {
	p := m.program
	return &Env{
		machine: m,
		regs:    NewRegisterFile(maxOne(p.FloatWidth), maxOne(p.IntWidth), maxOne(p.BoolWidth)),
	}
}

func maxOne(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// Close releases the environment; nothing beyond GC is required.
func (e *Env) Close() {}

// Process runs the compiled program against pkt. If the flow's latch has
// already skipped evaluation (AllowAll/TerminateAll), the program is not
// run again for the rest of the flow.
func (e *Env) Process(pkt *decoder.Packet) action.Action {
	e.numPackets++

	if e.latch.Skips() {
		return action.Action{Kind: e.latch.ResolveKind()}
	}

	ctx := &execContext{pkt: pkt, numPackets: e.numPackets}
	outcome := e.machine.program.Run(e.regs, ctx)

	if outcome.Latch != action.LatchNone {
		e.latch = outcome.Latch
	}
	return outcome.Act
}
