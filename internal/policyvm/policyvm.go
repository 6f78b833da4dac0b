// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package policyvm implements the script-mode per-flow policy engine:
// each flow owns a fresh interpreter scope. Scripts are hosted on
// github.com/d5/tengo/v2, embedding Packet, Model, Regex, and DnsPacket as
// host objects.
package policyvm

import (
	"log/slog"
	"strings"
	"time"

	"github.com/d5/tengo/v2"

	"censorlab.dev/censorlab/internal/action"
	"censorlab.dev/censorlab/internal/decoder"
	"censorlab.dev/censorlab/internal/logging"
	"censorlab.dev/censorlab/internal/model"
)

const resultVar = "__censorlab_result"

// defaultEvalTimeout bounds how long a script's model.evaluate() call
// waits on the ModelWorker before giving up.
const defaultEvalTimeout = 2 * time.Second

// VM holds the configuration shared by every flow's Env: the operator's
// init script source and the ModelWorker scripts can reach through the
// "model" host object.
type VM struct {
	initScript  string
	worker      *model.Worker
	evalTimeout time.Duration
}

// New builds a VM that runs initScript once per flow, on its first packet.
func New(initScript string, worker *model.Worker) *VM {
	return &VM{initScript: initScript, worker: worker, evalTimeout: defaultEvalTimeout}
}

// Env is one flow's interpreter scope. The init script runs exactly once,
// on the flow's first packet; globals is the resulting global scope
// (every top-level declaration the init script made, plus the injected
// host objects), carried forward and re-seeded into each subsequent
// process(packet) evaluation so ordinary script variables persist across
// the flow's packets the same way the "state" map always has.
type Env struct {
	vm      *VM
	globals map[string]tengo.Object
	state   *tengo.Map
	ready   bool
}

// NewEnv creates a fresh per-flow interpreter scope. The init script does
// not run until the flow's first packet reaches Process.
func (vm *VM) NewEnv() *Env {
	return &Env{
		vm:      vm,
		globals: map[string]tengo.Object{},
		state:   &tengo.Map{Value: map[string]tengo.Object{}},
	}
}

// Close releases the scope. The Go garbage collector reclaims tengo's
// interpreter state; nothing external needs tearing down.
func (e *Env) Close() {}

// Process evaluates process(packet) against pkt, running the init script
// once first if this is the flow's first packet. Exceptions are logged
// and converted to action.Default.
func (e *Env) Process(pkt *decoder.Packet) action.Action {
	log := logging.WithComponent("policyvm")

	if !e.ready {
		if err := e.runInit(log, pkt); err != nil {
			return action.Default
		}
	}

	script := tengo.NewScript([]byte(resultVar + " := process(packet)\n"))
	e.seed(script, pkt)

	compiled, err := script.Compile()
	if err != nil {
		log.Error("script compile failed", "error", err)
		return action.Default
	}
	if err := compiled.Run(); err != nil {
		log.Error("script run failed", "error", err)
		return action.Default
	}
	e.capture(compiled)

	return resolveAction(compiled.Get(resultVar), pkt)
}

// runInit compiles and runs the operator's init script exactly once,
// capturing every resulting global (declared variables, the process
// function, the injected host objects) so later calls to Process only
// ever evaluate process(packet) against that persisted scope.
func (e *Env) runInit(log *slog.Logger, pkt *decoder.Packet) error {
	script := tengo.NewScript([]byte(e.vm.initScript))
	script.Add("packet", newPacketObject(pkt))
	script.Add("model", newModelObject(e.vm.worker, e.vm.evalTimeout))
	script.Add("regex", regexFunction)
	script.Add("dns", dnsModule)
	script.Add("state", e.state)

	compiled, err := script.Compile()
	if err != nil {
		log.Error("init script compile failed", "error", err)
		return err
	}
	if err := compiled.Run(); err != nil {
		log.Error("init script run failed", "error", err)
		return err
	}

	e.capture(compiled)
	e.ready = true
	return nil
}

// seed re-adds every global carried over from the init run (or a prior
// packet) plus this packet's fresh Packet object.
func (e *Env) seed(script *tengo.Script, pkt *decoder.Packet) {
	for name, obj := range e.globals {
		script.Add(name, obj)
	}
	script.Add("packet", newPacketObject(pkt))
}

// capture copies every global out of a finished run back into e.globals,
// except the per-call result and packet, which must never outlive the
// call that produced them.
func (e *Env) capture(compiled *tengo.Compiled) {
	for _, v := range compiled.GetAll() {
		if v.Name() == resultVar || v.Name() == "packet" {
			continue
		}
		e.globals[v.Name()] = v.Object()
	}
}

func resolveAction(result *tengo.Variable, pkt *decoder.Packet) action.Action {
	s, ok := result.Object().(*tengo.String)
	if !ok {
		return action.Default
	}

	switch v := strings.ToLower(s.Value); {
	case v == "drop":
		return action.Action{Kind: action.Drop}
	case v == "reset":
		if !pkt.IsTCP() {
			return action.Action{Kind: action.Drop}
		}
		return action.Action{Kind: action.Reset, Reset: resetParamsFromPacket(pkt)}
	case strings.HasPrefix(v, "inject "):
		return action.Default // reserved: injection not yet realized
	default: // "allow" and anything unrecognized
		return action.Default
	}
}

func resetParamsFromPacket(pkt *decoder.Packet) action.ResetParams {
	p := action.ResetParams{
		SrcIP:      pkt.SrcIP(),
		DstIP:      pkt.DstIP(),
		IPv6:       pkt.IPVer == decoder.IPv6,
		SrcPort:    pkt.TCP.SrcPort,
		DstPort:    pkt.TCP.DstPort,
		Seq:        pkt.TCP.Seq,
		Ack:        pkt.TCP.Ack,
		PayloadLen: len(pkt.Payload),
	}
	if pkt.IPVer == decoder.IPv4 {
		p.IPID = pkt.IPv4.Identification
		p.HasIPID = true
	}
	return p
}
