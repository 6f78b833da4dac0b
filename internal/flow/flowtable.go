// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"sync"
	"time"

	"censorlab.dev/censorlab/internal/decoder"
	"censorlab.dev/censorlab/internal/metrics"
)

// EnvFactory builds the per-flow policy execution environment for a newly
// created FlowState. It is supplied by whichever policy engine (PolicyVM or
// ProgramVM) the Orchestrator is configured to run.
type EnvFactory func(initial FiveTuple) PolicyEnv

// Table owns every active FlowState, exclusively, for the Orchestrator.
// No other task may reach into it.
type Table struct {
	mu      sync.Mutex
	flows   map[Key]*State
	newEnv  EnvFactory
	idleTTL time.Duration
	metrics *metrics.Metrics
}

// New creates a FlowTable. idleTTL bounds how long any flow, TCP or UDP,
// may sit idle before the reaper removes it.
func New(newEnv EnvFactory, idleTTL time.Duration, m *metrics.Metrics) *Table {
	return &Table{
		flows:   make(map[Key]*State),
		newEnv:  newEnv,
		idleTTL: idleTTL,
		metrics: m,
	}
}

// LookupOrCreate returns the FlowState for p's FlowKey, creating one (and
// its policy environment) on first sight.
func (t *Table) LookupOrCreate(p *decoder.Packet, now time.Time) (*State, bool) {
	key := KeyForPacket(p)

	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.flows[key]; ok {
		s.ObserveFinAck(p)
		return s, false
	}

	proto := ProtoUDP
	if p.IsTCP() {
		proto = ProtoTCP
	}
	initial := FiveTuple{
		SrcIP: p.SrcIP(), DstIP: p.DstIP(),
		SrcPort: p.SrcPort, DstPort: p.DstPort,
		Proto: proto,
	}

	s := &State{
		Key:     key,
		Initial: initial,
		created: now,
	}
	s.Touch(now)
	if t.newEnv != nil {
		s.Env = t.newEnv(initial)
	}
	s.FirstPacketSeen = true
	s.ObserveFinAck(p)

	t.flows[key] = s
	if t.metrics != nil {
		t.metrics.FlowsActive.Set(float64(len(t.flows)))
	}
	return s, true
}

// Get returns the FlowState for key without creating one.
func (t *Table) Get(key Key) (*State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.flows[key]
	return s, ok
}

// Len reports how many flows are currently tracked.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flows)
}

// Reap removes finished TCP flows and idle-expired flows, surrendering
// each FlowState's policy environment. It returns how many flows were
// removed. Callers invoke this periodically (e.g. from the Orchestrator's
// cooperative loop).
func (t *Table) Reap(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, s := range t.flows {
		expired := false
		if s.Initial.Proto == ProtoTCP && s.Finished() {
			expired = true
		} else if s.Idle(now, t.idleTTL) {
			expired = true
		}
		if expired {
			if s.Env != nil {
				s.Env.Close()
			}
			delete(t.flows, key)
			removed++
		}
	}
	if removed > 0 && t.metrics != nil {
		t.metrics.FlowsReaped.Add(float64(removed))
		t.metrics.FlowsActive.Set(float64(len(t.flows)))
	}
	return removed
}
