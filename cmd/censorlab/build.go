// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	bk "censorlab.dev/censorlab/internal/backend"
	"censorlab.dev/censorlab/internal/config"
	"censorlab.dev/censorlab/internal/ctlplane"
	"censorlab.dev/censorlab/internal/flow"
	"censorlab.dev/censorlab/internal/metrics"
	"censorlab.dev/censorlab/internal/model"
	"censorlab.dev/censorlab/internal/orchestrator"
	"censorlab.dev/censorlab/internal/policyvm"
	"censorlab.dev/censorlab/internal/programvm"
)

// metadataFeatureCount peeks at a model metadata file's feature list so the
// shared ONNX session loader can be built with the right input shape
// before any model is actually loaded (model.Worker has one SessionLoader
// for every model it ever loads).
func metadataFeatureCount(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read model metadata %s: %w", path, err)
	}
	var meta model.Metadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return 0, fmt.Errorf("parse model metadata %s: %w", path, err)
	}
	return len(meta.Features), nil
}

// buildModelWorker constructs the ModelWorker and loads every configured
// model into it synchronously, before the Orchestrator starts its loop.
// All models share one ONNX input shape, taken from the metadata of the
// first model with a metadata_path that iteration over the (unordered)
// model map reaches.
func buildModelWorker(cfg *config.Config, m *metrics.Metrics) (*model.Worker, error) {
	featureCount := 1
	for _, mc := range cfg.Models {
		if mc.MetadataPath == "" {
			continue
		}
		n, err := metadataFeatureCount(mc.MetadataPath)
		if err != nil {
			return nil, err
		}
		featureCount = n
		break
	}

	loader := model.NewONNXSessionLoader([]int64{1, int64(featureCount)})
	worker := model.New(256, loader, m)

	for name, mc := range cfg.Models {
		modelBytes, err := os.ReadFile(mc.Path)
		if err != nil {
			return nil, fmt.Errorf("read model %s: %w", name, err)
		}
		metaBytes := []byte(`{}`)
		if mc.MetadataPath != "" {
			metaBytes, err = os.ReadFile(mc.MetadataPath)
			if err != nil {
				return nil, fmt.Errorf("read model metadata %s: %w", name, err)
			}
		}
		if err := worker.LoadModel(name, modelBytes, metaBytes); err != nil {
			return nil, fmt.Errorf("load model %s: %w", name, err)
		}
	}

	return worker, nil
}

// buildEnvFactory instantiates the configured policy engine (PolicyVM for
// "script" mode, ProgramVM for "program" mode) and returns the
// flow.EnvFactory the FlowTable calls on every newly observed flow.
func buildEnvFactory(cfg *config.Config, worker *model.Worker) (flow.EnvFactory, error) {
	switch cfg.Execution.Mode {
	case "program":
		prog, err := cfg.LoadProgram()
		if err != nil {
			return nil, err
		}
		machine := programvm.Compile(prog)
		return func(initial flow.FiveTuple) flow.PolicyEnv {
			return machine.NewEnv()
		}, nil
	default:
		script, err := cfg.LoadScript()
		if err != nil {
			return nil, err
		}
		vm := policyvm.New(script, worker)
		return func(initial flow.FiveTuple) flow.PolicyEnv {
			return vm.NewEnv()
		}, nil
	}
}

func buildListFilters(cfg *config.Config) (orchestrator.Config, error) {
	var oc orchestrator.Config
	var err error

	if oc.Ethernet, err = cfg.Ethernet.BuildSetList(); err != nil {
		return oc, fmt.Errorf("ethernet section: %w", err)
	}
	if oc.IP, err = cfg.IP.BuildSetList(); err != nil {
		return oc, fmt.Errorf("ip section: %w", err)
	}
	if oc.ARP, err = cfg.ARP.BuildSetList(); err != nil {
		return oc, fmt.Errorf("arp section: %w", err)
	}
	if oc.ICMP, err = cfg.ICMP.BuildSetList(); err != nil {
		return oc, fmt.Errorf("icmp section: %w", err)
	}
	if oc.TCP, err = cfg.TCP.BuildPortList(); err != nil {
		return oc, fmt.Errorf("tcp section: %w", err)
	}
	if oc.UDP, err = cfg.UDP.BuildPortList(); err != nil {
		return oc, fmt.Errorf("udp section: %w", err)
	}

	oc.EthernetUnknown = cfg.Ethernet.UnknownAction()
	oc.IPUnknown = cfg.IP.UnknownAction()
	oc.ARPUnknown = cfg.ARP.UnknownAction()
	oc.ICMPUnknown = cfg.ICMP.UnknownAction()
	oc.TCPUnknown = cfg.TCP.UnknownAction()
	oc.UDPUnknown = cfg.UDP.UnknownAction()
	return oc, nil
}

// buildOrchestrator wires a loaded Config and an already-opened Backend
// into a running Orchestrator, ready for Run.
func buildOrchestrator(cfg *config.Config, backend bk.Backend, clientIP net.IP) (*orchestrator.Orchestrator, error) {
	m := metrics.New(nil)

	oc, err := buildListFilters(cfg)
	if err != nil {
		return nil, err
	}

	worker, err := buildModelWorker(cfg, m)
	if err != nil {
		return nil, err
	}

	newEnv, err := buildEnvFactory(cfg, worker)
	if err != nil {
		return nil, err
	}

	// o is filled in below; the control plane's Shutdown command needs a
	// handle to it before it exists, so the closure reads it through this
	// variable rather than being handed one directly.
	var o *orchestrator.Orchestrator
	ctl := ctlplane.NewServer(worker, func() {
		if o != nil {
			o.Stop()
		}
	})
	if err := ctl.Listen(cfg.Control.ListenAddr); err != nil {
		return nil, fmt.Errorf("listen control plane %s: %w", cfg.Control.ListenAddr, err)
	}

	oc.Backend = backend
	oc.NewEnv = newEnv
	oc.Model = worker
	oc.Control = ctl
	oc.Metrics = m
	oc.ClientIP = clientIP

	o, err = orchestrator.New(oc)
	if err != nil {
		return nil, err
	}
	return o, nil
}
