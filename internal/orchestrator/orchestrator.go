// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package orchestrator implements the single cooperative task that drives
// CensorLab end to end: poll a back-end for frames, run each one through
// the list-filter tiers and the active flow's policy engine, and enact
// whatever verdict comes back. The FlowTable, the back-end's read/write
// socket, and the control-plane listener all answer to this one task; the
// Delayer and ModelWorker are the only other tasks, each with its own
// suspension point.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"censorlab.dev/censorlab/internal/action"
	bk "censorlab.dev/censorlab/internal/backend"
	"censorlab.dev/censorlab/internal/ctlplane"
	"censorlab.dev/censorlab/internal/decoder"
	"censorlab.dev/censorlab/internal/delay"
	cerrors "censorlab.dev/censorlab/internal/errors"
	"censorlab.dev/censorlab/internal/flow"
	"censorlab.dev/censorlab/internal/listfilter"
	"censorlab.dev/censorlab/internal/logging"
	"censorlab.dev/censorlab/internal/metrics"
	"censorlab.dev/censorlab/internal/model"
	"censorlab.dev/censorlab/internal/reset"
)

// PolicyEnv is the subset of a per-flow policy environment the Orchestrator
// drives directly. flow.PolicyEnv stays deliberately opaque (just Close);
// this interface is how the Orchestrator recovers the Process call that
// policyvm.Env and programvm.Env both already implement.
type PolicyEnv interface {
	flow.PolicyEnv
	Process(pkt *decoder.Packet) action.Action
}

// Config wires every component the Orchestrator drives. The list filters
// and their per-layer Unknown defaults are precomputed by the caller from
// config.Config, so this package never imports the TOML layer.
type Config struct {
	Backend bk.Backend
	NewEnv  flow.EnvFactory
	Model   *model.Worker
	Control *ctlplane.Server
	Metrics *metrics.Metrics

	// ClientIP identifies the protected host for ArpCache resolution and
	// for deriving Direction on frames that arrive without one (PCAP; NFQ
	// tags each frame by the queue it came from).
	ClientIP net.IP

	IdleTTL      time.Duration
	ReapInterval time.Duration
	ResetRepeat  int

	Ethernet *listfilter.Combined
	IP       *listfilter.Combined
	ARP      *listfilter.Combined
	ICMP     *listfilter.Combined
	TCP      *listfilter.Combined
	UDP      *listfilter.Combined

	EthernetUnknown action.Action
	IPUnknown       action.Action
	ARPUnknown      action.Action
	ICMPUnknown     action.Action
	TCPUnknown      action.Action
	UDPUnknown      action.Action
}

// Orchestrator owns the FlowTable and the active back-end exclusively; no
// other task may touch either.
type Orchestrator struct {
	cfg     Config
	backend bk.Backend
	flows   *flow.Table
	model   *model.Worker
	ctl     *ctlplane.Server
	arp     *reset.ArpCache
	metrics *metrics.Metrics
	log     *slog.Logger

	delayers map[decoder.Direction]*delay.Delayer

	clientIP     net.IP
	resetRepeat  int
	reapInterval time.Duration
	lastReap     time.Time

	wg           sync.WaitGroup
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// New builds an Orchestrator and opens one Delayer sender per direction via
// cfg.Backend.OpenSender — the Delayer never shares the back-end's
// read/write socket.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Backend == nil {
		return nil, cerrors.New(cerrors.KindInitialization, "orchestrator: backend is required")
	}
	if cfg.ResetRepeat <= 0 {
		cfg.ResetRepeat = reset.DefaultRepeat
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 2 * time.Minute
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 5 * time.Second
	}

	delayers := make(map[decoder.Direction]*delay.Delayer, 2)
	for _, dir := range []decoder.Direction{decoder.DirClientToWan, decoder.DirWanToClient} {
		sender, err := cfg.Backend.OpenSender(dir)
		if err != nil {
			return nil, cerrors.Wrapf(err, cerrors.KindInitialization, "open delayer sender for %s", dir)
		}
		delayers[dir] = delay.New(sender, cfg.Metrics)
	}

	return &Orchestrator{
		cfg:          cfg,
		backend:      cfg.Backend,
		flows:        flow.New(cfg.NewEnv, cfg.IdleTTL, cfg.Metrics),
		model:        cfg.Model,
		ctl:          cfg.Control,
		arp:          reset.NewArpCache(),
		metrics:      cfg.Metrics,
		log:          logging.WithComponent("orchestrator"),
		delayers:     delayers,
		clientIP:     cfg.ClientIP,
		resetRepeat:  cfg.ResetRepeat,
		reapInterval: cfg.ReapInterval,
	}, nil
}

// Run drives the cooperative loop until ctx is cancelled, the back-end is
// exhausted (PCAP), or an unrecoverable Poll error occurs. It also starts
// the ModelWorker, the control-plane listener, and both Delayer tasks, and
// tears them all down before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	defer cancel()

	if o.model != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.model.Run(runCtx)
		}()
	}

	if o.ctl != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.ctl.Serve(runCtx); err != nil {
				o.log.Error("control plane server stopped", "error", err)
			}
		}()
	}

	for _, d := range o.delayers {
		d := d
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			d.Run(runCtx)
		}()
	}

	loopErr := o.loop(runCtx)
	o.shutdown()
	return loopErr
}

func (o *Orchestrator) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if o.reapInterval > 0 && time.Since(o.lastReap) >= o.reapInterval {
			o.flows.Reap(time.Now())
			o.lastReap = time.Now()
		}

		frame, err := o.backend.Poll(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				o.log.Info("backend exhausted, stopping")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			o.log.Error("poll failed", "error", err)
			continue
		}

		o.handleFrame(frame)
	}
}

// shutdown aborts the Delayer and control-plane tasks via runCtx
// cancellation (in-flight Delayer heap entries are dropped by design), but
// sends ModelWorker an explicit Shutdown message and joins it, then closes
// the back-end last.
func (o *Orchestrator) shutdown() {
	o.shutdownOnce.Do(func() {
		if o.model != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := o.model.Shutdown(shutdownCtx); err != nil {
				o.log.Warn("model worker shutdown request failed", "error", err)
			}
			cancel()
		}
		if o.ctl != nil {
			o.ctl.Close()
		}
		if o.cancel != nil {
			o.cancel()
		}
		o.wg.Wait()

		if err := o.backend.Shutdown(); err != nil {
			o.log.Warn("backend shutdown failed", "error", err)
		}
	})
}

// Stop cancels the running loop from outside it, for the control plane's
// shutdown command. Safe to call before Run or more than once.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
}

func (o *Orchestrator) pickDelayer(dir decoder.Direction) *delay.Delayer {
	if d, ok := o.delayers[dir]; ok {
		return d
	}
	return o.delayers[decoder.DirWanToClient]
}

