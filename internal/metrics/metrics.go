// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics holds the Prometheus instrumentation shared by the
// Orchestrator, ModelWorker, and Delayer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all CensorLab Prometheus metrics.
type Metrics struct {
	PacketsProcessed prometheus.Counter
	PacketsDropped   prometheus.Counter
	PacketsReset     prometheus.Counter
	PacketsDelayed   prometheus.Counter
	PacketsAllowed   prometheus.Counter

	FlowsActive prometheus.Gauge
	FlowsReaped prometheus.Counter

	ModelQueueDepth    prometheus.Gauge
	ModelInferenceTime prometheus.Histogram
	ModelErrors        *prometheus.CounterVec

	DelayerQueueDepth prometheus.Gauge
}

// New creates and registers a fresh Metrics collector against reg. Passing
// a nil registry uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		PacketsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "censorlab", Name: "packets_processed_total",
			Help: "Total packets observed by the Orchestrator.",
		}),
		PacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "censorlab", Name: "packets_dropped_total",
			Help: "Total packets enacted as Drop.",
		}),
		PacketsReset: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "censorlab", Name: "packets_reset_total",
			Help: "Total packets enacted as Reset.",
		}),
		PacketsDelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "censorlab", Name: "packets_delayed_total",
			Help: "Total packets enacted as Delay.",
		}),
		PacketsAllowed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "censorlab", Name: "packets_allowed_total",
			Help: "Total packets forwarded unchanged.",
		}),
		FlowsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "censorlab", Name: "flows_active",
			Help: "Number of FlowStates currently tracked.",
		}),
		FlowsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "censorlab", Name: "flows_reaped_total",
			Help: "Total flows removed by the reaper.",
		}),
		ModelQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "censorlab", Subsystem: "model", Name: "queue_depth",
			Help: "Pending requests in the ModelWorker's bounded channel.",
		}),
		ModelInferenceTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "censorlab", Subsystem: "model", Name: "inference_seconds",
			Help: "Latency of a single ModelWorker inference call.",
		}),
		ModelErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "censorlab", Subsystem: "model", Name: "errors_total",
			Help: "ModelWorker errors by kind.",
		}, []string{"kind"}),
		DelayerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "censorlab", Subsystem: "delayer", Name: "queue_depth",
			Help: "Items currently armed on the Delayer's min-heap.",
		}),
	}

	reg.MustRegister(
		m.PacketsProcessed, m.PacketsDropped, m.PacketsReset, m.PacketsDelayed, m.PacketsAllowed,
		m.FlowsActive, m.FlowsReaped,
		m.ModelQueueDepth, m.ModelInferenceTime, m.ModelErrors,
		m.DelayerQueueDepth,
	)
	return m
}
