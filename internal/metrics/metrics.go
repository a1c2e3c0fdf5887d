// Package metrics exposes Prometheus collectors for the orchestrator core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scheduling config metrics
	ConfigLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vmgrid",
		Name:      "sched_config_loads_total",
		Help:      "Total scheduling config loads reaching the persistence layer",
	}, []string{"source"}) // "db", "bootstrap", "memory"

	ConfigUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vmgrid",
		Name:      "sched_config_updates_total",
		Help:      "Total scheduling config update attempts",
	}, []string{"result"}) // "applied", "rejected", "error"

	ConfigVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vmgrid",
		Name:      "sched_config_version",
		Help:      "Version of the live scheduling config",
	})

	// Command metrics
	CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vmgrid",
		Name:      "commands_dispatched_total",
		Help:      "Total node commands handed to the messenger",
	}, []string{"type", "result"}) // result: "delivered", "failed"

	CommandsOutstanding = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vmgrid",
		Name:      "commands_outstanding",
		Help:      "Commands registered and awaiting acknowledgment",
	})

	AcksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vmgrid",
		Name:      "command_acks_total",
		Help:      "Total acknowledgments processed",
	}, []string{"type", "result"}) // result: "success", "failure", "unknown", "timeout", "deferred"

	// GPU setup metrics
	GpuSetups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vmgrid",
		Name:      "gpu_setups_total",
		Help:      "GPU setup attempts by terminal outcome",
	}, []string{"outcome"}) // "completed", "reboot_required", "failed", "not_needed"

	GpuSetupsInProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vmgrid",
		Name:      "gpu_setups_in_progress",
		Help:      "Nodes currently running GPU setup",
	})

	// Event sink metrics
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vmgrid",
		Name:      "events_appended_total",
		Help:      "Total events appended to the sink",
	}, []string{"type"})

	// Fleet metrics
	NodesRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vmgrid",
		Name:      "nodes_registered",
		Help:      "Nodes currently known to the registry",
	})
)
