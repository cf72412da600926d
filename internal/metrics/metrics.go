// Package metrics exposes prometheus instruments for the async runtime:
// active fiber count, pending I/O registrations, context switches, and
// timer fires (SPEC_FULL.md §11). Components report into these directly
// instead of taking a metrics interface, mirroring the package-level
// collector idiom the Warren manifest's dependency on
// github.com/prometheus/client_golang implies.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ActiveFibers is the number of fibers currently in the Exec state
	// across all registered schedulers.
	ActiveFibers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hiper",
		Name:      "active_fibers",
		Help:      "Fibers currently executing.",
	})

	// PendingEvents mirrors ioreactor.Manager.PendingEvents.
	PendingEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hiper",
		Name:      "pending_events",
		Help:      "Outstanding reactor event registrations.",
	})

	// ContextSwitches counts fiber Resume calls.
	ContextSwitches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hiper",
		Name:      "context_switches_total",
		Help:      "Total fiber resume operations.",
	})

	// TimerFires counts timer callbacks executed by CollectExpired.
	TimerFires = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hiper",
		Name:      "timer_fires_total",
		Help:      "Total timer callbacks fired.",
	})
)

// Registry bundles the runtime's collectors into a fresh prometheus
// registry, used by cmd/hiperd's /metrics endpoint.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(ActiveFibers, PendingEvents, ContextSwitches, TimerFires)
	return r
}
