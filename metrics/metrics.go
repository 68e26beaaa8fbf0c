// Package metrics registers the protocol core's prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	CoordinationsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "accord",
		Subsystem: "coordinate",
		Name:      "started_total",
		Help:      "Coordinations started on this node.",
	})
	FastPathTaken = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "accord",
		Subsystem: "coordinate",
		Name:      "fast_path_total",
		Help:      "Coordinations that committed on the fast path.",
	})
	SlowPathTaken = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "accord",
		Subsystem: "coordinate",
		Name:      "slow_path_total",
		Help:      "Coordinations that required the Accept round.",
	})
	RecoveriesStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "accord",
		Subsystem: "recover",
		Name:      "started_total",
		Help:      "Recovery take-overs started on this node.",
	})
	Preemptions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "accord",
		Subsystem: "coordinate",
		Name:      "preempted_total",
		Help:      "Coordinations preempted by a higher ballot.",
	})
	Timeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "accord",
		Subsystem: "coordinate",
		Name:      "timeout_total",
		Help:      "Coordinations that exhausted their trackers without quorum.",
	})
	Invalidations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "accord",
		Subsystem: "coordinate",
		Name:      "invalidated_total",
		Help:      "Transactions agreed never to commit.",
	})
	ProgressWakeups = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "accord",
		Subsystem: "progress",
		Name:      "wakeups_total",
		Help:      "Progress-log timer firings.",
	})
)

// Register installs every collector on the registry; call once at startup.
func Register(r prometheus.Registerer) {
	for _, c := range []prometheus.Collector{
		CoordinationsStarted, FastPathTaken, SlowPathTaken,
		RecoveriesStarted, Preemptions, Timeouts, Invalidations,
		ProgressWakeups,
	} {
		r.MustRegister(c)
	}
}
