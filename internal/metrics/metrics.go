// Package metrics exposes prometheus gauges for the pieces of the
// pipeline that report utilisation rather than simple counters: the
// disk buffer's backlog and the throttle transform's per-key, per-key
// dimension budgets (spec.md §4.6 "Utilisation").
package metrics

import "github.com/prometheus/client_golang/prometheus"

// BufferBytesOnDisk reports a disk buffer's current total_bytes_on_disk,
// labeled by the buffer's configured directory.
var BufferBytesOnDisk = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "pipeline",
		Subsystem: "disk_buffer",
		Name:      "bytes_on_disk",
		Help:      "Total bytes currently occupied by a disk buffer's data files.",
	},
	[]string{"buffer_dir"},
)

// EventsDropped counts events dropped by any component, labeled by
// component and drop reason (spec.md §7 "EventsDropped").
var EventsDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pipeline",
		Name:      "events_dropped_total",
		Help:      "Total events dropped, by component and reason.",
	},
	[]string{"component", "reason"},
)

// ThrottleUtilisation reports a throttle key's consumed/threshold ratio
// for one dimension, only populated when Config.DetailedMetrics is set.
var ThrottleUtilisation = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "pipeline",
		Subsystem: "throttle",
		Name:      "utilisation_ratio",
		Help:      "Per-key, per-dimension consumed/threshold ratio for the throttle transform.",
	},
	[]string{"key", "threshold_type"},
)

func init() {
	prometheus.MustRegister(BufferBytesOnDisk, EventsDropped, ThrottleUtilisation)
}
