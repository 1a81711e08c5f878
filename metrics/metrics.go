// Package metrics wires the supervisor's operational counters into
// Prometheus collectors, following the GaugeVec/CounterVec collector shape
// used elsewhere in this project's lineage for process activity monitoring.
// This repository does not itself expose an HTTP endpoint for scraping;
// embedding callers register Registry.Collectors() with their own
// prometheus.Registerer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every metric the supervisor updates as it runs.
type Registry struct {
	DevicesConnected   prometheus.Gauge
	IPCMessagesTotal   *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	SubprocessRestarts prometheus.Counter
}

// New constructs a Registry. Each metric is unregistered until the caller
// adds it to a prometheus.Registerer via Collectors().
func New() *Registry {
	return &Registry{
		DevicesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "serialosc",
			Name:      "devices_connected",
			Help:      "Number of device children currently tracked by the supervisor, ready or not.",
		}),
		IPCMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "serialosc",
			Name:      "ipc_messages_total",
			Help:      "IPC messages processed by the supervisor, by variant and sender kind.",
		}, []string{"variant", "sender_kind"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "serialosc",
			Name:      "notifications_sent_total",
			Help:      "OSC notifications dispatched to subscribers, by kind (add/remove).",
		}, []string{"kind"}),
		SubprocessRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "serialosc",
			Name:      "subprocess_restarts_total",
			Help:      "Number of times a device child has exited and a new DeviceConnection was subsequently handled for the same devnode.",
		}),
	}
}

// Collectors returns every metric so an embedding caller can register them
// with its own prometheus.Registerer.
func (r *Registry) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.DevicesConnected,
		r.IPCMessagesTotal,
		r.NotificationsTotal,
		r.SubprocessRestarts,
	}
}
