// Package metrics exposes Prometheus counters for the emulation control plane.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all radionet collectors.
var Registry = prometheus.NewRegistry()

var (
	// LocationsPublished counts outbound location events written to the bus.
	LocationsPublished = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "radionet_locations_published_total",
		Help: "Outbound location events published to the radio emulator bus.",
	})

	// EventsReceived counts inbound events consumed by the monitor.
	EventsReceived = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "radionet_events_received_total",
		Help: "Inbound location events received from the radio emulator bus.",
	})

	// EventsDropped counts inbound events discarded as incomplete or invalid.
	EventsDropped = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "radionet_events_dropped_total",
		Help: "Inbound events dropped for missing or out-of-range coordinates.",
	})

	// DaemonsStarted counts radio daemon launches.
	DaemonsStarted = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "radionet_daemons_started_total",
		Help: "Per-interface radio daemons launched.",
	})

	// DaemonLaunchFailures counts failed radio daemon launches.
	DaemonLaunchFailures = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "radionet_daemon_launch_failures_total",
		Help: "Per-interface radio daemon launches that failed.",
	})
)

// Handler returns an HTTP handler serving the radionet registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
