package live

import (
	"github.com/bissquit/sterility-garden/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	liveClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "live",
			Name:      "clients",
			Help:      "Number of connected websocket clients",
		},
	)

	liveClientsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "live",
			Name:      "clients_dropped_total",
			Help:      "Clients disconnected because their send buffer was full",
		},
	)

	liveEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "live",
			Name:      "events_published_total",
			Help:      "Events published to the live feed by type",
		},
		[]string{"type"},
	)
)
