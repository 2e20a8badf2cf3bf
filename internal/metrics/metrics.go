// Package metrics exposes Prometheus instruments for the intake server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics groups the instruments updated by the acceptor and the handlers.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	Commands            *prometheus.CounterVec
	CommandDuration     *prometheus.HistogramVec
	PayloadBytes        prometheus.Histogram
	Detections          *prometheus.CounterVec
}

// New creates the instruments and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "genomic_intake",
			Name:      "connections_accepted_total",
			Help:      "Stream connections accepted.",
		}),
		ConnectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "genomic_intake",
			Name:      "connections_rejected_total",
			Help:      "Stream connections closed during shutdown before being served.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "genomic_intake",
			Name:      "connections_active",
			Help:      "Stream connections currently being served.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "genomic_intake",
			Name:      "commands_total",
			Help:      "Commands processed by verb and response status.",
		}, []string{"command", "status"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "genomic_intake",
			Name:      "command_duration_seconds",
			Help:      "Time spent processing one command.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		PayloadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "genomic_intake",
			Name:      "payload_bytes",
			Help:      "Size of persisted FASTA payloads.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}),
		Detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "genomic_intake",
			Name:      "detections_total",
			Help:      "Disease signature matches by disease id.",
		}, []string{"disease_id"}),
	}

	m.Registry.MustRegister(
		m.ConnectionsAccepted,
		m.ConnectionsRejected,
		m.ConnectionsActive,
		m.Commands,
		m.CommandDuration,
		m.PayloadBytes,
		m.Detections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}
