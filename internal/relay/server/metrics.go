package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every relay metric.
const DefaultNamespace = "murmur_relay"

// Metrics holds the relay's Prometheus collectors.
//
//	murmur_relay_connections{}                  gauge
//	murmur_relay_registrations_total{replaced}  counter
//	murmur_relay_frames_total{type}             counter
//	murmur_relay_forwarded_total                counter
//	murmur_relay_queued_total                   counter
//	murmur_relay_evicted_total{reason}          counter
//	murmur_relay_rejected_total{reason}         counter
//	murmur_relay_queue_depth                    gauge (all mailboxes)
type Metrics struct {
	connections   prometheus.Gauge
	registrations *prometheus.CounterVec
	frames        *prometheus.CounterVec
	forwarded     prometheus.Counter
	queued        prometheus.Counter
	evicted       *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	queueDepth    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with registerer. A
// nil registerer leaves them unregistered, which suits tests.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Currently registered client connections",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Accepted registrations, by whether they replaced a live connection",
		}, []string{"replaced"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames received from clients, by type",
		}, []string{"type"}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarded_total",
			Help:      "Payloads forwarded to a connected recipient, including queue drains",
		}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queued_total",
			Help:      "Payloads stored for an offline recipient",
		}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_total",
			Help:      "Queued payloads dropped, by reason",
		}, []string{"reason"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_total",
			Help:      "Frames rejected, by reason",
		}, []string{"reason"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Payloads currently queued across all mailboxes",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(
			m.connections, m.registrations, m.frames, m.forwarded,
			m.queued, m.evicted, m.rejected, m.queueDepth,
		)
	}
	return m
}
