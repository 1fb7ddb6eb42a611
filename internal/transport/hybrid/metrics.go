package hybrid

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every client transport metric.
const DefaultNamespace = "murmur_transport"

// Metrics holds the hybrid transport's Prometheus collectors.
//
//	murmur_transport_sends_total{path}      counter (p2p, relay, queued)
//	murmur_transport_flushes_total{result}  counter (sent, requeued)
//	murmur_transport_pending_dropped_total  counter
//	murmur_transport_pending_depth          gauge
type Metrics struct {
	sends   *prometheus.CounterVec
	flushes *prometheus.CounterVec
	dropped prometheus.Counter
	depth   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with registerer. A
// nil registerer leaves them unregistered.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	m := &Metrics{
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Outbound payloads, by the path that took them",
		}, []string{"path"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Pending queue entries retried, by result",
		}, []string{"result"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_dropped_total",
			Help:      "Pending entries evicted by the queue cap",
		}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_depth",
			Help:      "Payloads waiting in the pending queue",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(m.sends, m.flushes, m.dropped, m.depth)
	}
	return m
}
