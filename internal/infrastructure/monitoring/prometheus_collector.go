package monitoring

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector exposes the relay's operational metrics.
type Collector struct {
	peersRegistered  prometheus.Gauge
	connectionsTotal prometheus.Counter

	envelopesRouted *prometheus.CounterVec
	routingErrors   *prometheus.CounterVec

	forwardDuration prometheus.Histogram
}

var (
	collector     *Collector
	collectorOnce sync.Once
)

// NewCollector returns the process-wide metrics collector. Metrics live in
// the default prometheus registry, so construction is once-only.
func NewCollector() *Collector {
	collectorOnce.Do(func() {
		collector = &Collector{
			peersRegistered: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "popya_signal_peers_registered",
				Help: "Number of peers currently registered with the relay",
			}),

			connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "popya_signal_connections_total",
				Help: "Total number of WebSocket connections accepted",
			}),

			envelopesRouted: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "popya_signal_envelopes_routed_total",
				Help: "Signaling envelopes forwarded between peers, by type",
			}, []string{"type"}),

			routingErrors: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "popya_signal_routing_errors_total",
				Help: "Envelopes that could not be routed, by reason",
			}, []string{"reason"}),

			forwardDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "popya_signal_forward_duration_seconds",
				Help:    "Time spent looking up and forwarding one envelope",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			}),
		}
	})
	return collector
}

func (c *Collector) ConnectionAccepted() {
	c.connectionsTotal.Inc()
}

func (c *Collector) PeerRegistered() {
	c.peersRegistered.Inc()
}

func (c *Collector) PeerUnregistered() {
	c.peersRegistered.Dec()
}

func (c *Collector) EnvelopeRouted(envelopeType string) {
	c.envelopesRouted.WithLabelValues(envelopeType).Inc()
}

func (c *Collector) RoutingError(reason string) {
	c.routingErrors.WithLabelValues(reason).Inc()
}

func (c *Collector) ObserveForwardDuration(seconds float64) {
	c.forwardDuration.Observe(seconds)
}
