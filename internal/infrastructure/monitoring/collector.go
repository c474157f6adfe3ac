package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector exposes the rendezvous server's operational metrics. All
// methods are safe for concurrent use; the underlying prometheus types
// do their own synchronisation.
type Collector struct {
	roomsActive           prometheus.Gauge
	participantsConnected prometheus.Gauge

	envelopesRelayed *prometheus.CounterVec
	envelopesDropped *prometheus.CounterVec

	connectionsTotal    prometheus.Counter
	negotiationDuration prometheus.Histogram
	signalLatency       prometheus.Histogram
}

func NewCollector() *Collector {
	return &Collector{
		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshroom_rooms_active",
			Help: "Number of rooms with at least one member",
		}),

		participantsConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshroom_participants_connected",
			Help: "Number of participants with an open signaling connection",
		}),

		envelopesRelayed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshroom_envelopes_relayed_total",
			Help: "Signaling envelopes relayed between participants",
		}, []string{"type"}),

		envelopesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshroom_envelopes_dropped_total",
			Help: "Signaling envelopes dropped instead of relayed",
		}, []string{"type"}),

		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshroom_connections_total",
			Help: "Signaling connections accepted since start",
		}),

		negotiationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshroom_negotiation_duration_seconds",
			Help:    "Time from offer relayed to matching answer relayed",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		signalLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshroom_signal_latency_seconds",
			Help:    "Ping round trip observed on signaling connections",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}
}

func (c *Collector) SetRoomsActive(n int) {
	c.roomsActive.Set(float64(n))
}

func (c *Collector) SetParticipantsConnected(n int) {
	c.participantsConnected.Set(float64(n))
}

func (c *Collector) IncEnvelopesRelayed(envelopeType string) {
	c.envelopesRelayed.WithLabelValues(envelopeType).Inc()
}

func (c *Collector) IncEnvelopesDropped(envelopeType string) {
	c.envelopesDropped.WithLabelValues(envelopeType).Inc()
}

func (c *Collector) RecordConnectionAccepted() {
	c.connectionsTotal.Inc()
}

func (c *Collector) RecordNegotiationDuration(d time.Duration) {
	c.negotiationDuration.Observe(d.Seconds())
}

func (c *Collector) RecordSignalLatency(d time.Duration) {
	c.signalLatency.Observe(d.Seconds())
}
