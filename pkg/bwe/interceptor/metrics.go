package interceptor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/thesyncim/rbe/pkg/bwe"
)

const metricsNamespace = "rbe"

// Metrics exports estimator state per connection. A nil *Metrics records
// nothing.
type Metrics struct {
	estimate      *prometheus.GaugeVec
	incoming      *prometheus.GaugeVec
	detectorState *prometheus.GaugeVec
	rembSent      *prometheus.CounterVec
	packets       *prometheus.CounterVec
	bytes         *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		estimate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "estimator",
			Name:      "target_bps",
			Help:      "Latest target bitrate reported by the estimator.",
		}, []string{"connection"}),
		incoming: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "estimator",
			Name:      "incoming_bps",
			Help:      "Measured incoming bitrate over the rate window.",
		}, []string{"connection"}),
		detectorState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "estimator",
			Name:      "detector_state",
			Help:      "Detector state: 0 normal, 1 underusing, 2 overusing.",
		}, []string{"connection"}),
		rembSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "remb",
			Name:      "sent_total",
			Help:      "REMB packets written.",
		}, []string{"connection"}),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rtp",
			Name:      "packets_total",
			Help:      "RTP packets fed to the estimator.",
		}, []string{"connection"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rtp",
			Name:      "payload_bytes_total",
			Help:      "RTP payload bytes fed to the estimator.",
		}, []string{"connection"}),
	}

	for _, c := range []prometheus.Collector{m.estimate, m.incoming, m.detectorState, m.rembSent, m.packets, m.bytes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) recordPacket(conn string, payloadSize int) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues(conn).Inc()
	m.bytes.WithLabelValues(conn).Add(float64(payloadSize))
}

func (m *Metrics) recordEstimate(conn string, bitrateBps uint32) {
	if m == nil {
		return
	}
	m.estimate.WithLabelValues(conn).Set(float64(bitrateBps))
}

func (m *Metrics) recordTick(conn string, incomingBps uint32, state bwe.BandwidthUsage) {
	if m == nil {
		return
	}
	m.incoming.WithLabelValues(conn).Set(float64(incomingBps))
	m.detectorState.WithLabelValues(conn).Set(detectorValue(state))
}

func (m *Metrics) recordREMB(conn string) {
	if m == nil {
		return
	}
	m.rembSent.WithLabelValues(conn).Inc()
}

// forget drops the series of a closed connection.
func (m *Metrics) forget(conn string) {
	if m == nil {
		return
	}
	m.estimate.DeleteLabelValues(conn)
	m.incoming.DeleteLabelValues(conn)
	m.detectorState.DeleteLabelValues(conn)
	m.rembSent.DeleteLabelValues(conn)
	m.packets.DeleteLabelValues(conn)
	m.bytes.DeleteLabelValues(conn)
}

func detectorValue(state bwe.BandwidthUsage) float64 {
	switch state {
	case bwe.BwUnderusing:
		return 1
	case bwe.BwOverusing:
		return 2
	}
	return 0
}
