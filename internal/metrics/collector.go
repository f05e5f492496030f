// Package opmetrics exposes Prometheus metrics for the Open Protocol
// engine. The Collector implements openprotocol.MetricsReporter.
package opmetrics

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gofasten"
	subsystem = "op"
)

// Label names for protocol metrics.
const (
	labelMID     = "mid"
	labelCode    = "code"
	labelStream  = "stream"
	labelOutcome = "outcome"
)

// -------------------------------------------------------------------------
// Collector: Prometheus Protocol Metrics
// -------------------------------------------------------------------------

// Collector holds all Open Protocol Prometheus metrics.
//
// Metrics are designed for assembly-line integration monitoring:
//   - The session gauge shows whether a client is connected.
//   - Frame counters track wire traffic per MID.
//   - Protocol error counters flag misbehaving integrations by code.
//   - Result counters split simulated tightenings by OK/NOK outcome.
type Collector struct {
	// SessionActive is 1 while a client session is established.
	SessionActive prometheus.Gauge

	// ConnectionsRejected counts connections refused because a session
	// was already active (error 96).
	ConnectionsRejected prometheus.Counter

	// FramesReceived counts decoded inbound frames per MID.
	FramesReceived *prometheus.CounterVec

	// FramesSent counts encoded outbound frames per MID.
	FramesSent *prometheus.CounterVec

	// DecodeErrors counts inbound frames that failed to decode.
	DecodeErrors prometheus.Counter

	// ProtocolErrors counts negative responses per numeric error code.
	ProtocolErrors *prometheus.CounterVec

	// Subscriptions tracks active subscriptions per stream.
	Subscriptions *prometheus.GaugeVec

	// Results counts simulated tightening results per outcome.
	Results *prometheus.CounterVec
}

// NewCollector creates a Collector with all protocol metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "gofasten_op_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.SessionActive,
		c.ConnectionsRejected,
		c.FramesReceived,
		c.FramesSent,
		c.DecodeErrors,
		c.ProtocolErrors,
		c.Subscriptions,
		c.Results,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		SessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "session_active",
			Help:      "Whether a client session is currently established (0 or 1).",
		}),

		ConnectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_rejected_total",
			Help:      "Total connections refused while another client was active.",
		}),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_received_total",
			Help:      "Total inbound Open Protocol frames decoded, by MID.",
		}, []string{labelMID}),

		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_sent_total",
			Help:      "Total outbound Open Protocol frames written, by MID.",
		}, []string{labelMID}),

		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "decode_errors_total",
			Help:      "Total inbound frames dropped because they failed to decode.",
		}),

		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "protocol_errors_total",
			Help:      "Total MID 0004 negative responses, by error code.",
		}, []string{labelCode}),

		Subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "subscriptions",
			Help:      "Active push-stream subscriptions, by stream.",
		}, []string{labelStream}),

		Results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "results_total",
			Help:      "Total simulated tightening results, by outcome.",
		}, []string{labelOutcome}),
	}
}

// -------------------------------------------------------------------------
// openprotocol.MetricsReporter implementation
// -------------------------------------------------------------------------

// SessionState sets the session gauge on activation and deactivation.
func (c *Collector) SessionState(active bool) {
	if active {
		c.SessionActive.Set(1)
	} else {
		c.SessionActive.Set(0)
	}
}

// ConnectionRejected counts one refused connection.
func (c *Collector) ConnectionRejected() {
	c.ConnectionsRejected.Inc()
}

// FrameReceived counts one decoded inbound frame.
func (c *Collector) FrameReceived(mid int) {
	c.FramesReceived.WithLabelValues(midLabel(mid)).Inc()
}

// FrameSent counts one written outbound frame.
func (c *Collector) FrameSent(mid int) {
	c.FramesSent.WithLabelValues(midLabel(mid)).Inc()
}

// DecodeError counts one dropped undecodable frame.
func (c *Collector) DecodeError() {
	c.DecodeErrors.Inc()
}

// ProtocolError counts one negative response by code.
func (c *Collector) ProtocolError(code int) {
	c.ProtocolErrors.WithLabelValues(strconv.Itoa(code)).Inc()
}

// SubscriptionState moves the per-stream subscription gauge.
func (c *Collector) SubscriptionState(stream string, active bool) {
	g := c.Subscriptions.WithLabelValues(stream)
	if active {
		g.Inc()
	} else {
		g.Dec()
	}
}

// ResultEmitted counts one simulated result by outcome.
func (c *Collector) ResultEmitted(ok bool) {
	outcome := "nok"
	if ok {
		outcome = "ok"
	}
	c.Results.WithLabelValues(outcome).Inc()
}

// midLabel renders a MID the way it appears on the wire.
func midLabel(mid int) string {
	return fmt.Sprintf("%04d", mid)
}
