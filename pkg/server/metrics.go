package server

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter
	sessionsRejected     prometheus.Counter

	// Message type metrics
	messagesReceived *prometheus.CounterVec // by message type
	messagesSent     *prometheus.CounterVec // by message type

	// Broadcast metrics
	messagesBroadcast prometheus.Counter
	broadcastFanout   *prometheus.HistogramVec

	// Error metrics
	protocolErrors          prometheus.Counter
	slowConsumerDisconnects prometheus.Counter
}

// NewMetrics creates a new metrics instance registered on the default
// registry. Call at most once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		activeSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "coterie_active_sessions",
				Help: "Current number of active sessions",
			},
		),
		sessionsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coterie_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		sessionsDisconnected: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coterie_sessions_disconnected_total",
				Help: "Total number of sessions disconnected",
			},
		),
		sessionsRejected: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coterie_sessions_rejected_total",
				Help: "Total number of connections rejected at the session limit",
			},
		),
		messagesReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coterie_messages_received_total",
				Help: "Total number of messages received from clients",
			},
			[]string{"type"},
		),
		messagesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coterie_messages_sent_total",
				Help: "Total number of messages sent to clients",
			},
			[]string{"type"},
		),
		messagesBroadcast: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coterie_messages_broadcast_total",
				Help: "Total number of events broadcast (unique events, not deliveries)",
			},
		),
		broadcastFanout: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coterie_broadcast_fanout",
				Help:    "Number of sessions that received each broadcast event",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"type"},
		),
		protocolErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coterie_protocol_errors_total",
				Help: "Total number of malformed or invalid frames received",
			},
		),
		slowConsumerDisconnects: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coterie_slow_consumer_disconnects_total",
				Help: "Total number of sessions disconnected for outbound queue overflow",
			},
		),
	}
}

// RecordActiveSessions records the current session count
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated increments the created-sessions counter
func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

// RecordSessionDisconnected increments the disconnected-sessions counter
func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsDisconnected.Inc()
}

// RecordSessionRejected increments the rejected-connections counter
func (m *Metrics) RecordSessionRejected() {
	m.sessionsRejected.Inc()
}

// RecordMessageReceived counts an inbound message by type
func (m *Metrics) RecordMessageReceived(msgType uint8) {
	m.messagesReceived.WithLabelValues(typeLabel(msgType)).Inc()
}

// RecordMessageSent counts an outbound message by type
func (m *Metrics) RecordMessageSent(msgType uint8) {
	m.messagesSent.WithLabelValues(typeLabel(msgType)).Inc()
}

// RecordBroadcast records one broadcast event and its fanout
func (m *Metrics) RecordBroadcast(msgType uint8, delivered int) {
	m.messagesBroadcast.Inc()
	m.broadcastFanout.WithLabelValues(typeLabel(msgType)).Observe(float64(delivered))
}

// RecordProtocolError increments the protocol-error counter
func (m *Metrics) RecordProtocolError() {
	m.protocolErrors.Inc()
}

// RecordSlowConsumer increments the slow-consumer disconnect counter
func (m *Metrics) RecordSlowConsumer() {
	m.slowConsumerDisconnects.Inc()
}

func typeLabel(msgType uint8) string {
	return fmt.Sprintf("0x%02X", msgType)
}
