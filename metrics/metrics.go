// Package metrics holds the Prometheus collectors for chunked transfers and
// connection lifecycle. A nil *Transfer is valid and records nothing, so
// components can take it as an optional dependency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Direction labels
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// Transfer groups every collector on its own registry
type Transfer struct {
	Registry *prometheus.Registry

	FragmentsTotal     *prometheus.CounterVec
	BytesTotal         *prometheus.CounterVec
	MessagesTotal      *prometheus.CounterVec
	StallsTotal        prometheus.Counter
	AbortsTotal        *prometheus.CounterVec
	ConnectionAttempts prometheus.Counter
	StateTransitions   *prometheus.CounterVec
	Subscribers        prometheus.Gauge
}

// New creates collectors registered on a fresh registry
func New() *Transfer {
	reg := prometheus.NewRegistry()

	m := &Transfer{
		Registry: reg,
		FragmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bluetransfer",
			Subsystem: "transfer",
			Name:      "fragments_total",
			Help:      "Data and EOM fragments moved over the channel.",
		}, []string{"direction", "kind"}),
		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bluetransfer",
			Subsystem: "transfer",
			Name:      "payload_bytes_total",
			Help:      "Payload bytes moved over the channel, EOM markers excluded.",
		}, []string{"direction"}),
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bluetransfer",
			Subsystem: "transfer",
			Name:      "messages_total",
			Help:      "Complete messages sent or reassembled.",
		}, []string{"direction"}),
		StallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bluetransfer",
			Subsystem: "transfer",
			Name:      "backpressure_stalls_total",
			Help:      "Times the outbound drive loop suspended on a rejected write.",
		}),
		AbortsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bluetransfer",
			Subsystem: "transfer",
			Name:      "aborted_messages_total",
			Help:      "Messages dropped before completion.",
		}, []string{"direction"}),
		ConnectionAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bluetransfer",
			Subsystem: "connection",
			Name:      "attempts_total",
			Help:      "Connection attempts started by the receiver.",
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bluetransfer",
			Subsystem: "connection",
			Name:      "state_transitions_total",
			Help:      "State machine transitions by destination state.",
		}, []string{"role", "state"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bluetransfer",
			Subsystem: "sender",
			Name:      "subscribers",
			Help:      "Endpoints currently subscribed to the channel.",
		}),
	}

	reg.MustRegister(
		m.FragmentsTotal,
		m.BytesTotal,
		m.MessagesTotal,
		m.StallsTotal,
		m.AbortsTotal,
		m.ConnectionAttempts,
		m.StateTransitions,
		m.Subscribers,
	)
	return m
}

// RecordFragment counts one fragment; eom marks the end-of-message sentinel
func (m *Transfer) RecordFragment(direction string, size int, eom bool) {
	if m == nil {
		return
	}
	if eom {
		m.FragmentsTotal.WithLabelValues(direction, "eom").Inc()
		return
	}
	m.FragmentsTotal.WithLabelValues(direction, "data").Inc()
	m.BytesTotal.WithLabelValues(direction).Add(float64(size))
}

// RecordMessage counts one complete message
func (m *Transfer) RecordMessage(direction string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(direction).Inc()
}

// RecordStall counts one backpressure suspension
func (m *Transfer) RecordStall() {
	if m == nil {
		return
	}
	m.StallsTotal.Inc()
}

// RecordAbort counts one message dropped mid-transfer
func (m *Transfer) RecordAbort(direction string) {
	if m == nil {
		return
	}
	m.AbortsTotal.WithLabelValues(direction).Inc()
}

// RecordAttempt counts one connection attempt
func (m *Transfer) RecordAttempt() {
	if m == nil {
		return
	}
	m.ConnectionAttempts.Inc()
}

// RecordTransition counts a state machine transition into state
func (m *Transfer) RecordTransition(role, state string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(role, state).Inc()
}

// SetSubscribers reports the current subscription set size
func (m *Transfer) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}
