// Package metrics wraps the Prometheus collectors behind broker-shaped
// recording methods. A nil *Metrics is valid and records nothing, so tests
// can run without touching the global registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"wavehub/pkg/monitoring"
)

type Metrics struct {
	connections *prometheus.GaugeVec
	channels    *prometheus.GaugeVec
	messages    *prometheus.CounterVec

	busMessages *prometheus.CounterVec
	busDropped  *prometheus.CounterVec
}

// New registers the broker and bus collectors on the given collector.
func New(mc *monitoring.MetricsCollector) *Metrics {
	m := &Metrics{}
	m.connections, m.channels, m.messages = mc.CreateBrokerMetrics()
	m.busMessages, m.busDropped = mc.CreateBusMetrics()
	return m
}

func (m *Metrics) ConnOpened(appID string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(appID).Inc()
}

func (m *Metrics) ConnClosed(appID string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(appID).Dec()
}

func (m *Metrics) ChannelCreated(appID, channelType string) {
	if m == nil {
		return
	}
	m.channels.WithLabelValues(appID, channelType).Inc()
}

func (m *Metrics) ChannelRemoved(appID, channelType string) {
	if m == nil {
		return
	}
	m.channels.WithLabelValues(appID, channelType).Dec()
}

func (m *Metrics) MessageReceived(appID string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(appID, "in").Inc()
}

func (m *Metrics) MessageSent(appID string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(appID, "out").Inc()
}

func (m *Metrics) BusSent(msgType string) {
	if m == nil {
		return
	}
	m.busMessages.WithLabelValues(msgType, "out").Inc()
}

func (m *Metrics) BusReceived(msgType string) {
	if m == nil {
		return
	}
	m.busMessages.WithLabelValues(msgType, "in").Inc()
}

func (m *Metrics) BusDropped(reason string) {
	if m == nil {
		return
	}
	m.busDropped.WithLabelValues(reason).Inc()
}
