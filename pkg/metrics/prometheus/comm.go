// Package prometheus provides Prometheus-backed implementations of the
// metrics interfaces.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hypercomm/hypercomm/pkg/metrics"
)

// commMetrics is the Prometheus implementation of metrics.CommMetrics.
type commMetrics struct {
	connectionsOpened prometheus.Counter
	connectionsClosed prometheus.Counter
	activeConnections prometheus.Gauge
	framesSent        prometheus.Counter
	framesReceived    prometheus.Counter
	bytesSent         prometheus.Counter
	bytesReceived     prometheus.Counter
	requestTimeouts   prometheus.Counter
	queueFull         prometheus.Counter
}

// NewCommMetrics creates a Prometheus-backed CommMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called), which
// disables collection at the call sites.
func NewCommMetrics() metrics.CommMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &commMetrics{
		connectionsOpened: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "hypercomm_connections_opened_total",
			Help: "Total number of connections registered (dialed or accepted)",
		}),
		connectionsClosed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "hypercomm_connections_closed_total",
			Help: "Total number of connections torn down",
		}),
		activeConnections: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "hypercomm_connections_active",
			Help: "Current number of registered connections",
		}),
		framesSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "hypercomm_frames_sent_total",
			Help: "Total number of frames fully transmitted",
		}),
		framesReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "hypercomm_frames_received_total",
			Help: "Total number of frames fully reassembled",
		}),
		bytesSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "hypercomm_bytes_sent_total",
			Help: "Total wire bytes transmitted in frames",
		}),
		bytesReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "hypercomm_bytes_received_total",
			Help: "Total wire bytes received in frames",
		}),
		requestTimeouts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "hypercomm_request_timeouts_total",
			Help: "Total number of pending requests that expired",
		}),
		queueFull: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "hypercomm_send_queue_full_total",
			Help: "Total number of sends rejected by the queue byte budget",
		}),
	}
}

func (m *commMetrics) RecordConnectionOpened() {
	m.connectionsOpened.Inc()
}

func (m *commMetrics) RecordConnectionClosed() {
	m.connectionsClosed.Inc()
}

func (m *commMetrics) SetActiveConnections(count int) {
	m.activeConnections.Set(float64(count))
}

func (m *commMetrics) RecordFrameSent(bytes int) {
	m.framesSent.Inc()
	m.bytesSent.Add(float64(bytes))
}

func (m *commMetrics) RecordFrameReceived(bytes int) {
	m.framesReceived.Inc()
	m.bytesReceived.Add(float64(bytes))
}

func (m *commMetrics) RecordRequestTimeout() {
	m.requestTimeouts.Inc()
}

func (m *commMetrics) RecordQueueFull() {
	m.queueFull.Inc()
}
