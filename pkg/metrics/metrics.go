// Package metrics exposes Prometheus instrumentation for the event pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors shared across components. All recording
// methods are nil-receiver safe so components can run unwired in tests.
type Metrics struct {
	// Registry holds every collector below; the web server serves it on /metrics.
	Registry *prometheus.Registry

	notifications  *prometheus.CounterVec
	alertsDone     *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	reconnects     prometheus.Counter
	httpRetries    *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
	archiveWrites  *prometheus.CounterVec
}

// New creates a Metrics instance backed by a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cabana_notifications_total",
			Help: "Notification envelopes received, by topic.",
		}, []string{"topic"}),
		alertsDone: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cabana_alerts_processed_total",
			Help: "Alerts whose Process call finished, by topic and outcome.",
		}, []string{"topic", "outcome"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cabana_queue_depth",
			Help: "Alerts currently held in the priority queue.",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "cabana_ws_reconnects_total",
			Help: "WebSocket reconnect attempts.",
		}),
		httpRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cabana_http_retries_total",
			Help: "Authenticated request retries, by reason (auth, ratelimit).",
		}, []string{"reason"}),
		tokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cabana_token_refreshes_total",
			Help: "OAuth token refreshes, by outcome.",
		}, []string{"outcome"}),
		archiveWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cabana_archive_writes_total",
			Help: "Event archive upserts, by topic and outcome.",
		}, []string{"topic", "outcome"}),
	}
}

func (m *Metrics) NotificationReceived(topic string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(topic).Inc()
}

func (m *Metrics) AlertProcessed(topic, outcome string) {
	if m == nil {
		return
	}
	m.alertsDone.WithLabelValues(topic, outcome).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) HTTPRetry(reason string) {
	if m == nil {
		return
	}
	m.httpRetries.WithLabelValues(reason).Inc()
}

func (m *Metrics) TokenRefresh(outcome string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ArchiveWrite(topic, outcome string) {
	if m == nil {
		return
	}
	m.archiveWrites.WithLabelValues(topic, outcome).Inc()
}
