// Package metrics defines the runtime's Prometheus metrics surface:
// messages routed, active peer connections, pending futures,
// per-service worker queue depth, signal fan-out drops, and RPC call
// latency. Collectors are promauto-registered against an injected
// Registerer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/qmigo/qmigo/internal/address"
	"github.com/qmigo/qmigo/internal/signal"
)

// Metrics holds every Prometheus collector the runtime records against.
type Metrics struct {
	MessagesRouted   *prometheus.CounterVec
	PeerConnections  prometheus.Gauge
	PendingFutures   prometheus.Gauge
	WorkerQueueDepth *prometheus.GaugeVec
	SignalDrops      *prometheus.CounterVec
	SignalsPublished *prometheus.CounterVec
	CallLatency      *prometheus.HistogramVec
}

// New creates and registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		MessagesRouted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "qmigo",
				Name:      "messages_routed_total",
				Help:      "Total messages handled by the router, by delivery class",
			},
			[]string{"class"}, // local|remote
		),
		PeerConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "qmigo",
				Name:      "peer_connections",
				Help:      "Number of live peer connections",
			},
		),
		PendingFutures: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "qmigo",
				Name:      "pending_futures",
				Help:      "Number of outstanding proxy calls awaiting a reply",
			},
		),
		WorkerQueueDepth: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "qmigo",
				Name:      "worker_queue_depth",
				Help:      "Depth of a service worker's inbound request queue",
			},
			[]string{"service"},
		),
		SignalDrops: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "qmigo",
				Name:      "signal_drops_total",
				Help:      "Signals dropped due to subscriber backpressure",
			},
			[]string{"subscriber"},
		),
		SignalsPublished: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "qmigo",
				Name:      "signals_published_total",
				Help:      "Signals published, by (service, signal) pair",
			},
			[]string{"service", "signal"},
		),
		CallLatency: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "qmigo",
				Name:      "call_latency_seconds",
				Help:      "Proxy call round-trip latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}
}

// MessageRouted counts one delivered message; class is "local" or
// "remote". Wired as the router's observer.
func (m *Metrics) MessageRouted(class string) {
	m.MessagesRouted.WithLabelValues(class).Inc()
}

// SetPeerConnections records the current live-connection count. Wired as
// the transport manager's peer-count callback.
func (m *Metrics) SetPeerConnections(n int) {
	m.PeerConnections.Set(float64(n))
}

// SetPendingFutures records the current outstanding-call count. Wired as
// the call registry's pending observer.
func (m *Metrics) SetPendingFutures(n int) {
	m.PendingFutures.Set(float64(n))
}

// SetQueueDepth records one service worker's inbox depth.
func (m *Metrics) SetQueueDepth(service string, depth int) {
	m.WorkerQueueDepth.WithLabelValues(service).Set(float64(depth))
}

// ObserveCall records one proxy call's round-trip latency.
func (m *Metrics) ObserveCall(method string, seconds float64) {
	m.CallLatency.WithLabelValues(method).Observe(seconds)
}

// SignalDropped implements signal.Recorder.
func (m *Metrics) SignalDropped(dest address.Address) {
	m.SignalDrops.WithLabelValues(dest.Context).Inc()
}

// SignalPublished implements signal.Recorder.
func (m *Metrics) SignalPublished(key signal.Key) {
	m.SignalsPublished.WithLabelValues(key.Service.String(), key.Name).Inc()
}

var _ signal.Recorder = (*Metrics)(nil)
