// Copyright 2024-2026 Aiku AI

package connector

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay directions used as metric labels.
const (
	directionOutgoing = "outgoing"
	directionIncoming = "incoming"
)

// Metrics holds the bridge's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	relayed       *prometheus.CounterVec
	failures      *prometheus.CounterVec
	misses        *prometheus.CounterVec
	listenCycles  *prometheus.CounterVec
	avatars       *prometheus.CounterVec
	boundChannels prometheus.Gauge
	snapshotTime  prometheus.Observer
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		relayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sbs_bridge_relayed_messages_total",
			Help: "Messages relayed, by direction and kind",
		}, []string{"direction", "kind"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sbs_bridge_relay_failures_total",
			Help: "Relay writes that failed, by direction",
		}, []string{"direction"}),
		misses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sbs_bridge_correlation_misses_total",
			Help: "Edits and deletes dropped because no counterpart was cached",
		}, []string{"direction"}),
		listenCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sbs_bridge_listen_cycles_total",
			Help: "SmileBASIC Source listen attempts, by outcome",
		}, []string{"outcome"}),
		avatars: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sbs_bridge_avatar_uploads_total",
			Help: "Avatar upload attempts, by result",
		}, []string{"result"}),
		boundChannels: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sbs_bridge_bound_channels",
			Help: "Number of bound channel pairs",
		}),
		snapshotTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sbs_bridge_snapshot_duration_seconds",
			Help:    "Time spent saving bridge state",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) relayedMessage(direction, kind string) {
	if m != nil {
		m.relayed.WithLabelValues(direction, kind).Inc()
	}
}

func (m *Metrics) relayFailure(direction string) {
	if m != nil {
		m.failures.WithLabelValues(direction).Inc()
	}
}

func (m *Metrics) correlationMiss(direction string) {
	if m != nil {
		m.misses.WithLabelValues(direction).Inc()
	}
}

func (m *Metrics) listenCycle(outcome string) {
	if m != nil {
		m.listenCycles.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) avatarResult(result string) {
	if m != nil {
		m.avatars.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) setBoundChannels(n int) {
	if m != nil {
		m.boundChannels.Set(float64(n))
	}
}

func (m *Metrics) observeSnapshot(d time.Duration) {
	if m != nil {
		m.snapshotTime.Observe(d.Seconds())
	}
}
