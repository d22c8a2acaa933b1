package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics manages the Prometheus metrics.
type Metrics struct {
	SignRequests      *prometheus.CounterVec
	SignLatency       *prometheus.HistogramVec
	PairingRequests   *prometheus.CounterVec
	GatewayRequests   *prometheus.CounterVec
	GatewayLatency    *prometheus.HistogramVec
	TeamRequests      *prometheus.CounterVec
	RotationActions   *prometheus.CounterVec
	CacheAccess       *prometheus.CounterVec
	GatewayOnline     prometheus.Gauge
	KeysBySource      *prometheus.GaugeVec
	APIRequests       *prometheus.CounterVec
	APILatency        *prometheus.HistogramVec
}

// NewMetrics creates the Prometheus metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SignRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyagent_sign_requests_total",
				Help: "Total number of sign requests by backend and result.",
			},
			[]string{"source", "result", "error_code"},
		),
		SignLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keyagent_sign_latency_seconds",
				Help:    "Latency of sign requests, including remote approval.",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"source"},
		),
		PairingRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyagent_pairing_requests_total",
				Help: "Total number of pairing protocol calls.",
			},
			[]string{"operation", "result", "error_code"},
		),
		GatewayRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyagent_gateway_requests_total",
				Help: "Total number of HTTP requests to the gateway.",
			},
			[]string{"endpoint", "status"},
		),
		GatewayLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keyagent_gateway_latency_seconds",
				Help:    "Latency of HTTP requests to the gateway.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		TeamRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyagent_team_requests_total",
				Help: "Total number of key-management domain calls.",
			},
			[]string{"operation", "result"},
		),
		RotationActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyagent_rotation_actions_total",
				Help: "Total number of rotation actions applied.",
			},
			[]string{"action", "result"},
		),
		CacheAccess: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyagent_cache_access_total",
				Help: "Device key cache hits and misses.",
			},
			[]string{"cache", "result"},
		),
		GatewayOnline: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "keyagent_gateway_online",
				Help: "1 when the last gateway liveness probe succeeded.",
			},
		),
		KeysBySource: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keyagent_keys",
				Help: "Number of keys by source.",
			},
			[]string{"source"},
		),
		APIRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyagent_api_requests_total",
				Help: "Total number of local control API requests.",
			},
			[]string{"method", "path", "status"},
		),
		APILatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keyagent_api_latency_seconds",
				Help:    "Latency of local control API requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// RecordSign records metrics for a sign operation.
func (m *Metrics) RecordSign(source string, success bool, duration time.Duration, errorCode string) {
	m.SignRequests.WithLabelValues(source, result(success), errorCode).Inc()
	m.SignLatency.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordPairing records metrics for a pairing protocol call.
func (m *Metrics) RecordPairing(operation string, success bool, duration time.Duration, errorCode string) {
	m.PairingRequests.WithLabelValues(operation, result(success), errorCode).Inc()
}
