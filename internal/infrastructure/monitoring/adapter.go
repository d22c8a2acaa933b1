package monitoring

import (
	"strconv"
	"time"

	"github.com/turtacn/keyagent/internal/domain/service"
)

// MetricsAdapter implements the domain's service.Metrics interface, sending metrics to a Prometheus backend.
// MetricsAdapter 实现了域的 service.Metrics 接口，将指标发送到 Prometheus 后端。
type MetricsAdapter struct {
	metrics *Metrics
}

// NewMetricsAdapter creates a new adapter that wraps a concrete Prometheus Metrics object,
// satisfying the domain's Metrics interface.
// NewMetricsAdapter 创建一个包装具体 Prometheus Metrics 对象的新适配器。
func NewMetricsAdapter(metrics *Metrics) service.Metrics {
	return &MetricsAdapter{metrics: metrics}
}

func (a *MetricsAdapter) RecordSign(source string, success bool, duration time.Duration, errorCode string) {
	a.metrics.RecordSign(source, success, duration, errorCode)
}

func (a *MetricsAdapter) RecordPairing(operation string, success bool, duration time.Duration, errorCode string) {
	a.metrics.RecordPairing(operation, success, duration, errorCode)
}

func (a *MetricsAdapter) RecordGatewayRequest(endpoint string, statusCode int, duration time.Duration) {
	a.metrics.GatewayRequests.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
	a.metrics.GatewayLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (a *MetricsAdapter) RecordTeamRequest(operation string, success bool, duration time.Duration) {
	a.metrics.TeamRequests.WithLabelValues(operation, result(success)).Inc()
}

func (a *MetricsAdapter) RecordRotation(action string, success bool) {
	a.metrics.RotationActions.WithLabelValues(action, result(success)).Inc()
}

func (a *MetricsAdapter) RecordCacheAccess(cacheType string, hit bool) {
	label := "miss"
	if hit {
		label = "hit"
	}
	a.metrics.CacheAccess.WithLabelValues(cacheType, label).Inc()
}

func (a *MetricsAdapter) SetGatewayOnline(online bool) {
	if online {
		a.metrics.GatewayOnline.Set(1)
		return
	}
	a.metrics.GatewayOnline.Set(0)
}

func (a *MetricsAdapter) SetKeyCount(source string, count int) {
	a.metrics.KeysBySource.WithLabelValues(source).Set(float64(count))
}

var _ service.Metrics = (*MetricsAdapter)(nil)
