// Package service defines the interfaces for domain services.
package service

import (
	"time"
)

// Metrics defines the interface for collecting agent metrics.
// This abstraction allows the application layer to remain independent of the specific monitoring implementation (e.g., Prometheus).
// Metrics 定义了收集代理指标的接口。
// 这种抽象使应用层能够独立于具体的监控实现（例如 Prometheus）。
type Metrics interface {
	// RecordSign records a sign operation by backend (local or remote).
	// RecordSign 按后端记录签名操作。
	RecordSign(source string, success bool, duration time.Duration, errorCode string)

	// RecordPairing records a pair, rotate, check or deauthorize call.
	// RecordPairing 记录配对、轮换、检查或取消授权调用。
	RecordPairing(operation string, success bool, duration time.Duration, errorCode string)

	// RecordGatewayRequest records one HTTP exchange with the gateway.
	// RecordGatewayRequest 记录与网关的一次 HTTP 交互。
	RecordGatewayRequest(endpoint string, statusCode int, duration time.Duration)

	// RecordTeamRequest records one key-management domain call.
	// RecordTeamRequest 记录一次密钥管理域调用。
	RecordTeamRequest(operation string, success bool, duration time.Duration)

	// RecordRotation records a rotation controller action.
	// RecordRotation 记录轮换控制器动作。
	RecordRotation(action string, success bool)

	// RecordCacheAccess records a cache hit or miss.
	// RecordCacheAccess 记录缓存命中或未命中。
	RecordCacheAccess(cacheType string, hit bool)

	// SetGatewayOnline updates the gateway liveness gauge.
	SetGatewayOnline(online bool)

	// SetKeyCount updates the number of keys by source.
	SetKeyCount(source string, count int)
}

type noopMetrics struct{}

// NewNoopMetrics returns a Metrics that discards everything.
func NewNoopMetrics() Metrics { return noopMetrics{} }

func (noopMetrics) RecordSign(string, bool, time.Duration, string)    {}
func (noopMetrics) RecordPairing(string, bool, time.Duration, string) {}
func (noopMetrics) RecordGatewayRequest(string, int, time.Duration)   {}
func (noopMetrics) RecordTeamRequest(string, bool, time.Duration)     {}
func (noopMetrics) RecordRotation(string, bool)                       {}
func (noopMetrics) RecordCacheAccess(string, bool)                    {}
func (noopMetrics) SetGatewayOnline(bool)                             {}
func (noopMetrics) SetKeyCount(string, int)                           {}
