package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ObservabilityMiddleware starts a span per request and records request totals and
// duration, labelled by method, route template and status.
// ObservabilityMiddleware 为每个请求创建 Span，并按方法、路由模板和状态码记录请求数与耗时。
func ObservabilityMiddleware(
	tracer trace.Tracer,
	requestsTotal *prometheus.CounterVec,
	requestDuration *prometheus.HistogramVec,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+c.FullPath(),
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		// Route templates keep the label cardinality bounded.
		path := c.FullPath()
		if path == "" {
			path = "not_found"
		}
		requestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())

		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.path", path),
			attribute.Int("http.status_code", c.Writer.Status()),
		)
	}
}
