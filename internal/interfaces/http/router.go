// Package http serves the loopback control API of the agent.
package http

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/turtacn/keyagent/internal/application/dto"
	"github.com/turtacn/keyagent/internal/config"
	"github.com/turtacn/keyagent/internal/infrastructure/monitoring"
	"github.com/turtacn/keyagent/internal/interfaces/http/handlers"
	"github.com/turtacn/keyagent/internal/interfaces/http/middleware"
	"github.com/turtacn/keyagent/pkg/errors"
	"github.com/turtacn/keyagent/pkg/logger"
)

// Router HTTP 路由器
type Router struct {
	engine        *gin.Engine
	config        *config.APIConfig
	logger        logger.Logger
	healthHandler *handlers.HealthHandler
	agentHandler  *handlers.AgentHandler
	tracer        trace.Tracer
	metrics       *monitoring.Metrics
	gatherer      prometheus.Gatherer
	server        *http.Server
}

// NewRouter 创建路由器
func NewRouter(
	cfg *config.APIConfig,
	log logger.Logger,
	healthHandler *handlers.HealthHandler,
	agentHandler *handlers.AgentHandler,
	tracer trace.Tracer,
	metrics *monitoring.Metrics,
	gatherer prometheus.Gatherer,
) *Router {
	gin.SetMode(gin.ReleaseMode)
	r := &Router{
		engine:        gin.New(),
		config:        cfg,
		logger:        log.WithComponent("APIRouter"),
		healthHandler: healthHandler,
		agentHandler:  agentHandler,
		tracer:        tracer,
		metrics:       metrics,
		gatherer:      gatherer,
	}
	r.setupRoutes()
	return r
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	// 全局中间件
	r.engine.Use(middleware.Recovery(r.logger))
	r.engine.Use(middleware.RequestID())
	r.engine.Use(middleware.ObservabilityMiddleware(r.tracer, r.metrics.APIRequests, r.metrics.APILatency))
	r.engine.Use(middleware.Logging(r.logger))

	// 健康检查路由
	r.engine.GET("/health/live", r.healthHandler.LivenessCheck)
	r.engine.GET("/health/ready", r.healthHandler.ReadinessCheck)

	// Prometheus metrics
	r.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})))

	if r.config.EnablePprof {
		pprof.Register(r.engine)
	}

	v1 := r.engine.Group("/api/v1")
	{
		v1.GET("/status", r.agentHandler.GetStatus)
		v1.POST("/check", r.agentHandler.Check)
		v1.GET("/lifecycle", r.agentHandler.ListLifecycle)

		keys := v1.Group("/keys")
		{
			keys.GET("", r.agentHandler.ListKeys)
			keys.DELETE("", r.agentHandler.DeleteKey)
			keys.POST("/import", r.agentHandler.ImportKey)
		}
	}

	// 404 处理
	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, dto.ErrorResponse(errors.ErrNotFound(c.Request.URL.Path), ""))
	})
}

// Handler returns the routed engine.
func (r *Router) Handler() http.Handler {
	return r.engine
}

// Start serves the API until ctx is cancelled. The listen address must be loopback.
func (r *Router) Start(ctx context.Context) error {
	host, _, err := net.SplitHostPort(r.config.ListenAddr)
	if err != nil {
		return errors.ErrInvalidRequest("api.listen_addr: " + err.Error())
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return errors.ErrInvalidRequest("api.listen_addr must be a loopback address")
	}

	r.server = &http.Server{
		Addr:              r.config.ListenAddr,
		Handler:           r.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	// 优雅关闭
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.server.Shutdown(shutdownCtx); err != nil {
			r.logger.Error(shutdownCtx, "Server forced to shutdown", err)
		}
	}()

	r.logger.Info(ctx, "Starting control API", logger.String("address", r.config.ListenAddr))
	if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	r.logger.Info(context.Background(), "Control API stopped")
	return nil
}
