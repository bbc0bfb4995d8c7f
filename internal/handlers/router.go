// Package handlers exposes the saga initiator and the payment endpoints over gin.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/metrics"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/validation"
)

// Config groups every dependency of the API router.
type Config struct {
	Service  string
	Orders   OrderPlacer
	Payments PaymentsConfig
	Logger   *zap.Logger
}

// NewRouter builds the API engine with tracing, access logs and metrics.
func NewRouter(cfg Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(cfg.Service))
	r.Use(LoggerMiddleware(cfg.Logger))
	r.Use(metrics.Middleware())

	RegisterHealthRoutes(r)

	v := validation.New()
	RegisterOrdersRoutes(r, cfg.Orders, v)
	if cfg.Payments.Logger == nil {
		cfg.Payments.Logger = cfg.Logger
	}
	RegisterPaymentRoutes(r, cfg.Payments, v)
	return r
}

// RegisterHealthRoutes registers /health and /metrics.
func RegisterHealthRoutes(r gin.IRoutes) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", metrics.Handler())
}

// LoggerMiddleware writes one access log line per request.
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		traceID := ""
		if sc := trace.SpanFromContext(c.Request.Context()).SpanContext(); sc.IsValid() {
			traceID = sc.TraceID().String()
		}
		logger.Info("http request",
			zap.String("trace_id", traceID),
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
