// Package server exposes the operational HTTP surface: liveness,
// readiness backed by the store's health check, and prometheus metrics.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelsec/kestrel-backend/internal/pkg/logger"
	"github.com/kestrelsec/kestrel-backend/internal/store"
)

type RouterConfig struct {
	Log     *logger.Logger
	Store   store.Store
	LogMode string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.LogMode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		c.Next()
		cfg.Log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status())
	})

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/readyz", func(c *gin.Context) {
		status := cfg.Store.HealthCheck(c.Request.Context())
		code := http.StatusOK
		if !status.Healthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}
