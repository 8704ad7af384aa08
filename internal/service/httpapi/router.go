package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/metrics"
)

// NewRouter собирает gin.Engine с recovery, access log и метриками.
func NewRouter(handler *Handler, logger *log.Entry, httpMetrics *metrics.HTTPMetrics) *gin.Engine {
	if logger == nil {
		logger = log.New().WithField("component", "http-api")
	}
	router := gin.New()
	router.RedirectTrailingSlash = false
	router.Use(gin.Recovery(), accessLog(logger, httpMetrics))
	handler.RegisterRoutes(router)
	return router
}

func accessLog(logger *log.Entry, httpMetrics *metrics.HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		status := c.Writer.Status()
		httpMetrics.ObserveRequest(c.Request.Method, c.FullPath(), status, elapsed)
		logger.WithFields(log.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      status,
			"duration_ms": elapsed.Milliseconds(),
			"client_ip":   c.ClientIP(),
		}).Debug("http request")
	}
}
