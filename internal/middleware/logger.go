package middleware

import (
	"time"

	"apipool-go/internal/logging"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// RequestLogger logs one line per admin request.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		extras := log.Fields{
			"status":     status,
			"latency_ms": logging.DurationMS(time.Since(start)),
			"user_agent": c.Request.UserAgent(),
		}
		if key, ok := c.Get("api_key_id"); ok {
			extras["key"] = key
		}
		if len(c.Errors) > 0 {
			extras["error"] = c.Errors.String()
		}
		entry := logging.WithReq(c, extras)
		if status >= 500 {
			entry.Warn("http_request")
			return
		}
		entry.Info("http_request")
	}
}
