package web

import (
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// loggerMiddleware logs every request through logrus, along with the errors
// the handlers attached to the context.
func loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger := log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})
		if len(c.Errors) > 0 {
			for _, err := range c.Errors {
				logger.WithError(err.Err).Warn("request failed")
			}
			return
		}
		logger.Debug("request served")
	}
}
