package server

import (
	"time"

	"github.com/careops/carebilling/pkg/log/ctxlogger"
	"github.com/careops/carebilling/pkg/telemetry/correlation"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const HeaderCorrelationID = "X-Correlation-ID"

// CorrelationMiddleware propagates or mints the request correlation ID and
// echoes it back on the response.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if cid := c.GetHeader(HeaderCorrelationID); cid != "" {
			ctx = correlation.ContextWithCorrelationID(ctx, cid)
		}
		ctx, cid := correlation.EnsureCorrelationID(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Header(HeaderCorrelationID, cid)
		c.Next()
	}
}

// RequestLogMiddleware emits one structured access log line per request.
func RequestLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log := ctxlogger.FromContext(c.Request.Context())
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.Last().Error()))
			log.Warn("http request failed", fields...)
			return
		}
		log.Info("http request", fields...)
	}
}
