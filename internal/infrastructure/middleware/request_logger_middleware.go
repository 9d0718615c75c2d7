package middleware

import (
	"time"

	rlog "meshroom/pkg/logger"
	"meshroom/pkg/tracing"
	"meshroom/pkg/utils"

	"github.com/gin-gonic/gin"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// RequestLoggerMiddleware tags every request with a request ID and logs it
// once it completes. Place it after TracingMiddleware so the trace ID is
// picked up.
func RequestLoggerMiddleware(logger *rlog.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = utils.GenerateRequestID()
		}
		c.Header(RequestIDHeader, id)

		ctx := rlog.WithRequestID(c.Request.Context(), id)
		ctx = rlog.WithTraceID(ctx, tracing.TraceID(ctx))
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		logger.LogRequest(ctx, c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
