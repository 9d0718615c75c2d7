package middleware

import (
	"net/http"

	"meshroom/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TracingMiddleware opens one span per request, named after the matched
// route. Room routes carry the room ID; error statuses mark the span failed.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.client_ip", c.ClientIP()),
			attribute.String("http.user_agent", c.Request.UserAgent()),
		)
		if roomID := roomParam(c); roomID != "" {
			span.SetAttributes(tracing.RoomIDKey.String(roomID))
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			attribute.Int("http.status_code", status),
			attribute.Int("http.response_size", c.Writer.Size()),
		)
		if id, ok := IdentityFromContext(c); ok {
			span.SetAttributes(tracing.PeerHandleKey.String(string(id.Handle)))
		}
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, c.Errors.String())
		} else if len(c.Errors) > 0 {
			span.SetStatus(codes.Error, c.Errors.Last().Error())
		}
	}
}
