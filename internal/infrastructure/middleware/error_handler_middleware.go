package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"meshroom/pkg/errors"
	rlog "meshroom/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// roomParam returns the room ID of /api/v1/rooms/:id style routes.
func roomParam(c *gin.Context) string {
	if !strings.Contains(c.FullPath(), "/rooms/:id") {
		return ""
	}
	return c.Param("id")
}

// requestContext is the request context tagged with the room being served.
func requestContext(c *gin.Context) context.Context {
	ctx := c.Request.Context()
	if roomID := roomParam(c); roomID != "" {
		ctx = rlog.WithRoomID(ctx, roomID)
	}
	return ctx
}

func errorBody(c *gin.Context, code errors.ErrorCode, message string, details map[string]interface{}) gin.H {
	body := gin.H{
		"error":   string(code),
		"message": message,
	}
	if len(details) > 0 {
		body["details"] = details
	}
	if id := c.Writer.Header().Get(RequestIDHeader); id != "" {
		body["request_id"] = id
	}
	return body
}

// ErrorHandlerMiddleware renders the last handler error. AppErrors keep
// their status and code; anything else becomes an opaque 500. Client errors
// are logged at warn level, server errors at error level.
func ErrorHandlerMiddleware(logger *rlog.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		log := logger.WithContext(requestContext(c))
		route := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
		}

		if appErr := errors.GetAppError(err); appErr != nil {
			fields := append(route,
				zap.String("code", string(appErr.Code)),
				zap.Int("status", appErr.HTTPStatus),
				zap.Any("details", appErr.Context),
			)
			if appErr.HTTPStatus >= http.StatusInternalServerError {
				log.Error(appErr.Message, append(fields, zap.Error(err))...)
			} else {
				log.Warn(appErr.Message, fields...)
			}
			c.JSON(appErr.HTTPStatus, errorBody(c, appErr.Code, appErr.Message, appErr.Context))
			return
		}

		log.Error("unhandled error", append(route, zap.Error(err))...)
		c.JSON(http.StatusInternalServerError, errorBody(c, errors.ErrCodeInternal, "Internal server error", nil))
	}
}

// RecoveryMiddleware turns a handler panic into a 500 and logs it with the
// stack.
func RecoveryMiddleware(logger *rlog.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.LogError(requestContext(c), fmt.Errorf("panic: %v", r), "panic recovered",
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.Stack("stack"),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					errorBody(c, errors.ErrCodeInternal, "Internal server error", nil))
			}
		}()

		c.Next()
	}
}
