// Package httpapi exposes the Agent Manager, Model Registry, and Kernel
// Runtime control planes over gin. The HTTP surface is explicitly a thin
// boundary (spec §1 "deliberately thin") — every handler below does nothing
// but decode a request, call a control-plane method, and encode the result
// or error.
//
// Middleware is adapted from the teacher's internal/orchestrator/api
// (RequestLogger/ErrorHandler/Recovery/CORS), narrowed to this service's
// error taxonomy (apperrors.AppError / apperrors.StartupError).
package httpapi

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentkernel/internal/apperrors"
	"github.com/kandev/agentkernel/internal/common/logger"
)

// RequestLogger logs every request with a generated request id.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		log.Info("request completed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID),
		)
	}
}

// ErrorHandler translates the last gin error into a JSON error body, using
// apperrors.GetHTTPStatus to pick the status code for both AppError and
// StartupError.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		var appErr *apperrors.AppError
		if stderrors.As(err, &appErr) {
			log.Error("request error", zap.String("code", appErr.Code), zap.Int("status", appErr.HTTPStatus))
			c.JSON(appErr.HTTPStatus, gin.H{"error": gin.H{"code": appErr.Code, "message": appErr.Message}})
			return
		}

		var startupErr *apperrors.StartupError
		if stderrors.As(err, &startupErr) {
			log.Error("agent startup error", zap.String("agent_id", startupErr.AgentID))
			c.JSON(apperrors.GetHTTPStatus(err), gin.H{"error": gin.H{"code": "AGENT_STARTUP_ERROR", "message": startupErr.Error()}})
			return
		}

		log.Error("internal server error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "INTERNAL_ERROR", "message": "An internal server error occurred"}})
	}
}

// Recovery recovers panics inside handlers and reports them as 500s.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered", zap.Any("panic", r), zap.String("path", c.Request.URL.Path))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{"code": "INTERNAL_ERROR", "message": "An internal server error occurred"},
				})
			}
		}()
		c.Next()
	}
}

// CORS allows cross-origin requests from any client, since the service's
// consumers are not specified by this spec's scope.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
