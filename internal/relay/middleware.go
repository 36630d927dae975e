package relay

import (
	"net/http"
	"time"

	"antitrunc-relay/internal/relayerrors"
	"antitrunc-relay/internal/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RequestID resolves the request id from an inbound X-Request-Id header,
// generating one if absent, and sets it on the context and response header
// before any route handler runs.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// Logger logs one line per request, at a level chosen by the response
// status, skipping successful health checks to reduce noise.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)

		if path == "/health" && status < 400 {
			return
		}

		fields := logrus.Fields{
			"method":     method,
			"path":       path,
			"status":     status,
			"latency":    latency.String(),
			"request_id": c.GetString("request_id"),
		}
		switch {
		case status >= 500:
			logrus.WithFields(fields).Error("request completed")
		case status >= 400:
			logrus.WithFields(fields).Warn("request completed")
		default:
			logrus.WithFields(fields).Info("request completed")
		}
	}
}

// Recovery converts a panic in a downstream handler into a 500 response
// instead of crashing the process.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logrus.WithField("recovered", recovered).Error("panic recovered")
		response.Error(c, relayerrors.ErrInternalServer)
		c.Abort()
	})
}

// SecurityHeaders sets a small set of defensive headers on every response.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "SAMEORIGIN")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// RequestBodySizeLimit rejects a request whose declared or actual body size
// exceeds maxBytes, before any upstream call is made.
func RequestBodySizeLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes && c.Request.ContentLength != -1 {
			response.Error(c, relayerrors.ErrBodyTooLarge)
			c.Abort()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

func healthHandler(c *gin.Context) {
	response.Health(c)
}
