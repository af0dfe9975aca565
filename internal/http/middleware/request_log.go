package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/scenegraph-backend/internal/platform/ctxutil"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
)

// Probe and scrape routes log at debug so they do not drown real traffic.
var quietRoutes = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// RequestLogger writes one line per request after the handler chain.
// Ask streams are logged when the stream closes, so duration covers the
// whole answer.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	if log == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		status := c.Writer.Status()
		fields := []interface{}{
			"method", c.Request.Method,
			"route", route,
			"path", c.Request.URL.Path,
			"status", status,
			"bytes", c.Writer.Size(),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if id := c.Param("id"); id != "" {
			fields = append(fields, "graph_id", id)
		}

		ctx := c.Request.Context()
		if td := ctxutil.GetTraceData(ctx); td != nil {
			fields = append(fields, "trace_id", td.TraceID, "request_id", td.RequestID)
		}
		if caller := ctxutil.GetCaller(ctx); caller.ID != "" {
			fields = append(fields, "caller_id", caller.ID, "caller_source", caller.Source)
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "errors", c.Errors.String())
		}

		switch {
		case status >= 500:
			log.Error("HTTP request", fields...)
		case status >= 400:
			log.Warn("HTTP request", fields...)
		case quietRoutes[route]:
			log.Debug("HTTP request", fields...)
		default:
			log.Info("HTTP request", fields...)
		}
	}
}
