package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/scenegraph-backend/internal/observability"
)

// Metrics records per-route request counts, latency and in-flight requests.
// Routes in skip (the scrape endpoint itself) are not recorded. A nil m
// turns the middleware into a pass-through.
func Metrics(m *observability.Metrics, skip ...string) gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.Next() }
	}
	skipped := make(map[string]struct{}, len(skip))
	for _, route := range skip {
		skipped[route] = struct{}{}
	}
	return func(c *gin.Context) {
		route := c.FullPath()
		if _, ok := skipped[route]; ok && route != "" {
			c.Next()
			return
		}
		if route == "" {
			// One label for every unmatched path keeps scanner traffic from
			// creating new series.
			route = "unmatched"
		}

		start := time.Now()
		m.ApiInflightInc()
		defer m.ApiInflightDec()
		c.Next()
		m.ObserveAPI(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
