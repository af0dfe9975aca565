package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/scenegraph-backend/internal/platform/ctxutil"
)

func TestAttachTraceContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AttachTraceContext())
	var seen *ctxutil.TraceData
	r.GET("/x", func(c *gin.Context) {
		seen = ctxutil.GetTraceData(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	cases := []struct {
		name      string
		requestID string
		keep      bool
	}{
		{"kept", "req-123_abc", true},
		{"generated", "", false},
		{"unsafe_replaced", "bad id\nwith newline", false},
		{"too_long", strings.Repeat("a", maxRequestIDLen+1), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tc.requestID != "" {
				req.Header.Set(headerRequestID, tc.requestID)
			}
			req.Header.Set(headerTraceID, "trace-1")
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if seen == nil || seen.RequestID == "" {
				t.Fatalf("trace data missing: %+v", seen)
			}
			if (seen.RequestID == tc.requestID) != tc.keep {
				t.Fatalf("request id=%q", seen.RequestID)
			}
			if seen.TraceID != "trace-1" || rec.Header().Get(headerTraceID) != "trace-1" {
				t.Fatalf("trace id=%q header=%q", seen.TraceID, rec.Header().Get(headerTraceID))
			}
			if rec.Header().Get(headerRequestID) != seen.RequestID {
				t.Fatalf("response header %q != %q", rec.Header().Get(headerRequestID), seen.RequestID)
			}
		})
	}
}
