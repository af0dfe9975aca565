package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/scenegraph-backend/internal/http/handlers"
	httpMW "github.com/yungbote/scenegraph-backend/internal/http/middleware"
	"github.com/yungbote/scenegraph-backend/internal/observability"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log         *logger.Logger
	ServiceName string
	CORSOrigins []string
	JWTSecret   string
	Metrics     *observability.Metrics

	GraphHandler  *httpH.GraphHandler
	AskHandler    *httpH.AskHandler
	HealthHandler *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	log := cfg.Log
	if log == nil {
		log = logger.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(log))
	r.Use(httpMW.Metrics(cfg.Metrics, "/metrics"))
	r.Use(httpMW.CORS(cfg.CORSOrigins))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthz", cfg.HealthHandler.HealthCheck)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	api := r.Group("/api")
	api.Use(httpMW.CallerIdentity(log, cfg.JWTSecret))
	{
		// Scene graphs
		if cfg.GraphHandler != nil {
			api.POST("/graphs", cfg.GraphHandler.Upload)
			api.GET("/graphs", cfg.GraphHandler.List)
			api.GET("/graphs/:id", cfg.GraphHandler.Get)
			api.GET("/graphs/:id/components", cfg.GraphHandler.Components)
			api.DELETE("/graphs/:id", cfg.GraphHandler.Delete)
		}

		// Questions
		if cfg.AskHandler != nil {
			api.POST("/graphs/:id/ask", cfg.AskHandler.Ask)
			api.GET("/graphs/:id/history", cfg.AskHandler.History)
		}
	}
	return r
}
