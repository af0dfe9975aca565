package app

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/scenegraph-backend/internal/http"
	httpH "github.com/yungbote/scenegraph-backend/internal/http/handlers"
	"github.com/yungbote/scenegraph-backend/internal/observability"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
)

type Handlers struct {
	Health *httpH.HealthHandler
	Graph  *httpH.GraphHandler
	Ask    *httpH.AskHandler
}

func wireHandlers(log *logger.Logger, cfg Config, storage *Storage, services Services) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health: httpH.NewHealthHandler(map[string]httpH.HealthCheck{
			"graph_store": storage.Graphs.Ping,
			"database":    func(ctx context.Context) error { return storage.DB.Ping(ctx) },
		}),
		Graph: httpH.NewGraphHandler(log, services.SceneGraph, cfg.MaxUploadBytes),
		Ask:   httpH.NewAskHandler(log, services.Sessions),
	}
}

func wireRouter(log *logger.Logger, cfg Config, handlers Handlers, metrics *observability.Metrics) *gin.Engine {
	serviceName := ""
	if cfg.Otel.Enabled {
		serviceName = cfg.Otel.ServiceName
	}
	return http.NewRouter(http.RouterConfig{
		Log:           log,
		ServiceName:   serviceName,
		CORSOrigins:   cfg.CORSOrigins,
		JWTSecret:     cfg.JWTSecretKey,
		Metrics:       metrics,
		GraphHandler:  handlers.Graph,
		AskHandler:    handlers.Ask,
		HealthHandler: handlers.Health,
	})
}
