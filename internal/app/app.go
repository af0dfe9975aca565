package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/scenegraph-backend/internal/http"
	"github.com/yungbote/scenegraph-backend/internal/observability"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
)

type App struct {
	Log      *logger.Logger
	Cfg      Config
	Storage  *Storage
	Clients  Clients
	Repos    Repos
	Services Services
	Router   *gin.Engine
	Metrics  *observability.Metrics

	otelShutdown func(context.Context) error
}

// NewLogger builds the process logger from LOG_MODE.
func NewLogger() (*logger.Logger, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return log, nil
}

// New wires the whole service. Storage is migrated on start so a fresh
// database is usable without running the migrate command first.
func New(ctx context.Context, log *logger.Logger) (*App, error) {
	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	otelShutdown := observability.InitOTel(ctx, log, cfg.Otel)
	metrics := observability.Init(log)

	storage, err := OpenStorage(ctx, log, cfg)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, err
	}
	if err := storage.Migrate(ctx); err != nil {
		storage.Close()
		_ = otelShutdown(context.Background())
		return nil, err
	}

	clients, err := wireClients(ctx, log, cfg)
	if err != nil {
		storage.Close()
		_ = otelShutdown(context.Background())
		return nil, err
	}

	reposet := storage.Repos(log)
	serviceset, err := wireServices(log, cfg, storage, reposet, clients)
	if err != nil {
		clients.Close()
		storage.Close()
		_ = otelShutdown(context.Background())
		return nil, err
	}
	handlerset := wireHandlers(log, cfg, storage, serviceset)
	router := wireRouter(log, cfg, handlerset, metrics)

	return &App{
		Log:          log,
		Cfg:          cfg,
		Storage:      storage,
		Clients:      clients,
		Repos:        reposet,
		Services:     serviceset,
		Router:       router,
		Metrics:      metrics,
		otelShutdown: otelShutdown,
	}, nil
}

// Run serves HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	srv := &http.Server{Engine: a.Router}
	a.Log.Info("Serving", "addr", a.Cfg.HTTPAddr)
	return srv.Run(ctx, a.Cfg.HTTPAddr, a.Cfg.ShutdownGrace)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	a.Clients.Close()
	a.Storage.Close()
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otelShutdown(ctx)
		cancel()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
