package app

import (
	"context"
	"fmt"
	"time"

	"github.com/yungbote/scenegraph-backend/internal/ingestion/normalize"
	"github.com/yungbote/scenegraph-backend/internal/platform/localmedia"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
	"github.com/yungbote/scenegraph-backend/internal/platform/openai"
	"github.com/yungbote/scenegraph-backend/internal/platform/redislock"
)

type Clients struct {
	Extraction openai.Client
	Query      openai.Client
	// Nil when REDIS_ADDR is unset; sessions are then ordered in-process only.
	SessionLock redislock.Locker
	// Nil when poppler is missing; PDFs are then rejected as unsupported.
	Rasterizer normalize.Rasterizer

	closeRedis func() error
}

func wireClients(ctx context.Context, log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")

	// Openai: one transport and rate limiter, one model per concern.
	base, err := openai.NewClient(log, cfg.OpenAI)
	if err != nil {
		return Clients{}, fmt.Errorf("init openai client: %w", err)
	}
	out := Clients{
		Extraction: openai.WithModel(base, cfg.ExtractionModel),
		Query:      openai.WithModel(base, cfg.QueryModel),
	}

	// Redis
	if cfg.Redis.Addr != "" {
		locker, closeFn, err := redislock.New(log, cfg.Redis)
		if err != nil {
			return Clients{}, fmt.Errorf("init redis session lock: %w", err)
		}
		out.SessionLock = locker
		out.closeRedis = closeFn
	}

	// Poppler
	tools := localmedia.New(log, localmedia.Config{WorkRoot: cfg.MediaWorkRoot, Timeout: 2 * time.Minute})
	if err := tools.AssertReady(ctx); err != nil {
		log.Warn("PDF tools unavailable; PDF uploads will be rejected", "error", err)
	} else {
		out.Rasterizer = normalize.NewPopplerRasterizer(log, tools, cfg.PDFRenderDPI)
	}
	return out, nil
}

func (c *Clients) Close() {
	if c == nil {
		return
	}
	if c.closeRedis != nil {
		_ = c.closeRedis()
	}
}
