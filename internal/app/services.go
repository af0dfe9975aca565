package app

import (
	"fmt"

	"github.com/yungbote/scenegraph-backend/internal/ingestion/normalize"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
	"github.com/yungbote/scenegraph-backend/internal/services"
	"github.com/yungbote/scenegraph-backend/internal/services/prompts"
)

type Services struct {
	Extraction services.ExtractionService
	Query      services.QueryService
	SceneGraph services.SceneGraphService
	Sessions   services.SessionManager
}

func wireServices(log *logger.Logger, cfg Config, storage *Storage, reposet Repos, clients Clients) (Services, error) {
	log.Info("Wiring services...")

	set, err := prompts.Load()
	if err != nil {
		return Services{}, fmt.Errorf("load prompts: %w", err)
	}

	normalizer := normalize.New(log, cfg.Normalize, clients.Rasterizer)
	extraction := services.NewExtractionService(log, clients.Extraction, set.Extraction, cfg.Extraction)
	query := services.NewQueryService(log, clients.Query, set.Query, cfg.Query)
	sceneGraph := services.NewSceneGraphService(log, normalizer, extraction, storage.Graphs, cfg.SceneGraph)
	sessions := services.NewSessionManager(
		log,
		sceneGraph,
		query,
		reposet.ChatSession,
		reposet.ChatMessage,
		clients.SessionLock,
		set.Query.FailureNotice,
	)

	return Services{
		Extraction: extraction,
		Query:      query,
		SceneGraph: sceneGraph,
		Sessions:   sessions,
	}, nil
}
