package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/yungbote/scenegraph-backend/internal/data/graph"
	"github.com/yungbote/scenegraph-backend/internal/domain/scenegraph"
	"github.com/yungbote/scenegraph-backend/internal/ingestion/normalize"
	"github.com/yungbote/scenegraph-backend/internal/observability"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
	"github.com/yungbote/scenegraph-backend/internal/platform/openai"
)

// IngestStage is a step of the ingest state machine. Stages only move
// forward; a failed ingest is not resumed.
type IngestStage string

const (
	IngestReceived    IngestStage = "received"
	IngestNormalizing IngestStage = "normalizing"
	IngestExtracting  IngestStage = "extracting"
	IngestValidating  IngestStage = "validating"
	IngestPersisting  IngestStage = "persisting"
	IngestPersisted   IngestStage = "persisted"
	IngestFailed      IngestStage = "failed"
)

type IngestRequest struct {
	Upload normalize.Upload
	// Owner is opaque transport metadata (building/drawing refs), stored verbatim.
	Owner map[string]string
}

type DocumentNormalizer interface {
	Normalize(ctx context.Context, up normalize.Upload) (normalize.Document, error)
}

type SceneGraphService interface {
	Ingest(ctx context.Context, req IngestRequest) (scenegraph.Summary, error)
	Summary(ctx context.Context, id uuid.UUID) (scenegraph.Summary, error)
	Components(ctx context.Context, id uuid.UUID) ([]scenegraph.Component, error)
	List(ctx context.Context, limit int) ([]scenegraph.Summary, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// BuildContext renders the full graph for the query model. It fails with
	// KindContextTooLarge instead of truncating.
	BuildContext(ctx context.Context, id uuid.UUID) (string, error)
}

type SceneGraphConfig struct {
	ContextMaxTokens int
	CacheSize        int
	CacheTTL         time.Duration
	NewID            func() uuid.UUID
	Now              func() time.Time
}

type sceneGraphService struct {
	log        *logger.Logger
	normalizer DocumentNormalizer
	extractor  ExtractionService
	store      graph.Store
	cfg        SceneGraphConfig
	cache      *contextCache
	builds     singleflight.Group
}

func NewSceneGraphService(
	log *logger.Logger,
	normalizer DocumentNormalizer,
	extractor ExtractionService,
	store graph.Store,
	cfg SceneGraphConfig,
) SceneGraphService {
	if cfg.ContextMaxTokens <= 0 {
		cfg.ContextMaxTokens = 100000
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.New
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &sceneGraphService{
		log:        log.With("service", "SceneGraphService"),
		normalizer: normalizer,
		extractor:  extractor,
		store:      store,
		cfg:        cfg,
		cache:      newContextCache(cfg.CacheSize, cfg.CacheTTL),
	}
}

func (s *sceneGraphService) Ingest(ctx context.Context, req IngestRequest) (scenegraph.Summary, error) {
	ctx, span := observability.Tracer().Start(ctx, "scenegraph.ingest")
	defer span.End()
	span.SetAttributes(
		attribute.String("upload.media_type", req.Upload.MediaType),
		attribute.Int("upload.size_bytes", len(req.Upload.Data)),
	)

	started := time.Now()
	log := s.log.With("filename", req.Upload.Filename, "media_type", req.Upload.MediaType)
	log.Info("ingest stage", "stage", IngestReceived, "size_bytes", len(req.Upload.Data))

	fail := func(stage IngestStage, err error) (scenegraph.Summary, error) {
		kind := string(scenegraph.KindOf(err))
		if kind == "" {
			kind = "internal"
		}
		if ctx.Err() != nil {
			kind = "canceled"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		observability.Current().IncIngest("failed", string(stage), kind)
		log.Warn("ingest failed",
			"stage", IngestFailed,
			"failed_stage", stage,
			"kind", kind,
			"elapsed", time.Since(started).String(),
			"error", err.Error(),
		)
		return scenegraph.Summary{}, err
	}

	var doc normalize.Document
	if err := s.stage(ctx, log, IngestNormalizing, func(ctx context.Context) error {
		var err error
		doc, err = s.normalizer.Normalize(ctx, req.Upload)
		return err
	}); err != nil {
		return fail(IngestNormalizing, err)
	}

	var draft scenegraph.ValidDraft
	if err := s.stage(ctx, log, IngestExtracting, func(ctx context.Context) error {
		var err error
		draft, err = s.extractor.Extract(ctx, doc)
		return err
	}); err != nil {
		return fail(IngestExtracting, err)
	}

	var g *scenegraph.SceneGraph
	if err := s.stage(ctx, log, IngestValidating, func(ctx context.Context) error {
		var err error
		g, err = draft.Assemble(scenegraph.AssembleOptions{
			NewID: s.cfg.NewID,
			Now:   s.cfg.Now(),
			Source: scenegraph.SourceRef{
				Filename:  req.Upload.Filename,
				MediaType: doc.MediaType,
				SizeBytes: int64(len(req.Upload.Data)),
				PageCount: doc.SourcePages,
			},
			Owner: req.Owner,
			Model: s.extractor.Model(),
		})
		return err
	}); err != nil {
		return fail(IngestValidating, err)
	}

	if err := s.stage(ctx, log, IngestPersisting, func(ctx context.Context) error {
		if err := s.store.Create(ctx, g); err != nil {
			return fmt.Errorf("persist graph %s: %w", g.ID, err)
		}
		return nil
	}); err != nil {
		return fail(IngestPersisting, err)
	}

	sum := g.Summary()
	span.SetAttributes(
		attribute.String("graph.id", sum.ID.String()),
		attribute.Int("graph.components", sum.ComponentCount),
		attribute.Int("graph.relationships", sum.RelationshipCount),
	)
	observability.Current().IncIngest("persisted", string(IngestPersisted), "")
	log.Info("ingest stage",
		"stage", IngestPersisted,
		"graph_id", sum.ID.String(),
		"components", sum.ComponentCount,
		"relationships", sum.RelationshipCount,
		"elapsed", time.Since(started).String(),
	)
	return sum, nil
}

func (s *sceneGraphService) stage(ctx context.Context, log *logger.Logger, stage IngestStage, fn func(ctx context.Context) error) error {
	ctx, span := observability.Tracer().Start(ctx, "scenegraph.ingest."+string(stage))
	defer span.End()
	log.Debug("ingest stage", "stage", stage)
	t0 := time.Now()
	err := fn(ctx)
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	observability.Current().ObserveIngestStage(string(stage), status, time.Since(t0))
	return err
}

func (s *sceneGraphService) Summary(ctx context.Context, id uuid.UUID) (scenegraph.Summary, error) {
	sum, err := s.store.Summary(ctx, id)
	if err != nil {
		return scenegraph.Summary{}, fmt.Errorf("summary %s: %w", id, err)
	}
	return sum, nil
}

func (s *sceneGraphService) Components(ctx context.Context, id uuid.UUID) ([]scenegraph.Component, error) {
	g, err := s.store.LoadFull(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("components %s: %w", id, err)
	}
	return g.Components, nil
}

func (s *sceneGraphService) List(ctx context.Context, limit int) ([]scenegraph.Summary, error) {
	out, err := s.store.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list graphs: %w", err)
	}
	return out, nil
}

func (s *sceneGraphService) Delete(ctx context.Context, id uuid.UUID) error {
	s.cache.invalidate(id)
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	s.cache.invalidate(id)
	s.log.Info("scene graph deleted", "graph_id", id.String())
	return nil
}

func (s *sceneGraphService) BuildContext(ctx context.Context, id uuid.UUID) (string, error) {
	text, tokens, ok := s.cache.get(id)
	if ok {
		observability.Current().IncContextCache("hit")
	} else {
		observability.Current().IncContextCache("miss")
		// The shared build must not die with whichever caller started it.
		v, err, _ := s.builds.Do(id.String(), func() (any, error) {
			bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			g, err := s.store.LoadFull(bctx, id)
			if err != nil {
				return nil, err
			}
			text := RenderContext(g)
			tokens := openai.EstimateTokens(text)
			s.cache.put(id, text, tokens)
			return cachedContext{text: text, tokens: tokens}, nil
		})
		if err != nil {
			return "", fmt.Errorf("build context %s: %w", id, err)
		}
		built := v.(cachedContext)
		text, tokens = built.text, built.tokens
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	observability.Current().ObserveContextTokens(tokens)
	if tokens > s.cfg.ContextMaxTokens {
		return "", scenegraph.Errorf(scenegraph.StageContext, scenegraph.KindContextTooLarge,
			"graph %s context is about %d tokens, budget is %d", id, tokens, s.cfg.ContextMaxTokens)
	}
	return text, nil
}
