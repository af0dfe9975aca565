package services

import (
	"context"
	"errors"
	"time"

	"github.com/yungbote/scenegraph-backend/internal/domain/scenegraph"
	"github.com/yungbote/scenegraph-backend/internal/ingestion/normalize"
	"github.com/yungbote/scenegraph-backend/internal/platform/httpx"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
	"github.com/yungbote/scenegraph-backend/internal/platform/openai"
	"github.com/yungbote/scenegraph-backend/internal/services/prompts"
)

type ExtractionService interface {
	// Extract asks the vision model for a draft scene graph. Unavailable
	// attempts are retried within the attempt budget; malformed output is
	// returned at once.
	Extract(ctx context.Context, doc normalize.Document) (scenegraph.ValidDraft, error)
	Model() string
}

type RetryConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	Backoff     httpx.Backoff
}

func (c RetryConfig) withDefaults(timeout time.Duration, attempts int) RetryConfig {
	if c.Timeout <= 0 {
		c.Timeout = timeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = attempts
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = httpx.Backoff{Base: 2 * time.Second, Multiplier: 2, Max: 30 * time.Second}
	}
	return c
}

type extractionService struct {
	log     *logger.Logger
	ai      openai.Client
	prompts prompts.Extraction
	cfg     RetryConfig
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewExtractionService(log *logger.Logger, ai openai.Client, p prompts.Extraction, cfg RetryConfig) ExtractionService {
	return &extractionService{
		log:     log.With("service", "ExtractionService"),
		ai:      ai,
		prompts: p,
		cfg:     cfg.withDefaults(120*time.Second, 3),
		sleep:   httpx.Sleep,
	}
}

func (s *extractionService) Model() string { return s.ai.Model() }

func (s *extractionService) Extract(ctx context.Context, doc normalize.Document) (scenegraph.ValidDraft, error) {
	images := make([]openai.ImageInput, 0, len(doc.Pages))
	for _, p := range doc.Pages {
		images = append(images, openai.ImageInput{ImageURL: openai.DataURL(p.MediaType, p.Data), Detail: "high"})
	}
	user := s.prompts.ExtractionUser(doc.Text)

	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		raw, err := s.ai.GenerateJSONWithImages(actx, s.prompts.System, user, images, s.prompts.SchemaName, s.prompts.Schema)
		cancel()

		if err == nil {
			draft, perr := scenegraph.ParseDraft(raw)
			if perr != nil {
				return scenegraph.ValidDraft{}, scenegraph.NewError(scenegraph.StageExtract, scenegraph.KindExtractionMalformed, perr)
			}
			return draft, nil
		}
		if ctx.Err() != nil {
			return scenegraph.ValidDraft{}, ctx.Err()
		}
		if errors.Is(err, openai.ErrRefused) || errors.Is(err, openai.ErrEmptyOutput) {
			return scenegraph.ValidDraft{}, scenegraph.NewError(scenegraph.StageExtract, scenegraph.KindExtractionMalformed,
				&scenegraph.MalformedDraft{Problems: []string{err.Error()}})
		}
		lastErr = err
		if !httpx.IsRetryableError(err) {
			break
		}
		if attempt+1 < s.cfg.MaxAttempts {
			wait := httpx.JitterSleep(s.cfg.Backoff.Delay(attempt))
			s.log.Warn("extraction attempt failed; retrying",
				"attempt", attempt+1,
				"max_attempts", s.cfg.MaxAttempts,
				"sleep", wait.String(),
				"error", err.Error(),
			)
			if err := s.sleep(ctx, wait); err != nil {
				return scenegraph.ValidDraft{}, err
			}
		}
	}
	return scenegraph.ValidDraft{}, scenegraph.NewError(scenegraph.StageExtract, scenegraph.KindExtractionUnavailable, lastErr)
}
