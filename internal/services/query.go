package services

import (
	"context"
	"errors"
	"time"

	"github.com/yungbote/scenegraph-backend/internal/domain/scenegraph"
	"github.com/yungbote/scenegraph-backend/internal/platform/httpx"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
	"github.com/yungbote/scenegraph-backend/internal/platform/openai"
	"github.com/yungbote/scenegraph-backend/internal/services/prompts"
)

// AnswerEvent is one element of an answer stream. Exactly one of Delta,
// Done or Err is set. Text carries the full answer on Done and the text
// delivered so far on Err.
type AnswerEvent struct {
	Delta string
	Done  bool
	Text  string
	Err   error
}

type QueryService interface {
	// Answer streams deltas followed by one terminal Done or Err event, then
	// closes the channel. If ctx ends first the channel may close without a
	// terminal event.
	Answer(ctx context.Context, question string, graphContext string) <-chan AnswerEvent
	Model() string
}

type queryService struct {
	log     *logger.Logger
	ai      openai.Client
	prompts prompts.Query
	cfg     RetryConfig
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewQueryService(log *logger.Logger, ai openai.Client, p prompts.Query, cfg RetryConfig) QueryService {
	return &queryService{
		log:     log.With("service", "QueryService"),
		ai:      ai,
		prompts: p,
		cfg:     cfg.withDefaults(90*time.Second, 2),
		sleep:   httpx.Sleep,
	}
}

func (s *queryService) Model() string { return s.ai.Model() }

func (s *queryService) Answer(ctx context.Context, question string, graphContext string) <-chan AnswerEvent {
	out := make(chan AnswerEvent, 16)
	go func() {
		defer close(out)
		ev := s.run(ctx, question, graphContext, out)
		select {
		case out <- ev:
		case <-ctx.Done():
			select {
			case out <- ev:
			default:
			}
		}
	}()
	return out
}

func (s *queryService) run(ctx context.Context, question, graphContext string, out chan<- AnswerEvent) AnswerEvent {
	user := s.prompts.QueryUser(question, graphContext)
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		delivered := false
		actx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		full, err := s.ai.StreamText(actx, s.prompts.System, user, func(d string) {
			delivered = true
			select {
			case out <- AnswerEvent{Delta: d}:
			case <-actx.Done():
			}
		})
		cancel()

		if err == nil {
			if ctx.Err() != nil {
				return AnswerEvent{Err: ctx.Err(), Text: full}
			}
			return AnswerEvent{Done: true, Text: full}
		}
		if ctx.Err() != nil {
			return AnswerEvent{Err: ctx.Err(), Text: full}
		}
		lastErr = err
		if delivered {
			s.log.Warn("answer stream failed after first delta", "error", err.Error(), "delivered_chars", len(full))
			return AnswerEvent{Err: scenegraph.NewError(scenegraph.StageQuery, scenegraph.KindQueryUnavailable, err), Text: full}
		}
		if !retryableBeforeFirstDelta(err) {
			break
		}
		if attempt+1 < s.cfg.MaxAttempts {
			wait := httpx.JitterSleep(s.cfg.Backoff.Delay(attempt))
			s.log.Warn("answer attempt failed; retrying",
				"attempt", attempt+1,
				"max_attempts", s.cfg.MaxAttempts,
				"sleep", wait.String(),
				"error", err.Error(),
			)
			if err := s.sleep(ctx, wait); err != nil {
				return AnswerEvent{Err: err}
			}
		}
	}
	return AnswerEvent{Err: scenegraph.NewError(scenegraph.StageQuery, scenegraph.KindQueryUnavailable, lastErr)}
}

// Nothing has reached the caller yet, so a restart is invisible. Refusals
// and client-side HTTP errors would only fail again.
func retryableBeforeFirstDelta(err error) bool {
	if errors.Is(err, openai.ErrRefused) {
		return false
	}
	var sc httpx.HTTPStatusCoder
	if errors.As(err, &sc) {
		return httpx.IsRetryableHTTPStatus(sc.HTTPStatusCode())
	}
	return true
}
