package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"

	repochat "github.com/yungbote/scenegraph-backend/internal/data/repos/chat"
	"github.com/yungbote/scenegraph-backend/internal/domain/chat"
	"github.com/yungbote/scenegraph-backend/internal/domain/scenegraph"
	"github.com/yungbote/scenegraph-backend/internal/observability"
	"github.com/yungbote/scenegraph-backend/internal/pkg/dbctx"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
	"github.com/yungbote/scenegraph-backend/internal/platform/redislock"
)

var ErrEmptyQuestion = errors.New("question is empty")

type AskRequest struct {
	GraphID  uuid.UUID
	CallerID string
	Question string
}

// Turn is what one Ask appended. Assistant.Status is partial when the
// answer stream failed after the question was accepted.
type Turn struct {
	SessionID uuid.UUID
	User      *chat.ChatMessage
	Assistant *chat.ChatMessage
}

type SessionManager interface {
	// Ask answers one question, forwarding each chunk to onChunk in order.
	// Turns of one (graph, caller) session are applied in submission order.
	Ask(ctx context.Context, req AskRequest, onChunk func(string)) (*Turn, error)
	// History lists a session's messages in sequence order. An unknown
	// session yields an empty list.
	History(ctx context.Context, graphID uuid.UUID, callerID string, limit int) ([]*chat.ChatMessage, error)
}

type sessionKey struct {
	graphID  uuid.UUID
	callerID string
}

func (k sessionKey) String() string { return k.graphID.String() + ":" + k.callerID }

// sessionChain orders the turns of one session. tail is closed when the
// most recently queued turn finishes.
type sessionChain struct {
	mu   sync.Mutex
	tail chan struct{}
	refs int
	dead bool
}

type sessionManager struct {
	log           *logger.Logger
	graphs        SceneGraphService
	query         QueryService
	sessions      repochat.ChatSessionRepo
	messages      repochat.ChatMessageRepo
	locker        redislock.Locker
	failureNotice string
	persistTO     time.Duration
	now           func() time.Time

	chains sync.Map // sessionKey -> *sessionChain
}

// NewSessionManager wires the conversation flow. locker may be nil for a
// single instance.
func NewSessionManager(
	log *logger.Logger,
	graphs SceneGraphService,
	query QueryService,
	sessions repochat.ChatSessionRepo,
	messages repochat.ChatMessageRepo,
	locker redislock.Locker,
	failureNotice string,
) SessionManager {
	return &sessionManager{
		log:           log.With("service", "SessionManager"),
		graphs:        graphs,
		query:         query,
		sessions:      sessions,
		messages:      messages,
		locker:        locker,
		failureNotice: failureNotice,
		persistTO:     10 * time.Second,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// enqueue takes the next place in the session's chain. The returned wait
// blocks until the previous turn has finished; done must be called exactly
// once and releases the next turn only after the previous one is through.
func (m *sessionManager) enqueue(key sessionKey) (wait func(ctx context.Context) error, done func()) {
	var ch *sessionChain
	var prev, mine chan struct{}
	for {
		v, _ := m.chains.LoadOrStore(key, &sessionChain{})
		ch = v.(*sessionChain)
		ch.mu.Lock()
		if ch.dead {
			ch.mu.Unlock()
			continue
		}
		prev = ch.tail
		mine = make(chan struct{})
		ch.tail = mine
		ch.refs++
		ch.mu.Unlock()
		break
	}

	waited := prev == nil
	wait = func(ctx context.Context) error {
		if prev == nil {
			return nil
		}
		select {
		case <-prev:
			waited = true
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done = func() {
		ch.mu.Lock()
		ch.refs--
		if ch.refs == 0 {
			ch.dead = true
			m.chains.CompareAndDelete(key, ch)
		}
		ch.mu.Unlock()
		if waited {
			close(mine)
			return
		}
		go func() {
			<-prev
			close(mine)
		}()
	}
	return wait, done
}

func (m *sessionManager) Ask(ctx context.Context, req AskRequest, onChunk func(string)) (*Turn, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	if onChunk == nil {
		onChunk = func(string) {}
	}
	key := sessionKey{graphID: req.GraphID, callerID: req.CallerID}
	// The user row is stamped when the question arrives, not when the answer ends.
	asked := m.now()

	ctx, span := observability.Tracer().Start(ctx, "session.ask")
	defer span.End()
	span.SetAttributes(attribute.String("graph.id", req.GraphID.String()))

	started := time.Now()
	log := m.log.With("graph_id", req.GraphID.String(), "caller_id", req.CallerID)
	outcome := "error"
	defer func() { observability.Current().ObserveAsk(outcome, time.Since(started)) }()

	wait, done := m.enqueue(key)
	defer done()

	graphContext, err := m.graphs.BuildContext(ctx, req.GraphID)
	if err != nil {
		outcome = askOutcome(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		log.Info("question rejected", "kind", scenegraph.KindOf(err), "error", err.Error())
		return nil, err
	}

	if err := wait(ctx); err != nil {
		outcome = "canceled"
		return nil, err
	}
	if m.locker != nil {
		release, err := m.locker.Acquire(ctx, key.String())
		if err != nil {
			if ctx.Err() != nil {
				outcome = "canceled"
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("session lock: %w", err)
		}
		defer release()
	}

	sess, err := m.sessions.GetOrCreate(dbctx.Context{Ctx: ctx}, req.GraphID, req.CallerID)
	if err != nil {
		return nil, fmt.Errorf("open chat session: %w", err)
	}

	var answer strings.Builder
	chunks := 0
	var final AnswerEvent
	terminal := false
	for ev := range m.query.Answer(ctx, question, graphContext) {
		switch {
		case ev.Done || ev.Err != nil:
			final, terminal = ev, true
		case ev.Delta != "":
			answer.WriteString(ev.Delta)
			chunks++
			onChunk(ev.Delta)
		}
	}

	if ctx.Err() != nil || !terminal || errors.Is(final.Err, context.Canceled) {
		outcome = "canceled"
		log.Info("question canceled by caller", "chunks", chunks)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, context.Canceled
	}

	user := &chat.ChatMessage{
		GraphID:   req.GraphID,
		Role:      chat.RoleUser,
		Status:    chat.StatusComplete,
		Content:   question,
		CreatedAt: asked,
	}
	assistant := &chat.ChatMessage{
		GraphID:   req.GraphID,
		Role:      chat.RoleAssistant,
		Status:    chat.StatusComplete,
		Model:     m.query.Model(),
		CreatedAt: m.now(),
	}
	meta := map[string]any{"chunks": chunks, "model": m.query.Model()}

	var askErr error
	if final.Done {
		assistant.Content = answer.String()
	} else {
		askErr = final.Err
		assistant.Status = chat.StatusPartial
		assistant.Content = strings.TrimSpace(answer.String() + "\n\n" + m.failureNotice)
		meta["stage"] = string(scenegraph.StageOf(askErr))
		meta["kind"] = string(scenegraph.KindOf(askErr))
		span.RecordError(askErr)
		span.SetStatus(codes.Error, "query_unavailable")
	}
	raw, _ := json.Marshal(meta)
	assistant.Metadata = datatypes.JSON(raw)

	// The stream is over; the turn is kept even if the caller goes away now.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.persistTO)
	defer cancel()
	rows, err := m.messages.AppendTurn(dbctx.Context{Ctx: pctx}, sess.ID, []*chat.ChatMessage{user, assistant})
	if err != nil {
		return nil, fmt.Errorf("append turn: %w", err)
	}

	turn := &Turn{SessionID: sess.ID, User: rows[0], Assistant: rows[1]}
	if askErr != nil {
		outcome = "partial"
		log.Warn("answer failed; partial turn stored",
			"session_id", sess.ID.String(),
			"chunks", chunks,
			"error", askErr.Error(),
		)
		return turn, askErr
	}
	outcome = "complete"
	log.Info("turn stored",
		"session_id", sess.ID.String(),
		"seq", turn.Assistant.Seq,
		"chunks", chunks,
		"elapsed", time.Since(started).String(),
	)
	return turn, nil
}

func (m *sessionManager) History(ctx context.Context, graphID uuid.UUID, callerID string, limit int) ([]*chat.ChatMessage, error) {
	sess, err := m.sessions.Get(dbctx.Context{Ctx: ctx}, graphID, callerID)
	if err != nil {
		return nil, fmt.Errorf("load chat session: %w", err)
	}
	if sess == nil {
		return []*chat.ChatMessage{}, nil
	}
	return m.messages.ListBySession(dbctx.Context{Ctx: ctx}, sess.ID, limit)
}

func askOutcome(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return "canceled"
	}
	if k := scenegraph.KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}
