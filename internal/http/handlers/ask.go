package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/scenegraph-backend/internal/domain/chat"
	"github.com/yungbote/scenegraph-backend/internal/http/response"
	"github.com/yungbote/scenegraph-backend/internal/platform/apierr"
	"github.com/yungbote/scenegraph-backend/internal/platform/ctxutil"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
	"github.com/yungbote/scenegraph-backend/internal/services"
)

const maxQuestionChars = 4000

type AskHandler struct {
	log      *logger.Logger
	sessions services.SessionManager
}

func NewAskHandler(log *logger.Logger, sessions services.SessionManager) *AskHandler {
	return &AskHandler{log: log.With("handler", "AskHandler"), sessions: sessions}
}

type askReq struct {
	Question string `json:"question"`
}

// eventStream writes server-sent events. Headers go out with the first
// event, so failures before any chunk can still be plain JSON errors.
type eventStream struct {
	c       *gin.Context
	started bool
}

func (s *eventStream) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.c.Status(http.StatusOK)
}

func (s *eventStream) send(event string, payload any) {
	s.start()
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(`{}`)
	}
	_, _ = fmt.Fprintf(s.c.Writer, "event: %s\ndata: %s\n\n", event, raw)
	s.c.Writer.Flush()
}

// POST /api/graphs/:id/ask {"question": "..."} -> text/event-stream
//
// Events: status, delta {text}, done {message_id, session_id, content},
// error {stage, code, message, partial}.
func (h *AskHandler) Ask(c *gin.Context) {
	id, ok := graphIDParam(c)
	if !ok {
		return
	}
	var req askReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	q := strings.TrimSpace(req.Question)
	if q == "" {
		response.RespondError(c, http.StatusBadRequest, "empty_question", services.ErrEmptyQuestion)
		return
	}
	if len([]rune(q)) > maxQuestionChars {
		response.RespondError(c, http.StatusBadRequest, "question_too_long", fmt.Errorf("question exceeds %d characters", maxQuestionChars))
		return
	}

	ctx := c.Request.Context()
	caller := ctxutil.GetCaller(ctx)
	stream := &eventStream{c: c}

	turn, err := h.sessions.Ask(ctx, services.AskRequest{GraphID: id, CallerID: caller.ID, Question: q}, func(chunk string) {
		if !stream.started {
			stream.send("status", gin.H{"state": "answering", "graph_id": id})
		}
		stream.send("delta", gin.H{"text": chunk})
	})

	if ctx.Err() != nil {
		// Client went away; nothing left to write to.
		return
	}
	if err != nil {
		if !stream.started && turn == nil {
			response.RespondFromError(c, err)
			return
		}
		ae := apierr.FromError(err)
		payload := gin.H{
			"stage":   ae.Stage,
			"code":    ae.Code,
			"message": ae.Error(),
			"partial": turn != nil && turn.Assistant != nil && turn.Assistant.Status == chat.StatusPartial,
		}
		if turn != nil && turn.Assistant != nil {
			payload["message_id"] = turn.Assistant.ID
			payload["content"] = turn.Assistant.Content
		}
		stream.send("error", payload)
		return
	}
	stream.send("done", gin.H{
		"message_id": turn.Assistant.ID,
		"session_id": turn.SessionID,
		"seq":        turn.Assistant.Seq,
		"content":    turn.Assistant.Content,
	})
}

// GET /api/graphs/:id/history?limit=50
func (h *AskHandler) History(c *gin.Context) {
	id, ok := graphIDParam(c)
	if !ok {
		return
	}
	limit := 50
	if v := strings.TrimSpace(c.Query("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_limit", errors.New("limit must be an integer"))
			return
		}
		limit = n
	}
	caller := ctxutil.GetCaller(c.Request.Context())
	msgs, err := h.sessions.History(c.Request.Context(), id, caller.ID, limit)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"graph_id": id, "messages": msgs})
}
