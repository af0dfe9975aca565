package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/scenegraph-backend/internal/domain/chat"
	"github.com/yungbote/scenegraph-backend/internal/domain/scenegraph"
	httpMW "github.com/yungbote/scenegraph-backend/internal/http/middleware"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
	"github.com/yungbote/scenegraph-backend/internal/services"
)

type fakeGraphs struct {
	services.SceneGraphService
	gotIngest services.IngestRequest
	summary   scenegraph.Summary
	err       error
}

func (f *fakeGraphs) Ingest(ctx context.Context, req services.IngestRequest) (scenegraph.Summary, error) {
	f.gotIngest = req
	return f.summary, f.err
}

func (f *fakeGraphs) Summary(ctx context.Context, id uuid.UUID) (scenegraph.Summary, error) {
	if f.err != nil {
		return scenegraph.Summary{}, f.err
	}
	return f.summary, nil
}

type fakeSessions struct {
	chunks   []string
	turn     *services.Turn
	err      error
	got      services.AskRequest
	history  []*chat.ChatMessage
	histCall string
}

func (f *fakeSessions) Ask(ctx context.Context, req services.AskRequest, onChunk func(string)) (*services.Turn, error) {
	f.got = req
	for _, c := range f.chunks {
		onChunk(c)
	}
	return f.turn, f.err
}

func (f *fakeSessions) History(ctx context.Context, graphID uuid.UUID, callerID string, limit int) ([]*chat.ChatMessage, error) {
	f.histCall = callerID
	return f.history, nil
}

func newTestEngine(graphs services.SceneGraphService, sessions services.SessionManager, maxUpload int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	log := logger.NewNop()
	gh := NewGraphHandler(log, graphs, maxUpload)
	ah := NewAskHandler(log, sessions)
	r := gin.New()
	api := r.Group("/api")
	api.Use(httpMW.CallerIdentity(log, ""))
	api.POST("/graphs", gh.Upload)
	api.GET("/graphs/:id", gh.Get)
	api.POST("/graphs/:id/ask", ah.Ask)
	api.GET("/graphs/:id/history", ah.History)
	return r
}

func multipartUpload(t *testing.T, data []byte, mediaType string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="file"; filename="riser.png"`)
	h.Set("Content-Type", mediaType)
	part, err := w.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write(data)
	for k, v := range fields {
		_ = w.WriteField(k, v)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &body, w.FormDataContentType()
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (code, stage string) {
	t.Helper()
	var env struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
			Stage   string `json:"stage"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error envelope %q: %v", rec.Body.String(), err)
	}
	return env.Error.Code, env.Error.Stage
}

func TestUploadPassesFileAndOwner(t *testing.T) {
	id := uuid.New()
	graphs := &fakeGraphs{summary: scenegraph.Summary{ID: id, ComponentCount: 3}}
	r := newTestEngine(graphs, &fakeSessions{}, 1<<20)

	body, ct := multipartUpload(t, []byte("png-bytes"), "image/png", map[string]string{"building_id": "b-7", "drawing_id": " d-12 "})
	req := httptest.NewRequest(http.MethodPost, "/api/graphs", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	up := graphs.gotIngest.Upload
	if string(up.Data) != "png-bytes" || up.MediaType != "image/png" || up.Filename != "riser.png" {
		t.Fatalf("upload=%+v", up)
	}
	if graphs.gotIngest.Owner["building_id"] != "b-7" || graphs.gotIngest.Owner["drawing_id"] != "d-12" {
		t.Fatalf("owner=%v", graphs.gotIngest.Owner)
	}
	if !strings.Contains(rec.Body.String(), id.String()) {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestUploadErrors(t *testing.T) {
	cases := []struct {
		name   string
		data   []byte
		err    error
		status int
		code   string
	}{
		{"too_large", bytes.Repeat([]byte("x"), 2048), nil, http.StatusRequestEntityTooLarge, "upload_too_large"},
		{"unsupported", []byte("a,b"), scenegraph.Errorf(scenegraph.StageNormalize, scenegraph.KindUnsupportedFormat, "text/csv"), http.StatusUnsupportedMediaType, "unsupported_format"},
		{"malformed", []byte("png"), scenegraph.NewError(scenegraph.StageExtract, scenegraph.KindExtractionMalformed, errors.New("bad json")), http.StatusBadGateway, "extraction_malformed"},
		{"unavailable", []byte("png"), scenegraph.NewError(scenegraph.StageExtract, scenegraph.KindExtractionUnavailable, errors.New("503")), http.StatusServiceUnavailable, "extraction_unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestEngine(&fakeGraphs{err: tc.err}, &fakeSessions{}, 1024)
			body, ct := multipartUpload(t, tc.data, "image/png", nil)
			req := httptest.NewRequest(http.MethodPost, "/api/graphs", body)
			req.Header.Set("Content-Type", ct)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("status=%d want %d body=%s", rec.Code, tc.status, rec.Body.String())
			}
			if code, _ := decodeError(t, rec); code != tc.code {
				t.Fatalf("code=%q want %q", code, tc.code)
			}
		})
	}

	r := newTestEngine(&fakeGraphs{}, &fakeSessions{}, 1024)
	req := httptest.NewRequest(http.MethodPost, "/api/graphs", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing file status=%d", rec.Code)
	}
}

func TestGetGraph(t *testing.T) {
	r := newTestEngine(&fakeGraphs{err: scenegraph.Errorf(scenegraph.StageLoad, scenegraph.KindGraphNotFound, "missing")}, &fakeSessions{}, 0)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/graphs/not-a-uuid", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id status=%d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/graphs/"+uuid.NewString(), nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
	if code, stage := decodeError(t, rec); code != "graph_not_found" || stage != "load" {
		t.Fatalf("code=%q stage=%q", code, stage)
	}
}

type sseEvent struct {
	name string
	data map[string]any
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var out []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.data); err != nil {
					t.Fatalf("bad data line %q: %v", line, err)
				}
			}
		}
		out = append(out, ev)
	}
	return out
}

func askRequest(graphID uuid.UUID, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/graphs/"+graphID.String()+"/ask", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caller-Id", "u1")
	return req
}

func TestAskStreamsEvents(t *testing.T) {
	msgID, sessID := uuid.New(), uuid.New()
	sessions := &fakeSessions{
		chunks: []string{"P1 feeds ", "P2."},
		turn: &services.Turn{
			SessionID: sessID,
			Assistant: &chat.ChatMessage{ID: msgID, Seq: 2, Content: "P1 feeds P2.", Status: chat.StatusComplete},
		},
	}
	r := newTestEngine(&fakeGraphs{}, sessions, 0)
	graphID := uuid.New()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, askRequest(graphID, `{"question": " Where does P1 go? "}`))

	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/event-stream") {
		t.Fatalf("status=%d content-type=%q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if sessions.got.CallerID != "u1" || sessions.got.GraphID != graphID || sessions.got.Question != "Where does P1 go?" {
		t.Fatalf("ask request=%+v", sessions.got)
	}
	events := parseSSE(t, rec.Body.String())
	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.name)
	}
	if strings.Join(names, ",") != "status,delta,delta,done" {
		t.Fatalf("events=%v", names)
	}
	if events[1].data["text"] != "P1 feeds " || events[3].data["message_id"] != msgID.String() || events[3].data["content"] != "P1 feeds P2." {
		t.Fatalf("events=%+v", events)
	}
}

func TestAskRejectedBeforeStreamIsJSON(t *testing.T) {
	sessions := &fakeSessions{err: scenegraph.Errorf(scenegraph.StageContext, scenegraph.KindContextTooLarge, "too big")}
	r := newTestEngine(&fakeGraphs{}, sessions, 0)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, askRequest(uuid.New(), `{"question": "Q"}`))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if code, stage := decodeError(t, rec); code != "context_too_large" || stage != "context" {
		t.Fatalf("code=%q stage=%q", code, stage)
	}
}

func TestAskPartialFailureIsErrorEvent(t *testing.T) {
	sessions := &fakeSessions{
		chunks: []string{"The supply "},
		turn: &services.Turn{Assistant: &chat.ChatMessage{ID: uuid.New(), Status: chat.StatusPartial, Content: "The supply [interrupted]"}},
		err:  scenegraph.NewError(scenegraph.StageQuery, scenegraph.KindQueryUnavailable, errors.New("stream reset")),
	}
	r := newTestEngine(&fakeGraphs{}, sessions, 0)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, askRequest(uuid.New(), `{"question": "Q"}`))

	events := parseSSE(t, rec.Body.String())
	last := events[len(events)-1]
	if last.name != "error" || last.data["code"] != "query_unavailable" || last.data["stage"] != "query" || last.data["partial"] != true {
		t.Fatalf("last event=%+v", last)
	}
}

func TestAskValidation(t *testing.T) {
	r := newTestEngine(&fakeGraphs{}, &fakeSessions{}, 0)
	for _, body := range []string{`{"question": "   "}`, `not json`, `{"question": "` + strings.Repeat("q", maxQuestionChars+1) + `"}`} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, askRequest(uuid.New(), body))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %.20q: status=%d", body, rec.Code)
		}
	}
}

func TestHistoryUsesCaller(t *testing.T) {
	sessions := &fakeSessions{history: []*chat.ChatMessage{{Role: chat.RoleUser, Content: "Q1", Seq: 1}}}
	r := newTestEngine(&fakeGraphs{}, sessions, 0)
	req := httptest.NewRequest(http.MethodGet, "/api/graphs/"+uuid.NewString()+"/history?limit=10", nil)
	req.Header.Set("X-Caller-Id", "u9")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || sessions.histCall != "u9" || !strings.Contains(rec.Body.String(), `"content":"Q1"`) {
		t.Fatalf("status=%d caller=%q body=%s", rec.Code, sessions.histCall, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/graphs/"+uuid.NewString()+"/history?limit=ten", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status=%d", rec.Code)
	}
}

func TestHealthCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHealthHandler(map[string]HealthCheck{
		"graph_store": func(context.Context) error { return nil },
		"database":    func(context.Context) error { return errors.New("connection refused") },
	})
	r := gin.New()
	r.GET("/healthz", h.HealthCheck)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "connection refused") {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}
