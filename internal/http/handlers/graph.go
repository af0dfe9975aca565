package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/scenegraph-backend/internal/http/response"
	"github.com/yungbote/scenegraph-backend/internal/ingestion/normalize"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
	"github.com/yungbote/scenegraph-backend/internal/services"
)

// Owner fields copied verbatim from the upload form onto the graph.
var ownerFields = []string{"building_id", "drawing_id"}

type GraphHandler struct {
	log            *logger.Logger
	graphs         services.SceneGraphService
	maxUploadBytes int64
}

func NewGraphHandler(log *logger.Logger, graphs services.SceneGraphService, maxUploadBytes int64) *GraphHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 10 << 20
	}
	return &GraphHandler{
		log:            log.With("handler", "GraphHandler"),
		graphs:         graphs,
		maxUploadBytes: maxUploadBytes,
	}
}

// POST /api/graphs (multipart: file, building_id, drawing_id)
func (h *GraphHandler) Upload(c *gin.Context) {
	// Leave room for the multipart envelope and the owner fields.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+(1<<20))
	fh, err := c.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			response.RespondError(c, http.StatusRequestEntityTooLarge, "upload_too_large", fmt.Errorf("upload exceeds %d bytes", h.maxUploadBytes))
			return
		}
		response.RespondError(c, http.StatusBadRequest, "missing_file", err)
		return
	}
	if fh.Size > h.maxUploadBytes {
		response.RespondError(c, http.StatusRequestEntityTooLarge, "upload_too_large", fmt.Errorf("upload exceeds %d bytes", h.maxUploadBytes))
		return
	}
	f, err := fh.Open()
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "unreadable_file", err)
		return
	}
	data, err := io.ReadAll(io.LimitReader(f, h.maxUploadBytes+1))
	_ = f.Close()
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "unreadable_file", err)
		return
	}

	owner := map[string]string{}
	for _, k := range ownerFields {
		if v := strings.TrimSpace(c.PostForm(k)); v != "" {
			owner[k] = v
		}
	}
	if len(owner) == 0 {
		owner = nil
	}

	sum, err := h.graphs.Ingest(c.Request.Context(), services.IngestRequest{
		Upload: normalize.Upload{
			Data:      data,
			MediaType: fh.Header.Get("Content-Type"),
			Filename:  fh.Filename,
		},
		Owner: owner,
	})
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"graph": sum})
}

// GET /api/graphs?limit=50
func (h *GraphHandler) List(c *gin.Context) {
	limit := 50
	if v := strings.TrimSpace(c.Query("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	list, err := h.graphs.List(c.Request.Context(), limit)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"graphs": list})
}

// GET /api/graphs/:id
func (h *GraphHandler) Get(c *gin.Context) {
	id, ok := graphIDParam(c)
	if !ok {
		return
	}
	sum, err := h.graphs.Summary(c.Request.Context(), id)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"graph": sum})
}

// GET /api/graphs/:id/components
func (h *GraphHandler) Components(c *gin.Context) {
	id, ok := graphIDParam(c)
	if !ok {
		return
	}
	comps, err := h.graphs.Components(c.Request.Context(), id)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"graph_id": id, "components": comps})
}

// DELETE /api/graphs/:id
func (h *GraphHandler) Delete(c *gin.Context) {
	id, ok := graphIDParam(c)
	if !ok {
		return
	}
	if err := h.graphs.Delete(c.Request.Context(), id); err != nil {
		response.RespondFromError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func graphIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_graph_id", err)
		return uuid.Nil, false
	}
	return id, true
}
