package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/yungbote/scenegraph-backend/internal/domain/scenegraph"
)

func TestFromError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
		stage  string
	}{
		{
			name:   "not_found",
			err:    fmt.Errorf("ask: %w", scenegraph.Errorf(scenegraph.StageLoad, scenegraph.KindGraphNotFound, "missing")),
			status: http.StatusNotFound, code: "graph_not_found", stage: "load",
		},
		{
			name:   "unsupported",
			err:    scenegraph.Errorf(scenegraph.StageNormalize, scenegraph.KindUnsupportedFormat, "text/csv"),
			status: http.StatusUnsupportedMediaType, code: "unsupported_format", stage: "normalize",
		},
		{
			name:   "context_too_large",
			err:    scenegraph.NewError(scenegraph.StageContext, scenegraph.KindContextTooLarge, nil),
			status: http.StatusRequestEntityTooLarge, code: "context_too_large", stage: "context",
		},
		{
			name:   "malformed_draft",
			err:    &scenegraph.MalformedDraft{Problems: []string{"missing field components"}},
			status: http.StatusBadGateway, code: "extraction_malformed",
		},
		{name: "deadline", err: context.DeadlineExceeded, status: http.StatusGatewayTimeout, code: "timeout"},
		{name: "plain", err: errors.New("boom"), status: http.StatusInternalServerError, code: "internal"},
		{name: "explicit", err: New(http.StatusBadRequest, "invalid_request", errors.New("bad")), status: http.StatusBadRequest, code: "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := FromError(tc.err)
			if got.Status != tc.status || got.Code != tc.code || got.Stage != tc.stage {
				t.Fatalf("FromError=%d/%q/%q want %d/%q/%q", got.Status, got.Code, got.Stage, tc.status, tc.code, tc.stage)
			}
		})
	}
	if FromError(nil) != nil {
		t.Fatalf("nil error mapped to non-nil")
	}
}
