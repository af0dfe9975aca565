package graph

import (
	"context"

	"github.com/google/uuid"

	"github.com/yungbote/scenegraph-backend/internal/domain/scenegraph"
)

// Store persists scene graphs. Create is all-or-nothing: a reader either
// sees the complete graph or GraphNotFound. Loads always return the whole
// graph with components ordered by badge and relationships by seq.
type Store interface {
	Create(ctx context.Context, g *scenegraph.SceneGraph) error
	LoadFull(ctx context.Context, id uuid.UUID) (*scenegraph.SceneGraph, error)
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	Summary(ctx context.Context, id uuid.UUID) (scenegraph.Summary, error)
	List(ctx context.Context, limit int) ([]scenegraph.Summary, error)
	Delete(ctx context.Context, id uuid.UUID) error
	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func notFound(stage scenegraph.Stage, id uuid.UUID) error {
	return scenegraph.Errorf(stage, scenegraph.KindGraphNotFound, "scene graph %s not found", id)
}
