package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/yungbote/scenegraph-backend/internal/domain/scenegraph"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
)

// MemoryStore keeps graphs as encoded snapshots, so every load hands out a
// private copy and stored property bags go through the same JSON round trip
// as the Neo4j store.
type MemoryStore struct {
	log *logger.Logger

	mu      sync.RWMutex
	graphs  map[uuid.UUID][]byte
	summary map[uuid.UUID]scenegraph.Summary

	// BeforeCommit runs after the snapshot is staged and before it is
	// published. A non-nil error aborts the create with nothing visible.
	BeforeCommit func(g *scenegraph.SceneGraph) error
}

func NewMemoryStore(log *logger.Logger) *MemoryStore {
	return &MemoryStore{
		log:     log.With("store", "MemoryGraphStore"),
		graphs:  map[uuid.UUID][]byte{},
		summary: map[uuid.UUID]scenegraph.Summary{},
	}
}

func (s *MemoryStore) Create(ctx context.Context, g *scenegraph.SceneGraph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("create scene graph %s: %w", g.ID, err)
	}
	staged, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode scene graph: %w", err)
	}
	if s.BeforeCommit != nil {
		if err := s.BeforeCommit(g); err != nil {
			return fmt.Errorf("create scene graph %s: %w", g.ID, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.graphs[g.ID]; exists {
		return scenegraph.Errorf(scenegraph.StagePersist, scenegraph.KindGraphValidation, "scene graph %s already exists", g.ID)
	}
	s.graphs[g.ID] = staged
	s.summary[g.ID] = g.Summary()
	s.log.Debug("Scene graph stored", "graph_id", g.ID, "components", len(g.Components), "relationships", len(g.Relationships))
	return nil
}

func (s *MemoryStore) LoadFull(ctx context.Context, id uuid.UUID) (*scenegraph.SceneGraph, error) {
	s.mu.RLock()
	raw, ok := s.graphs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound(scenegraph.StageLoad, id)
	}
	var g scenegraph.SceneGraph
	if err := decodeJSON(string(raw), &g); err != nil {
		return nil, fmt.Errorf("decode scene graph %s: %w", id, err)
	}
	sort.SliceStable(g.Components, func(i, j int) bool { return g.Components[i].Badge < g.Components[j].Badge })
	sort.SliceStable(g.Relationships, func(i, j int) bool { return g.Relationships[i].Seq < g.Relationships[j].Seq })
	return &g, nil
}

func (s *MemoryStore) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.graphs[id]
	return ok, nil
}

func (s *MemoryStore) Summary(ctx context.Context, id uuid.UUID) (scenegraph.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.summary[id]
	if !ok {
		return scenegraph.Summary{}, notFound(scenegraph.StageLoad, id)
	}
	return sum, nil
}

func (s *MemoryStore) List(ctx context.Context, limit int) ([]scenegraph.Summary, error) {
	s.mu.RLock()
	out := make([]scenegraph.Summary, 0, len(s.summary))
	for _, sum := range s.summary {
		out = append(out, sum)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.graphs[id]; !ok {
		return notFound(scenegraph.StagePersist, id)
	}
	delete(s.graphs, id)
	delete(s.summary, id)
	return nil
}

func (s *MemoryStore) EnsureSchema(ctx context.Context) error { return nil }

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }
