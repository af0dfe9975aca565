package scenegraph

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Component is one physical element of a diagram. Position and Dimensions
// are layout hints for the UI and are never interpreted here.
type Component struct {
	ID         uuid.UUID      `json:"id"`
	Badge      int            `json:"badge"`
	LocalID    string         `json:"local_id"`
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Position   Point          `json:"position"`
	Dimensions *Size          `json:"dimensions,omitempty"`
	Properties map[string]any `json:"properties"`
}

// Relationship is a directed, typed edge. Seq is the declaration order
// within the graph, starting at 1.
type Relationship struct {
	ID         uuid.UUID      `json:"id"`
	Seq        int            `json:"seq"`
	SourceID   uuid.UUID      `json:"source_id"`
	TargetID   uuid.UUID      `json:"target_id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

type SourceRef struct {
	Filename  string `json:"filename,omitempty"`
	MediaType string `json:"media_type"`
	SizeBytes int64  `json:"size_bytes"`
	PageCount int    `json:"page_count"`
}

// SceneGraph is immutable once persisted. Owner carries the upload
// transport's building/drawing references verbatim.
type SceneGraph struct {
	ID            uuid.UUID         `json:"id"`
	Title         string            `json:"title"`
	Source        SourceRef         `json:"source"`
	Owner         map[string]string `json:"owner,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	Model         string            `json:"model,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Components    []Component       `json:"components"`
	Relationships []Relationship    `json:"relationships"`
}

type Summary struct {
	ID                uuid.UUID         `json:"id"`
	Title             string            `json:"title"`
	Source            SourceRef         `json:"source"`
	Owner             map[string]string `json:"owner,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
	Model             string            `json:"model,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	ComponentCount    int               `json:"component_count"`
	RelationshipCount int               `json:"relationship_count"`
}

func (g *SceneGraph) Summary() Summary {
	return Summary{
		ID:                g.ID,
		Title:             g.Title,
		Source:            g.Source,
		Owner:             g.Owner,
		Metadata:          g.Metadata,
		Model:             g.Model,
		CreatedAt:         g.CreatedAt,
		ComponentCount:    len(g.Components),
		RelationshipCount: len(g.Relationships),
	}
}

// Validate checks the structural invariants every persisted graph holds:
// unique component ids, badges 1..n with no repeats, unique relationship
// ids, and both endpoints of every relationship present.
func (g *SceneGraph) Validate() error {
	if g == nil {
		return Errorf(StageValidate, KindGraphValidation, "nil scene graph")
	}
	if g.ID == uuid.Nil {
		return Errorf(StageValidate, KindGraphValidation, "scene graph id is empty")
	}
	ids := make(map[uuid.UUID]struct{}, len(g.Components))
	badges := make(map[int]struct{}, len(g.Components))
	for i, c := range g.Components {
		if c.ID == uuid.Nil {
			return Errorf(StageValidate, KindGraphValidation, "component %d has empty id", i)
		}
		if _, dup := ids[c.ID]; dup {
			return Errorf(StageValidate, KindGraphValidation, "duplicate component id %s", c.ID)
		}
		ids[c.ID] = struct{}{}
		if c.Badge < 1 || c.Badge > len(g.Components) {
			return Errorf(StageValidate, KindGraphValidation, "component %s badge %d out of range", c.ID, c.Badge)
		}
		if _, dup := badges[c.Badge]; dup {
			return Errorf(StageValidate, KindGraphValidation, "duplicate badge %d", c.Badge)
		}
		badges[c.Badge] = struct{}{}
	}
	relIDs := make(map[uuid.UUID]struct{}, len(g.Relationships))
	for i, r := range g.Relationships {
		if r.ID == uuid.Nil {
			return Errorf(StageValidate, KindGraphValidation, "relationship %d has empty id", i)
		}
		if _, dup := relIDs[r.ID]; dup {
			return Errorf(StageValidate, KindGraphValidation, "duplicate relationship id %s", r.ID)
		}
		relIDs[r.ID] = struct{}{}
		if _, ok := ids[r.SourceID]; !ok {
			return Errorf(StageValidate, KindGraphValidation, "relationship %s: unknown source %s", r.ID, r.SourceID)
		}
		if _, ok := ids[r.TargetID]; !ok {
			return Errorf(StageValidate, KindGraphValidation, "relationship %s: unknown target %s", r.ID, r.TargetID)
		}
	}
	return nil
}

// ComponentByID indexes components for lookups during serialization.
func (g *SceneGraph) ComponentByID() map[uuid.UUID]*Component {
	out := make(map[uuid.UUID]*Component, len(g.Components))
	for i := range g.Components {
		out[g.Components[i].ID] = &g.Components[i]
	}
	return out
}

func (c Component) String() string {
	return fmt.Sprintf("#%d %s %q", c.Badge, c.Type, c.Name)
}
