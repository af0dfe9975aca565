package graph

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/yungbote/scenegraph-backend/internal/domain/scenegraph"
)

func graphProps(g *scenegraph.SceneGraph) (map[string]any, error) {
	owner, err := encodeJSON(g.Owner)
	if err != nil {
		return nil, fmt.Errorf("encode owner: %w", err)
	}
	meta, err := encodeJSON(g.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	created := g.CreatedAt.UTC()
	return map[string]any{
		"id":                 g.ID.String(),
		"title":              g.Title,
		"source_filename":    g.Source.Filename,
		"source_media_type":  g.Source.MediaType,
		"source_size_bytes":  g.Source.SizeBytes,
		"source_page_count":  int64(g.Source.PageCount),
		"owner_json":         owner,
		"metadata_json":      meta,
		"model":              g.Model,
		"created_at":         created.Format(time.RFC3339Nano),
		"created_at_ms":      created.UnixMilli(),
		"component_count":    int64(len(g.Components)),
		"relationship_count": int64(len(g.Relationships)),
	}, nil
}

func componentProps(graphID uuid.UUID, c scenegraph.Component) (map[string]any, error) {
	props, err := encodeJSON(c.Properties)
	if err != nil {
		return nil, fmt.Errorf("encode component %s properties: %w", c.LocalID, err)
	}
	row := map[string]any{
		"id":              c.ID.String(),
		"graph_id":        graphID.String(),
		"badge":           int64(c.Badge),
		"local_id":        c.LocalID,
		"type":            c.Type,
		"name":            c.Name,
		"x":               c.Position.X,
		"y":               c.Position.Y,
		"properties_json": props,
	}
	if c.Dimensions != nil {
		row["width"] = c.Dimensions.Width
		row["height"] = c.Dimensions.Height
	}
	return row, nil
}

func relationshipProps(graphID uuid.UUID, r scenegraph.Relationship) (map[string]any, error) {
	props, err := encodeJSON(r.Properties)
	if err != nil {
		return nil, fmt.Errorf("encode relationship %s properties: %w", r.ID, err)
	}
	return map[string]any{
		"source_id": r.SourceID.String(),
		"target_id": r.TargetID.String(),
		"props": map[string]any{
			"id":              r.ID.String(),
			"graph_id":        graphID.String(),
			"seq":             int64(r.Seq),
			"type":            r.Type,
			"properties_json": props,
		},
	}, nil
}

func summaryFromProps(p map[string]any) (scenegraph.Summary, error) {
	id, err := uuid.Parse(propString(p, "id"))
	if err != nil {
		return scenegraph.Summary{}, fmt.Errorf("scene graph id: %w", err)
	}
	sum := scenegraph.Summary{
		ID:    id,
		Title: propString(p, "title"),
		Source: scenegraph.SourceRef{
			Filename:  propString(p, "source_filename"),
			MediaType: propString(p, "source_media_type"),
			SizeBytes: propInt(p, "source_size_bytes"),
			PageCount: int(propInt(p, "source_page_count")),
		},
		Model:             propString(p, "model"),
		ComponentCount:    int(propInt(p, "component_count")),
		RelationshipCount: int(propInt(p, "relationship_count")),
	}
	if ts := propString(p, "created_at"); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			sum.CreatedAt = t
		}
	}
	if err := decodeJSON(propString(p, "owner_json"), &sum.Owner); err != nil {
		return scenegraph.Summary{}, fmt.Errorf("owner_json: %w", err)
	}
	if err := decodeJSON(propString(p, "metadata_json"), &sum.Metadata); err != nil {
		return scenegraph.Summary{}, fmt.Errorf("metadata_json: %w", err)
	}
	return sum, nil
}

func graphFromProps(p map[string]any) (*scenegraph.SceneGraph, error) {
	sum, err := summaryFromProps(p)
	if err != nil {
		return nil, err
	}
	return &scenegraph.SceneGraph{
		ID:        sum.ID,
		Title:     sum.Title,
		Source:    sum.Source,
		Owner:     sum.Owner,
		Metadata:  sum.Metadata,
		Model:     sum.Model,
		CreatedAt: sum.CreatedAt,
	}, nil
}

func componentFromProps(p map[string]any) (scenegraph.Component, error) {
	id, err := uuid.Parse(propString(p, "id"))
	if err != nil {
		return scenegraph.Component{}, fmt.Errorf("component id: %w", err)
	}
	c := scenegraph.Component{
		ID:       id,
		Badge:    int(propInt(p, "badge")),
		LocalID:  propString(p, "local_id"),
		Type:     propString(p, "type"),
		Name:     propString(p, "name"),
		Position: scenegraph.Point{X: propFloat(p, "x"), Y: propFloat(p, "y")},
	}
	_, hasW := p["width"]
	_, hasH := p["height"]
	if hasW && hasH {
		c.Dimensions = &scenegraph.Size{Width: propFloat(p, "width"), Height: propFloat(p, "height")}
	}
	if err := decodeJSON(propString(p, "properties_json"), &c.Properties); err != nil {
		return scenegraph.Component{}, fmt.Errorf("component %s properties: %w", id, err)
	}
	if c.Properties == nil {
		c.Properties = map[string]any{}
	}
	return c, nil
}

func relationshipFromProps(p map[string]any, sourceID, targetID string) (scenegraph.Relationship, error) {
	id, err := uuid.Parse(propString(p, "id"))
	if err != nil {
		return scenegraph.Relationship{}, fmt.Errorf("relationship id: %w", err)
	}
	src, err := uuid.Parse(sourceID)
	if err != nil {
		return scenegraph.Relationship{}, fmt.Errorf("relationship %s source: %w", id, err)
	}
	dst, err := uuid.Parse(targetID)
	if err != nil {
		return scenegraph.Relationship{}, fmt.Errorf("relationship %s target: %w", id, err)
	}
	r := scenegraph.Relationship{
		ID:       id,
		Seq:      int(propInt(p, "seq")),
		SourceID: src,
		TargetID: dst,
		Type:     propString(p, "type"),
	}
	if err := decodeJSON(propString(p, "properties_json"), &r.Properties); err != nil {
		return scenegraph.Relationship{}, fmt.Errorf("relationship %s properties: %w", id, err)
	}
	return r, nil
}

func decodeJSON(raw string, out any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	// Numbers stay json.Number so large integers survive the round trip.
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(out)
}

func recordMap(rec *neo4j.Record, key string) map[string]any {
	if rec == nil {
		return nil
	}
	v, ok := rec.Get(key)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

func recordString(rec *neo4j.Record, key string) string {
	if rec == nil {
		return ""
	}
	v, _ := rec.Get(key)
	s, _ := v.(string)
	return s
}

func recordInt(rec *neo4j.Record, key string) int64 {
	if rec == nil {
		return 0
	}
	v, _ := rec.Get(key)
	return toInt64(v)
}

func propString(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func propInt(p map[string]any, key string) int64 {
	return toInt64(p[key])
}

func propFloat(p map[string]any, key string) float64 {
	switch n := p[key].(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
