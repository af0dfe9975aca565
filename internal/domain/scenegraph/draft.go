package scenegraph

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ValidDraft is extraction output that passed shape validation. Local ids
// are scoped to the draft; they are replaced by global ids in Assemble.
type ValidDraft struct {
	Title         string
	Components    []DraftComponent
	Relationships []DraftRelationship
	Metadata      map[string]any
}

type DraftComponent struct {
	LocalID    string
	Type       string
	Name       string
	Position   Point
	Dimensions *Size
	Properties map[string]any
}

type DraftRelationship struct {
	SourceLocalID string
	TargetLocalID string
	Type          string
	Properties    map[string]any
}

// MalformedDraft is the rejected side of a parse. It keeps the raw model
// output for diagnostics and matches KindExtractionMalformed under errors.Is.
type MalformedDraft struct {
	Raw      string
	Problems []string
}

func (m *MalformedDraft) Error() string {
	if m == nil || len(m.Problems) == 0 {
		return "malformed extraction output"
	}
	return "malformed extraction output: " + strings.Join(m.Problems, "; ")
}

func (m *MalformedDraft) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == KindExtractionMalformed
}

type wireDraft struct {
	Title         *string             `json:"title"`
	Components    *[]wireComponent    `json:"components"`
	Relationships *[]wireRelationship `json:"relationships"`
	Metadata      map[string]any      `json:"metadata"`
}

type wirePoint struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

type wireSize struct {
	Width  *float64 `json:"width"`
	Height *float64 `json:"height"`
}

type wireComponent struct {
	ID         *string        `json:"id"`
	Type       *string        `json:"type"`
	Name       *string        `json:"name"`
	Position   *wirePoint     `json:"position"`
	Dimensions *wireSize      `json:"dimensions"`
	Properties map[string]any `json:"properties"`
}

type wireRelationship struct {
	SourceID   *string        `json:"source_id"`
	TargetID   *string        `json:"target_id"`
	Type       *string        `json:"type"`
	Properties map[string]any `json:"properties"`
}

// ParseDraft validates raw model output against the extraction shape.
// Fixed-shape objects reject unknown fields; property bags and metadata are
// free-form and kept verbatim. A failed parse returns *MalformedDraft.
func ParseDraft(raw string) (ValidDraft, error) {
	body := stripCodeFence(raw)
	if body == "" {
		return ValidDraft{}, &MalformedDraft{Raw: raw, Problems: []string{"empty output"}}
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	var w wireDraft
	if err := dec.Decode(&w); err != nil {
		return ValidDraft{}, &MalformedDraft{Raw: raw, Problems: []string{"decode: " + err.Error()}}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return ValidDraft{}, &MalformedDraft{Raw: raw, Problems: []string{"trailing content after JSON object"}}
	}

	var problems []string
	bad := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if w.Components == nil {
		bad("missing field components")
	}
	if w.Relationships == nil {
		bad("missing field relationships")
	}

	out := ValidDraft{Metadata: w.Metadata}
	if w.Title != nil {
		out.Title = strings.TrimSpace(*w.Title)
	}
	if w.Components != nil {
		out.Components = make([]DraftComponent, 0, len(*w.Components))
		for i, c := range *w.Components {
			at := fmt.Sprintf("components[%d]", i)
			dc := DraftComponent{Properties: c.Properties}
			if s, ok := requiredString(c.ID); ok {
				dc.LocalID = s
			} else {
				bad("%s: missing id", at)
			}
			if s, ok := requiredString(c.Type); ok {
				dc.Type = NormalizeComponentType(s)
			} else {
				bad("%s: missing type", at)
			}
			if c.Name == nil {
				bad("%s: missing name", at)
			} else {
				dc.Name = strings.TrimSpace(*c.Name)
			}
			if c.Position == nil || c.Position.X == nil || c.Position.Y == nil {
				bad("%s: missing position", at)
			} else {
				dc.Position = Point{X: *c.Position.X, Y: *c.Position.Y}
			}
			if c.Dimensions != nil {
				if c.Dimensions.Width == nil || c.Dimensions.Height == nil {
					bad("%s: incomplete dimensions", at)
				} else {
					dc.Dimensions = &Size{Width: *c.Dimensions.Width, Height: *c.Dimensions.Height}
				}
			}
			if c.Properties == nil {
				bad("%s: missing properties", at)
			}
			out.Components = append(out.Components, dc)
		}
	}
	if w.Relationships != nil {
		out.Relationships = make([]DraftRelationship, 0, len(*w.Relationships))
		for i, r := range *w.Relationships {
			at := fmt.Sprintf("relationships[%d]", i)
			dr := DraftRelationship{Properties: r.Properties}
			if s, ok := requiredString(r.SourceID); ok {
				dr.SourceLocalID = s
			} else {
				bad("%s: missing source_id", at)
			}
			if s, ok := requiredString(r.TargetID); ok {
				dr.TargetLocalID = s
			} else {
				bad("%s: missing target_id", at)
			}
			if s, ok := requiredString(r.Type); ok {
				dr.Type = NormalizeRelationshipType(s)
			} else {
				bad("%s: missing type", at)
			}
			out.Relationships = append(out.Relationships, dr)
		}
	}

	if len(problems) > 0 {
		return ValidDraft{}, &MalformedDraft{Raw: raw, Problems: problems}
	}
	return out, nil
}

func requiredString(p *string) (string, bool) {
	if p == nil {
		return "", false
	}
	s := strings.TrimSpace(*p)
	return s, s != ""
}

// stripCodeFence removes a surrounding markdown code fence, with or without
// a language tag, along with any chatter before or after it.
func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		rest = strings.TrimPrefix(rest, "json")
	}
	if end := strings.LastIndex(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

func NormalizeComponentType(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "_")
}

// NormalizeRelationshipType lowercases and hyphenates, so "Connects To" and
// "connects_to" both become "connects-to".
func NormalizeRelationshipType(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", " ")
	return strings.Join(strings.Fields(s), "-")
}

type AssembleOptions struct {
	NewID  func() uuid.UUID
	Now    time.Time
	Source SourceRef
	Owner  map[string]string
	Model  string
}

// Assemble turns a draft into a SceneGraph with fresh global ids and badges
// 1..n in extraction order. Duplicate local ids and relationships naming a
// missing component fail with KindGraphValidation before anything is built.
func (d ValidDraft) Assemble(opts AssembleOptions) (*SceneGraph, error) {
	newID := opts.NewID
	if newID == nil {
		newID = uuid.New
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	g := &SceneGraph{
		ID:            newID(),
		Title:         d.Title,
		Source:        opts.Source,
		Owner:         opts.Owner,
		Metadata:      d.Metadata,
		Model:         opts.Model,
		CreatedAt:     now,
		Components:    make([]Component, 0, len(d.Components)),
		Relationships: make([]Relationship, 0, len(d.Relationships)),
	}
	if g.Title == "" {
		g.Title = opts.Source.Filename
	}

	byLocal := make(map[string]uuid.UUID, len(d.Components))
	for i, dc := range d.Components {
		if _, dup := byLocal[dc.LocalID]; dup {
			return nil, Errorf(StageValidate, KindGraphValidation, "duplicate component id %q", dc.LocalID)
		}
		id := newID()
		byLocal[dc.LocalID] = id
		props := dc.Properties
		if props == nil {
			props = map[string]any{}
		}
		g.Components = append(g.Components, Component{
			ID:         id,
			Badge:      i + 1,
			LocalID:    dc.LocalID,
			Type:       dc.Type,
			Name:       dc.Name,
			Position:   dc.Position,
			Dimensions: dc.Dimensions,
			Properties: props,
		})
	}

	var dangling []string
	for i, dr := range d.Relationships {
		src, okSrc := byLocal[dr.SourceLocalID]
		dst, okDst := byLocal[dr.TargetLocalID]
		if !okSrc {
			dangling = append(dangling, fmt.Sprintf("relationships[%d] source %q", i, dr.SourceLocalID))
		}
		if !okDst {
			dangling = append(dangling, fmt.Sprintf("relationships[%d] target %q", i, dr.TargetLocalID))
		}
		if !okSrc || !okDst {
			continue
		}
		g.Relationships = append(g.Relationships, Relationship{
			ID:         newID(),
			Seq:        i + 1,
			SourceID:   src,
			TargetID:   dst,
			Type:       dr.Type,
			Properties: dr.Properties,
		})
	}
	if len(dangling) > 0 {
		return nil, Errorf(StageValidate, KindGraphValidation, "dangling relationship endpoints: %s", strings.Join(dangling, ", "))
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// CanonicalJSON encodes v with sorted map keys and no HTML escaping.
func CanonicalJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprintf("%q", fmt.Sprint(v))
	}
	return strings.TrimRight(buf.String(), "\n")
}
