package scenegraph

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

const threePipes = `{
  "title": "Riser R-2",
  "components": [
    {"id": "p1", "type": "Pipe", "name": "Supply", "position": {"x": 10, "y": 20}, "properties": {"material": "copper", "diameter": "1in", "vendor_code": "X-9"}},
    {"id": "p2", "type": "pipe", "name": "Branch", "position": {"x": 30, "y": 20}, "dimensions": {"width": 4, "height": 40}, "properties": {}},
    {"id": "p3", "type": "PIPE", "name": "Return", "position": {"x": 50, "y": 20}, "properties": {"nested": {"a": [1, 2]}}}
  ],
  "relationships": [
    {"source_id": "p1", "target_id": "p2", "type": "connects_to", "properties": {"angle": 90}},
    {"source_id": "p2", "target_id": "p3", "type": "Connects To"}
  ],
  "metadata": {"diagram_type": "riser", "floor_level": "2"}
}`

func TestParseDraftValid(t *testing.T) {
	d, err := ParseDraft("Here you go:\n```json\n" + threePipes + "\n```\n")
	if err != nil {
		t.Fatalf("ParseDraft: %v", err)
	}
	if d.Title != "Riser R-2" {
		t.Fatalf("title=%q", d.Title)
	}
	if len(d.Components) != 3 || len(d.Relationships) != 2 {
		t.Fatalf("counts: %d components %d relationships", len(d.Components), len(d.Relationships))
	}
	if d.Components[0].Type != "pipe" || d.Components[2].Type != "pipe" {
		t.Fatalf("component types not normalized: %q %q", d.Components[0].Type, d.Components[2].Type)
	}
	for _, r := range d.Relationships {
		if r.Type != "connects-to" {
			t.Fatalf("relationship type not normalized: %q", r.Type)
		}
	}
	if got := d.Components[0].Properties["vendor_code"]; got != "X-9" {
		t.Fatalf("unrecognized property key dropped: %v", got)
	}
	if d.Components[1].Dimensions == nil || d.Components[1].Dimensions.Height != 40 {
		t.Fatalf("dimensions not carried: %+v", d.Components[1].Dimensions)
	}
}

func TestParseDraftKeepsLargeIntegers(t *testing.T) {
	raw := `{"components": [{"id": "v1", "type": "valve", "name": "Gate", "position": {"x": 1, "y": 2}, "properties": {"tag_no": 9007199254740993, "rating": 1.25}}], "relationships": []}`
	d, err := ParseDraft(raw)
	if err != nil {
		t.Fatalf("ParseDraft: %v", err)
	}
	props := d.Components[0].Properties
	cases := []struct {
		key  string
		want string
	}{
		{key: "tag_no", want: "9007199254740993"},
		{key: "rating", want: "1.25"},
	}
	for _, tc := range cases {
		if got := CanonicalJSON(props[tc.key]); got != tc.want {
			t.Fatalf("%s=%s want %s", tc.key, got, tc.want)
		}
	}
}

func TestParseDraftMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{name: "empty", raw: "  ", want: "empty output"},
		{name: "not_json", raw: "I cannot read this drawing.", want: "decode"},
		{name: "unknown_field", raw: `{"components": [], "relationships": [], "notes": "x"}`, want: "unknown field"},
		{name: "missing_relationships", raw: `{"components": []}`, want: "missing field relationships"},
		{name: "component_missing_position", raw: `{"components": [{"id": "a", "type": "pipe", "name": "", "properties": {}}], "relationships": []}`, want: "missing position"},
		{name: "component_unknown_field", raw: `{"components": [{"id": "a", "type": "pipe", "name": "", "position": {"x": 1, "y": 2}, "properties": {}, "color": "red"}], "relationships": []}`, want: "unknown field"},
		{name: "relationship_missing_type", raw: `{"components": [], "relationships": [{"source_id": "a", "target_id": "b"}]}`, want: "missing type"},
		{name: "trailing", raw: `{"components": [], "relationships": []} {"again": true}`, want: "trailing content"},
		{name: "wrong_id_type", raw: `{"components": [{"id": 7, "type": "pipe", "name": "", "position": {"x": 1, "y": 2}, "properties": {}}], "relationships": []}`, want: "decode"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDraft(tc.raw)
			if err == nil {
				t.Fatalf("expected error")
			}
			var md *MalformedDraft
			if !errors.As(err, &md) {
				t.Fatalf("expected *MalformedDraft, got %T", err)
			}
			if !errors.Is(err, KindExtractionMalformed) {
				t.Fatalf("expected KindExtractionMalformed")
			}
			if md.Raw != tc.raw {
				t.Fatalf("raw output not kept")
			}
			if !strings.Contains(md.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", md.Error(), tc.want)
			}
		})
	}
}

func sequentialIDs() func() uuid.UUID {
	n := 0
	return func() uuid.UUID {
		n++
		var id uuid.UUID
		id[15] = byte(n)
		id[14] = byte(n >> 8)
		return id
	}
}

func TestAssembleAssignsBadgesAndGlobalIDs(t *testing.T) {
	d, err := ParseDraft(threePipes)
	if err != nil {
		t.Fatalf("ParseDraft: %v", err)
	}
	g, err := d.Assemble(AssembleOptions{NewID: sequentialIDs(), Source: SourceRef{Filename: "r2.png", MediaType: "image/png"}})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if got := g.Summary().ComponentCount; got != 3 {
		t.Fatalf("component_count=%d", got)
	}
	for i, c := range g.Components {
		if c.Badge != i+1 {
			t.Fatalf("component %d badge=%d", i, c.Badge)
		}
		if c.LocalID == c.ID.String() {
			t.Fatalf("local id leaked as global id")
		}
	}
	byID := g.ComponentByID()
	for _, r := range g.Relationships {
		if byID[r.SourceID] == nil || byID[r.TargetID] == nil {
			t.Fatalf("dangling relationship %+v", r)
		}
	}
	if g.Relationships[0].Seq != 1 || g.Relationships[1].Seq != 2 {
		t.Fatalf("relationship seq not in declaration order")
	}
}

func TestAssembleRejectsStructuralDefects(t *testing.T) {
	cases := []struct {
		name  string
		draft ValidDraft
	}{
		{
			name: "dangling_target",
			draft: ValidDraft{
				Components:    []DraftComponent{{LocalID: "a", Type: "pipe"}},
				Relationships: []DraftRelationship{{SourceLocalID: "a", TargetLocalID: "ghost", Type: "connects-to"}},
			},
		},
		{
			name: "duplicate_local_id",
			draft: ValidDraft{
				Components: []DraftComponent{{LocalID: "a", Type: "pipe"}, {LocalID: "a", Type: "valve"}},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, err := tc.draft.Assemble(AssembleOptions{})
			if g != nil {
				t.Fatalf("expected no graph")
			}
			if !errors.Is(err, KindGraphValidation) {
				t.Fatalf("expected KindGraphValidation, got %v", err)
			}
			if StageOf(err) != StageValidate {
				t.Fatalf("stage=%q", StageOf(err))
			}
		})
	}
}

func TestValidateDetectsDuplicateBadges(t *testing.T) {
	ids := sequentialIDs()
	g := &SceneGraph{ID: ids(), Components: []Component{{ID: ids(), Badge: 1}, {ID: ids(), Badge: 1}}}
	if err := g.Validate(); !errors.Is(err, KindGraphValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStripCodeFence(t *testing.T) {
	cases := map[string]string{
		"```json\n{}\n```": "{}",
		"```\n{}\n```":     "{}",
		"  {}  ":           "{}",
		"```json{}```":     "{}",
	}
	for in, want := range cases {
		if got := stripCodeFence(in); got != want {
			t.Fatalf("stripCodeFence(%q)=%q want %q", in, got, want)
		}
	}
}
