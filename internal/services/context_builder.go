package services

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/yungbote/scenegraph-backend/internal/domain/scenegraph"
)

// RenderContext serializes the whole graph for the query model. The output
// depends only on the graph: components by badge, properties by key, and
// relationships by declaration order.
func RenderContext(g *scenegraph.SceneGraph) string {
	var b strings.Builder

	fmt.Fprintf(&b, "SCENE GRAPH %s\n", g.ID)
	if g.Title != "" {
		fmt.Fprintf(&b, "title: %s\n", g.Title)
	}
	src := g.Source.MediaType
	if g.Source.Filename != "" {
		src = g.Source.Filename + " (" + g.Source.MediaType + ")"
	}
	fmt.Fprintf(&b, "source: %s\n", src)
	if len(g.Metadata) > 0 {
		b.WriteString("metadata:\n")
		writeProps(&b, "  ", g.Metadata)
	}

	comps := make([]scenegraph.Component, len(g.Components))
	copy(comps, g.Components)
	sort.SliceStable(comps, func(i, j int) bool { return comps[i].Badge < comps[j].Badge })
	byID := make(map[string]scenegraph.Component, len(comps))
	for _, c := range comps {
		byID[c.ID.String()] = c
	}

	fmt.Fprintf(&b, "\nCOMPONENTS (%d)\n", len(comps))
	for _, c := range comps {
		fmt.Fprintf(&b, "#%d %s %q id=%s at (%s, %s)", c.Badge, c.Type, c.Name, c.ID, num(c.Position.X), num(c.Position.Y))
		if c.Dimensions != nil {
			fmt.Fprintf(&b, " size %sx%s", num(c.Dimensions.Width), num(c.Dimensions.Height))
		}
		b.WriteByte('\n')
		writeProps(&b, "  ", c.Properties)
	}

	rels := make([]scenegraph.Relationship, len(g.Relationships))
	copy(rels, g.Relationships)
	sort.SliceStable(rels, func(i, j int) bool { return rels[i].Seq < rels[j].Seq })

	fmt.Fprintf(&b, "\nRELATIONSHIPS (%d)\n", len(rels))
	for _, r := range rels {
		src, dst := byID[r.SourceID.String()], byID[r.TargetID.String()]
		fmt.Fprintf(&b, "%d. #%d %q -[%s]-> #%d %q\n", r.Seq, src.Badge, src.Name, r.Type, dst.Badge, dst.Name)
		writeProps(&b, "  ", r.Properties)
	}
	return b.String()
}

func writeProps(b *strings.Builder, indent string, props map[string]any) {
	if len(props) == 0 {
		return
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s%s: %s\n", indent, k, scenegraph.CanonicalJSON(props[k]))
	}
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
