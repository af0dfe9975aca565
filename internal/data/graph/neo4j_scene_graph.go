package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/yungbote/scenegraph-backend/internal/domain/scenegraph"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
	"github.com/yungbote/scenegraph-backend/internal/platform/neo4jdb"
)

// Graph layout:
//
//	(:SceneGraph)-[:CONTAINS]->(:Component)-[:RELATES]->(:Component)
//
// Property bags, metadata and owner refs are stored as JSON strings so
// nested values and unrecognized keys survive verbatim.
type Neo4jStore struct {
	client    *neo4jdb.Client
	log       *logger.Logger
	batchSize int
}

func NewNeo4jStore(client *neo4jdb.Client, log *logger.Logger) (*Neo4jStore, error) {
	if client == nil || client.Driver == nil {
		return nil, fmt.Errorf("neo4j client required")
	}
	return &Neo4jStore{client: client, log: log.With("store", "Neo4jGraphStore"), batchSize: 500}, nil
}

func (s *Neo4jStore) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: s.client.Database,
	})
}

// EnsureSchema is best effort: failures are logged and startup continues.
func (s *Neo4jStore) EnsureSchema(ctx context.Context) error {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	stmts := []string{
		`CREATE CONSTRAINT scene_graph_id_unique IF NOT EXISTS FOR (g:SceneGraph) REQUIRE g.id IS UNIQUE`,
		`CREATE CONSTRAINT component_id_unique IF NOT EXISTS FOR (c:Component) REQUIRE c.id IS UNIQUE`,
		`CREATE INDEX component_graph_badge IF NOT EXISTS FOR (c:Component) ON (c.graph_id, c.badge)`,
		`CREATE INDEX scene_graph_created IF NOT EXISTS FOR (g:SceneGraph) ON (g.created_at_ms)`,
	}
	for _, q := range stmts {
		if res, err := session.Run(ctx, q, nil); err != nil {
			s.log.Warn("neo4j schema init failed (continuing)", "error", err)
		} else {
			_, _ = res.Consume(ctx)
		}
	}
	return nil
}

func (s *Neo4jStore) Ping(ctx context.Context) error {
	return s.client.Driver.VerifyConnectivity(ctx)
}

// Create writes the graph node, every component and every relationship in
// one transaction. Created counts are checked inside the transaction and a
// mismatch aborts it, so a partial graph is never committed.
func (s *Neo4jStore) Create(ctx context.Context, g *scenegraph.SceneGraph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	graphNode, err := graphProps(g)
	if err != nil {
		return err
	}
	components := make([]map[string]any, 0, len(g.Components))
	for _, c := range g.Components {
		row, err := componentProps(g.ID, c)
		if err != nil {
			return err
		}
		components = append(components, row)
	}
	rels := make([]map[string]any, 0, len(g.Relationships))
	for _, r := range g.Relationships {
		row, err := relationshipProps(g.ID, r)
		if err != nil {
			return err
		}
		rels = append(rels, row)
	}

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	start := time.Now()
	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if res, err := tx.Run(ctx, `CREATE (g:SceneGraph) SET g = $graph`, map[string]any{
			"graph": graphNode,
		}); err != nil {
			return nil, err
		} else if _, err := res.Consume(ctx); err != nil {
			return nil, err
		}

		for _, batch := range chunk(components, s.batchSize) {
			created, err := runCount(ctx, tx, `
MATCH (g:SceneGraph {id: $graph_id})
UNWIND $rows AS row
CREATE (g)-[:CONTAINS]->(c:Component)
SET c = row
RETURN count(c) AS created
`, map[string]any{"graph_id": g.ID.String(), "rows": batch})
			if err != nil {
				return nil, err
			}
			if created != int64(len(batch)) {
				return nil, fmt.Errorf("component write mismatch: created %d of %d", created, len(batch))
			}
		}

		for _, batch := range chunk(rels, s.batchSize) {
			created, err := runCount(ctx, tx, `
UNWIND $rows AS row
MATCH (src:Component {id: row.source_id, graph_id: $graph_id})
MATCH (dst:Component {id: row.target_id, graph_id: $graph_id})
CREATE (src)-[e:RELATES]->(dst)
SET e = row.props
RETURN count(e) AS created
`, map[string]any{"graph_id": g.ID.String(), "rows": batch})
			if err != nil {
				return nil, err
			}
			if created != int64(len(batch)) {
				return nil, fmt.Errorf("relationship write mismatch: created %d of %d", created, len(batch))
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("create scene graph %s: %w", g.ID, err)
	}
	s.log.Info("Scene graph stored",
		"graph_id", g.ID.String(),
		"components", len(components),
		"relationships", len(rels),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (s *Neo4jStore) LoadFull(ctx context.Context, id uuid.UUID) (*scenegraph.SceneGraph, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (g:SceneGraph {id: $id}) RETURN properties(g) AS props`, map[string]any{"id": id.String()})
		if err != nil {
			return nil, err
		}
		recs, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			return nil, nil
		}
		g, err := graphFromProps(recordMap(recs[0], "props"))
		if err != nil {
			return nil, err
		}

		res, err = tx.Run(ctx, `
MATCH (:SceneGraph {id: $id})-[:CONTAINS]->(c:Component)
RETURN properties(c) AS props
ORDER BY c.badge ASC
`, map[string]any{"id": id.String()})
		if err != nil {
			return nil, err
		}
		recs, err = res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		g.Components = make([]scenegraph.Component, 0, len(recs))
		for _, rec := range recs {
			c, err := componentFromProps(recordMap(rec, "props"))
			if err != nil {
				return nil, err
			}
			g.Components = append(g.Components, c)
		}

		res, err = tx.Run(ctx, `
MATCH (:SceneGraph {id: $id})-[:CONTAINS]->(src:Component)-[e:RELATES]->(dst:Component)
RETURN properties(e) AS props, src.id AS source_id, dst.id AS target_id
ORDER BY e.seq ASC
`, map[string]any{"id": id.String()})
		if err != nil {
			return nil, err
		}
		recs, err = res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		g.Relationships = make([]scenegraph.Relationship, 0, len(recs))
		for _, rec := range recs {
			r, err := relationshipFromProps(recordMap(rec, "props"), recordString(rec, "source_id"), recordString(rec, "target_id"))
			if err != nil {
				return nil, err
			}
			g.Relationships = append(g.Relationships, r)
		}
		return g, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load scene graph %s: %w", id, err)
	}
	g, _ := out.(*scenegraph.SceneGraph)
	if g == nil {
		return nil, notFound(scenegraph.StageLoad, id)
	}
	return g, nil
}

func (s *Neo4jStore) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return runCount(ctx, tx, `MATCH (g:SceneGraph {id: $id}) RETURN count(g) AS created`, map[string]any{"id": id.String()})
	})
	if err != nil {
		return false, err
	}
	n, _ := out.(int64)
	return n > 0, nil
}

func (s *Neo4jStore) Summary(ctx context.Context, id uuid.UUID) (scenegraph.Summary, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (g:SceneGraph {id: $id}) RETURN properties(g) AS props`, map[string]any{"id": id.String()})
		if err != nil {
			return nil, err
		}
		recs, err := res.Collect(ctx)
		if err != nil || len(recs) == 0 {
			return nil, err
		}
		return summaryFromProps(recordMap(recs[0], "props"))
	})
	if err != nil {
		return scenegraph.Summary{}, fmt.Errorf("load scene graph summary %s: %w", id, err)
	}
	sum, ok := out.(scenegraph.Summary)
	if !ok {
		return scenegraph.Summary{}, notFound(scenegraph.StageLoad, id)
	}
	return sum, nil
}

func (s *Neo4jStore) List(ctx context.Context, limit int) ([]scenegraph.Summary, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (g:SceneGraph)
RETURN properties(g) AS props
ORDER BY g.created_at_ms DESC, g.id ASC
LIMIT $limit
`, map[string]any{"limit": int64(clampLimit(limit))})
		if err != nil {
			return nil, err
		}
		recs, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		sums := make([]scenegraph.Summary, 0, len(recs))
		for _, rec := range recs {
			sum, err := summaryFromProps(recordMap(rec, "props"))
			if err != nil {
				return nil, err
			}
			sums = append(sums, sum)
		}
		return sums, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list scene graphs: %w", err)
	}
	sums, _ := out.([]scenegraph.Summary)
	return sums, nil
}

// Delete removes the graph node, its components and every edge touching them.
func (s *Neo4jStore) Delete(ctx context.Context, id uuid.UUID) error {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (g:SceneGraph {id: $id})
OPTIONAL MATCH (g)-[:CONTAINS]->(c:Component)
DETACH DELETE c, g
`, map[string]any{"id": id.String()})
		if err != nil {
			return nil, err
		}
		summary, err := res.Consume(ctx)
		if err != nil {
			return nil, err
		}
		return summary.Counters().NodesDeleted(), nil
	})
	if err != nil {
		return fmt.Errorf("delete scene graph %s: %w", id, err)
	}
	if n, _ := out.(int); n == 0 {
		return notFound(scenegraph.StagePersist, id)
	}
	s.log.Info("Scene graph deleted", "graph_id", id.String())
	return nil
}

func runCount(ctx context.Context, tx neo4j.ManagedTransaction, cypher string, params map[string]any) (int64, error) {
	res, err := tx.Run(ctx, cypher, params)
	if err != nil {
		return 0, err
	}
	rec, err := res.Single(ctx)
	if err != nil {
		return 0, err
	}
	return recordInt(rec, "created"), nil
}

func chunk(rows []map[string]any, size int) [][]map[string]any {
	if size <= 0 {
		size = len(rows)
	}
	var out [][]map[string]any
	for len(rows) > 0 {
		n := size
		if n > len(rows) {
			n = len(rows)
		}
		out = append(out, rows[:n])
		rows = rows[n:]
	}
	return out
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
