package services

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/png"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/scenegraph-backend/internal/data/graph"
	"github.com/yungbote/scenegraph-backend/internal/domain/scenegraph"
	"github.com/yungbote/scenegraph-backend/internal/ingestion/normalize"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// seqIDs hands out 00000000-0000-0000-0000-00000000000N in order.
func seqIDs() func() uuid.UUID {
	var n uint64
	return func() uuid.UUID {
		n++
		var id uuid.UUID
		binary.BigEndian.PutUint64(id[8:], n)
		return id
	}
}

func pngUpload(t *testing.T) normalize.Upload {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 32, 24))); err != nil {
		t.Fatal(err)
	}
	return normalize.Upload{Data: buf.Bytes(), MediaType: "image/png", Filename: "riser.png"}
}

type graphFixture struct {
	svc   *sceneGraphService
	store *graph.MemoryStore
	ai    *fakeAI
}

func newGraphFixture(t *testing.T, ai *fakeAI, cfg SceneGraphConfig) graphFixture {
	t.Helper()
	log := logger.NewNop()
	store := graph.NewMemoryStore(log)
	if cfg.NewID == nil {
		cfg.NewID = seqIDs()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return fixedNow }
	}
	ex := newTestExtractor(t, ai, RetryConfig{MaxAttempts: 3, Timeout: 20 * time.Millisecond})
	svc := NewSceneGraphService(log, normalize.New(log, normalize.Config{}, nil), ex, store, cfg).(*sceneGraphService)
	return graphFixture{svc: svc, store: store, ai: ai}
}

func TestIngestThreePipes(t *testing.T) {
	f := newGraphFixture(t, &fakeAI{json: []jsonReply{{raw: threePipesDraft}}}, SceneGraphConfig{})
	ctx := context.Background()

	owner := map[string]string{"building_id": "b-7", "drawing_id": "d-12"}
	sum, err := f.svc.Ingest(ctx, IngestRequest{Upload: pngUpload(t), Owner: owner})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if sum.ComponentCount != 3 || sum.RelationshipCount != 2 {
		t.Fatalf("summary counts %d/%d", sum.ComponentCount, sum.RelationshipCount)
	}
	if sum.Title != "Riser R-1" || sum.Source.MediaType != "image/png" || sum.Source.Filename != "riser.png" {
		t.Fatalf("summary=%+v", sum)
	}
	if !reflect.DeepEqual(sum.Owner, owner) {
		t.Fatalf("owner=%v", sum.Owner)
	}

	got, err := f.svc.Summary(ctx, sum.ID)
	if err != nil || got.ComponentCount != 3 {
		t.Fatalf("Summary: %+v %v", got, err)
	}

	comps, err := f.svc.Components(ctx, sum.ID)
	if err != nil {
		t.Fatalf("Components: %v", err)
	}
	if len(comps) != 3 {
		t.Fatalf("components=%d", len(comps))
	}
	for i, c := range comps {
		if c.Badge != i+1 || c.Type != "pipe" {
			t.Fatalf("component %d: badge=%d type=%s", i, c.Badge, c.Type)
		}
	}

	g, err := f.store.LoadFull(ctx, sum.ID)
	if err != nil {
		t.Fatalf("LoadFull: %v", err)
	}
	if len(g.Relationships) != 2 || g.Relationships[0].Type != "connects-to" {
		t.Fatalf("relationships=%+v", g.Relationships)
	}
	if g.Relationships[0].SourceID != comps[0].ID || g.Relationships[1].TargetID != comps[2].ID {
		t.Fatalf("relationship endpoints not remapped: %+v", g.Relationships)
	}

	list, err := f.svc.List(ctx, 10)
	if err != nil || len(list) != 1 || list[0].ID != sum.ID {
		t.Fatalf("List: %+v %v", list, err)
	}
}

func TestIngestAfterTimeoutsMatchesFirstTry(t *testing.T) {
	ctx := context.Background()

	first := newGraphFixture(t, &fakeAI{json: []jsonReply{{raw: threePipesDraft}}}, SceneGraphConfig{})
	a, err := first.svc.Ingest(ctx, IngestRequest{Upload: pngUpload(t)})
	if err != nil {
		t.Fatalf("first-try Ingest: %v", err)
	}

	retried := newGraphFixture(t, &fakeAI{json: []jsonReply{{hang: true}, {hang: true}, {raw: threePipesDraft}}}, SceneGraphConfig{})
	b, err := retried.svc.Ingest(ctx, IngestRequest{Upload: pngUpload(t)})
	if err != nil {
		t.Fatalf("retried Ingest: %v", err)
	}

	ga, err := first.store.LoadFull(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	gb, err := retried.store.LoadFull(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ga, gb) {
		t.Fatalf("graphs differ:\n%+v\n%+v", ga, gb)
	}
}

func TestIngestFailuresPersistNothing(t *testing.T) {
	dangling := `{"components": [
      {"id": "p1", "type": "pipe", "name": "A", "position": {"x": 0, "y": 0}, "properties": {}}
    ], "relationships": [{"source_id": "p1", "target_id": "p9", "type": "connects-to"}]}`
	duplicate := `{"components": [
      {"id": "p1", "type": "pipe", "name": "A", "position": {"x": 0, "y": 0}, "properties": {}},
      {"id": "p1", "type": "valve", "name": "B", "position": {"x": 1, "y": 1}, "properties": {}}
    ], "relationships": []}`

	cases := []struct {
		name  string
		reply []jsonReply
		up    func(t *testing.T) normalize.Upload
		kind  scenegraph.Kind
	}{
		{"dangling_edge", []jsonReply{{raw: dangling}}, pngUpload, scenegraph.KindGraphValidation},
		{"duplicate_local_id", []jsonReply{{raw: duplicate}}, pngUpload, scenegraph.KindGraphValidation},
		{"malformed", []jsonReply{{raw: "[]"}}, pngUpload, scenegraph.KindExtractionMalformed},
		{"unsupported", nil, func(t *testing.T) normalize.Upload {
			return normalize.Upload{Data: []byte("a,b\n"), MediaType: "text/csv"}
		}, scenegraph.KindUnsupportedFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newGraphFixture(t, &fakeAI{json: tc.reply}, SceneGraphConfig{})
			_, err := f.svc.Ingest(context.Background(), IngestRequest{Upload: tc.up(t)})
			if !errors.Is(err, tc.kind) {
				t.Fatalf("expected %s, got %v", tc.kind, err)
			}
			list, _ := f.store.List(context.Background(), 10)
			if len(list) != 0 {
				t.Fatalf("persisted %d graphs", len(list))
			}
			if tc.reply == nil {
				if n, _ := f.ai.calls(); n != 0 {
					t.Fatalf("extraction called %d times", n)
				}
			}
		})
	}
}

func TestIngestInterruptedCreateLeavesNothing(t *testing.T) {
	f := newGraphFixture(t, &fakeAI{json: []jsonReply{{raw: threePipesDraft}}}, SceneGraphConfig{})
	var staged uuid.UUID
	f.store.BeforeCommit = func(g *scenegraph.SceneGraph) error {
		staged = g.ID
		return errors.New("connection reset")
	}
	if _, err := f.svc.Ingest(context.Background(), IngestRequest{Upload: pngUpload(t)}); err == nil {
		t.Fatal("expected persist failure")
	}
	if _, err := f.store.LoadFull(context.Background(), staged); !errors.Is(err, scenegraph.KindGraphNotFound) {
		t.Fatalf("expected GraphNotFound, got %v", err)
	}
}

func TestBuildContextIsDeterministic(t *testing.T) {
	f := newGraphFixture(t, &fakeAI{json: []jsonReply{{raw: threePipesDraft}}}, SceneGraphConfig{})
	ctx := context.Background()
	sum, err := f.svc.Ingest(ctx, IngestRequest{Upload: pngUpload(t)})
	if err != nil {
		t.Fatal(err)
	}
	a, err := f.svc.BuildContext(ctx, sum.ID)
	if err != nil {
		t.Fatalf("BuildContext: %v", err)
	}
	b, err := f.svc.BuildContext(ctx, sum.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("contexts differ:\n%s\n---\n%s", a, b)
	}
	for _, want := range []string{
		`#1 pipe "Supply"`,
		`diameter_mm: 50`,
		`tags: ["hot","l2"]`,
		`1. #1 "Supply" -[connects-to]-> #2 "Branch A"`,
		`fitting: "tee"`,
		`floor_level: 2`,
	} {
		if !strings.Contains(a, want) {
			t.Fatalf("context missing %q:\n%s", want, a)
		}
	}
	if strings.Index(a, "diameter_mm") > strings.Index(a, "material") {
		t.Fatalf("properties not sorted by key:\n%s", a)
	}
}

func TestBuildContextErrors(t *testing.T) {
	f := newGraphFixture(t, &fakeAI{json: []jsonReply{{raw: threePipesDraft}}}, SceneGraphConfig{ContextMaxTokens: 10})
	ctx := context.Background()
	sum, err := f.svc.Ingest(ctx, IngestRequest{Upload: pngUpload(t)})
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.svc.BuildContext(ctx, sum.ID)
	if !errors.Is(err, scenegraph.KindContextTooLarge) || scenegraph.StageOf(err) != scenegraph.StageContext {
		t.Fatalf("expected ContextTooLarge, got %v", err)
	}
	if _, err := f.svc.BuildContext(ctx, uuid.New()); !errors.Is(err, scenegraph.KindGraphNotFound) {
		t.Fatalf("expected GraphNotFound, got %v", err)
	}
}

func TestDeleteEvictsCachedContext(t *testing.T) {
	f := newGraphFixture(t, &fakeAI{json: []jsonReply{{raw: threePipesDraft}}}, SceneGraphConfig{CacheSize: 4, CacheTTL: time.Minute})
	ctx := context.Background()
	sum, err := f.svc.Ingest(ctx, IngestRequest{Upload: pngUpload(t)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.BuildContext(ctx, sum.ID); err != nil {
		t.Fatal(err)
	}
	if f.svc.cache.count() != 1 {
		t.Fatalf("cache size=%d", f.svc.cache.count())
	}
	if err := f.svc.Delete(ctx, sum.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := f.svc.BuildContext(ctx, sum.ID); !errors.Is(err, scenegraph.KindGraphNotFound) {
		t.Fatalf("expected GraphNotFound after delete, got %v", err)
	}
	if err := f.svc.Delete(ctx, sum.ID); !errors.Is(err, scenegraph.KindGraphNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

type gatedStore struct {
	graph.Store
	gate  chan struct{}
	loads atomic.Int32
}

func (s *gatedStore) LoadFull(ctx context.Context, id uuid.UUID) (*scenegraph.SceneGraph, error) {
	s.loads.Add(1)
	<-s.gate
	return s.Store.LoadFull(ctx, id)
}

func TestBuildContextCollapsesConcurrentBuilds(t *testing.T) {
	f := newGraphFixture(t, &fakeAI{json: []jsonReply{{raw: threePipesDraft}}}, SceneGraphConfig{})
	ctx := context.Background()
	sum, err := f.svc.Ingest(ctx, IngestRequest{Upload: pngUpload(t)})
	if err != nil {
		t.Fatal(err)
	}
	gs := &gatedStore{Store: f.store, gate: make(chan struct{})}
	f.svc.store = gs

	var wg sync.WaitGroup
	out := make([]string, 5)
	for i := range out {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out[i], _ = f.svc.BuildContext(ctx, sum.ID)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(gs.gate)
	wg.Wait()

	if n := gs.loads.Load(); n != 1 {
		t.Fatalf("loads=%d want 1", n)
	}
	for i := range out {
		if out[i] == "" || out[i] != out[0] {
			t.Fatalf("caller %d got %q", i, out[i])
		}
	}
}
