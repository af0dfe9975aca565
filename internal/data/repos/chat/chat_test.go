package chat

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"

	types "github.com/yungbote/scenegraph-backend/internal/domain/chat"
	"github.com/yungbote/scenegraph-backend/internal/data/repos/testutil"
	"github.com/yungbote/scenegraph-backend/internal/pkg/dbctx"
)

func TestSessionGetOrCreateIsIdempotent(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	repo := NewChatSessionRepo(db, log)
	dbc := dbctx.Context{Ctx: context.Background()}
	graphID := uuid.New()

	missing, err := repo.Get(dbc, graphID, "alice")
	if err != nil || missing != nil {
		t.Fatalf("Get on empty store: %v %v", missing, err)
	}

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 4)
	errs := make([]error, 4)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := repo.GetOrCreate(dbc, graphID, "alice")
			errs[i] = err
			if s != nil {
				ids[i] = s.ID
			}
		}(i)
	}
	wg.Wait()
	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("GetOrCreate[%d]: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("GetOrCreate returned different sessions: %s vs %s", ids[i], ids[0])
		}
	}

	other, err := repo.GetOrCreate(dbc, graphID, "bob")
	if err != nil {
		t.Fatalf("GetOrCreate bob: %v", err)
	}
	if other.ID == ids[0] {
		t.Fatalf("different callers share a session")
	}
	list, err := repo.ListByGraph(dbc, graphID)
	if err != nil || len(list) != 2 {
		t.Fatalf("ListByGraph: %d %v", len(list), err)
	}
}

func TestAppendTurnAssignsConsecutiveSeq(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	sessions := NewChatSessionRepo(db, log)
	messages := NewChatMessageRepo(db, log)
	dbc := dbctx.Context{Ctx: context.Background()}
	graphID := uuid.New()

	s, err := sessions.GetOrCreate(dbc, graphID, "")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	turn := func(q, a string) {
		t.Helper()
		_, err := messages.AppendTurn(dbc, s.ID, []*types.ChatMessage{
			{GraphID: graphID, Role: types.RoleUser, Content: q},
			{GraphID: graphID, Role: types.RoleAssistant, Content: a},
		})
		if err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
	}
	turn("Q1", "A1")
	turn("Q2", "A2")

	got, err := messages.ListBySession(dbc, s.ID, 0)
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	want := []string{"Q1", "A1", "Q2", "A2"}
	if len(got) != len(want) {
		t.Fatalf("got %d messages", len(got))
	}
	for i, m := range got {
		if m.Content != want[i] || m.Seq != int64(i+1) {
			t.Fatalf("message %d = %q seq %d", i, m.Content, m.Seq)
		}
		if m.Status != types.StatusComplete {
			t.Fatalf("message %d status=%q", i, m.Status)
		}
	}

	recent, err := messages.ListBySession(dbc, s.ID, 2)
	if err != nil || len(recent) != 2 || recent[0].Content != "Q2" {
		t.Fatalf("recent window wrong: %v %v", recent, err)
	}
}

func TestAppendTurnRollsBackOnUnknownSession(t *testing.T) {
	db := testutil.DB(t)
	messages := NewChatMessageRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}
	ghost := uuid.New()

	if _, err := messages.AppendTurn(dbc, ghost, []*types.ChatMessage{{GraphID: uuid.New(), Role: types.RoleUser, Content: "Q"}}); err == nil {
		t.Fatalf("expected error for missing session")
	}
	n, err := messages.CountBySession(dbc, ghost)
	if err != nil || n != 0 {
		t.Fatalf("rows leaked: %d %v", n, err)
	}
}
