package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yungbote/scenegraph-backend/internal/domain/scenegraph"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
)

func newTestQuery(t *testing.T, ai *fakeAI, cfg RetryConfig) *queryService {
	t.Helper()
	s := NewQueryService(logger.NewNop(), ai, testPrompts(t).Query, cfg).(*queryService)
	s.sleep = noSleep
	return s
}

func drain(ch <-chan AnswerEvent) (deltas []string, terminal []AnswerEvent) {
	for ev := range ch {
		if ev.Done || ev.Err != nil {
			terminal = append(terminal, ev)
			continue
		}
		deltas = append(deltas, ev.Delta)
	}
	return deltas, terminal
}

func TestAnswerStreamsThenDone(t *testing.T) {
	ai := &fakeAI{streams: []streamReply{{deltas: []string{"P1 ", "feeds ", "P2."}}}}
	s := newTestQuery(t, ai, RetryConfig{})

	deltas, terminal := drain(s.Answer(context.Background(), "Where does P1 go?", "SCENE GRAPH x"))
	if len(deltas) != 3 || deltas[0] != "P1 " || deltas[2] != "P2." {
		t.Fatalf("deltas=%q", deltas)
	}
	if len(terminal) != 1 || !terminal[0].Done || terminal[0].Text != "P1 feeds P2." {
		t.Fatalf("terminal=%+v", terminal)
	}
}

func TestAnswerRetriesBeforeFirstDelta(t *testing.T) {
	ai := &fakeAI{streams: []streamReply{
		{err: statusErr(503)},
		{deltas: []string{"ok"}},
	}}
	s := newTestQuery(t, ai, RetryConfig{MaxAttempts: 2})
	deltas, terminal := drain(s.Answer(context.Background(), "q", "ctx"))
	if len(deltas) != 1 || len(terminal) != 1 || !terminal[0].Done {
		t.Fatalf("deltas=%q terminal=%+v", deltas, terminal)
	}
	if _, n := ai.calls(); n != 2 {
		t.Fatalf("streams=%d want 2", n)
	}
}

func TestAnswerFailureAfterFirstDeltaIsTerminal(t *testing.T) {
	ai := &fakeAI{streams: []streamReply{
		{deltas: []string{"The supply "}, err: statusErr(503)},
		{deltas: []string{"never"}},
	}}
	s := newTestQuery(t, ai, RetryConfig{MaxAttempts: 2})
	deltas, terminal := drain(s.Answer(context.Background(), "q", "ctx"))
	if len(deltas) != 1 || deltas[0] != "The supply " {
		t.Fatalf("deltas=%q", deltas)
	}
	if len(terminal) != 1 || !errors.Is(terminal[0].Err, scenegraph.KindQueryUnavailable) {
		t.Fatalf("terminal=%+v", terminal)
	}
	if terminal[0].Text != "The supply " {
		t.Fatalf("partial text=%q", terminal[0].Text)
	}
	if _, n := ai.calls(); n != 1 {
		t.Fatalf("streams=%d want 1", n)
	}
}

func TestAnswerUnavailable(t *testing.T) {
	cases := []struct {
		name    string
		streams []streamReply
		calls   int
	}{
		{"exhausted", []streamReply{{err: statusErr(500)}, {err: statusErr(500)}}, 2},
		{"client_error", []streamReply{{err: statusErr(400)}}, 1},
		{"refused", []streamReply{{err: errRefused()}}, 1},
		{"timeout", []streamReply{{hang: true}, {hang: true}}, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ai := &fakeAI{streams: tc.streams}
			s := newTestQuery(t, ai, RetryConfig{MaxAttempts: 2, Timeout: 20 * time.Millisecond})
			_, terminal := drain(s.Answer(context.Background(), "q", "ctx"))
			if len(terminal) != 1 || !errors.Is(terminal[0].Err, scenegraph.KindQueryUnavailable) {
				t.Fatalf("terminal=%+v", terminal)
			}
			if scenegraph.StageOf(terminal[0].Err) != scenegraph.StageQuery {
				t.Fatalf("stage=%q", scenegraph.StageOf(terminal[0].Err))
			}
			if _, n := ai.calls(); n != tc.calls {
				t.Fatalf("streams=%d want %d", n, tc.calls)
			}
		})
	}
}

func TestAnswerCancelStopsOnlyThatCall(t *testing.T) {
	gate := make(chan struct{})
	ai := &fakeAI{streams: []streamReply{
		{gate: gate, deltas: []string{"late"}},
		{deltas: []string{"independent"}},
	}}
	s := newTestQuery(t, ai, RetryConfig{MaxAttempts: 1, Timeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	first := s.Answer(ctx, "q1", "ctx")
	cancel()

	_, terminal := drain(first)
	for _, ev := range terminal {
		if ev.Done {
			t.Fatalf("cancelled call completed: %+v", ev)
		}
	}
	close(gate)

	deltas, terminal := drain(s.Answer(context.Background(), "q2", "ctx"))
	if len(deltas) != 1 || len(terminal) != 1 || !terminal[0].Done {
		t.Fatalf("second call deltas=%q terminal=%+v", deltas, terminal)
	}
}
