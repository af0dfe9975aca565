package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yungbote/scenegraph-backend/internal/platform/openai"
)

const threePipesDraft = `{
  "title": "Riser R-1",
  "components": [
    {"id": "p1", "type": "pipe", "name": "Supply", "position": {"x": 10, "y": 20}, "dimensions": {"width": 2, "height": 80}, "properties": {"diameter_mm": 50, "material": "copper"}},
    {"id": "p2", "type": "pipe", "name": "Branch A", "position": {"x": 40, "y": 20}, "properties": {"material": "copper", "tags": ["hot", "l2"]}},
    {"id": "p3", "type": "pipe", "name": "Branch B", "position": {"x": 40, "y": 60}, "properties": {}}
  ],
  "relationships": [
    {"source_id": "p1", "target_id": "p2", "type": "connects-to", "properties": {"fitting": "tee"}},
    {"source_id": "p1", "target_id": "p3", "type": "connects-to"}
  ],
  "metadata": {"diagram_type": "riser", "floor_level": 2}
}`

type statusErr int

func (e statusErr) Error() string       { return fmt.Sprintf("openai http %d", int(e)) }
func (e statusErr) HTTPStatusCode() int { return int(e) }

// jsonReply scripts one GenerateJSONWithImages call. hang blocks until the
// call's context ends.
type jsonReply struct {
	raw  string
	err  error
	hang bool
}

// streamReply scripts one StreamText call. When gate is set the call waits
// for it before emitting anything; started is closed on entry.
type streamReply struct {
	deltas  []string
	err     error
	gate    chan struct{}
	started chan struct{}
	hang    bool
}

type fakeAI struct {
	model string

	mu        sync.Mutex
	json      []jsonReply
	streams   []streamReply
	jsonCalls int
	streamN   int
	images    [][]openai.ImageInput
	users     []string
}

func (f *fakeAI) Model() string {
	if f.model == "" {
		return "fake-model"
	}
	return f.model
}

func (f *fakeAI) GenerateJSONWithImages(ctx context.Context, system, user string, images []openai.ImageInput, schemaName string, schema map[string]any) (string, error) {
	f.mu.Lock()
	i := f.jsonCalls
	f.jsonCalls++
	f.images = append(f.images, images)
	f.users = append(f.users, user)
	var r jsonReply
	if i < len(f.json) {
		r = f.json[i]
	} else {
		r = jsonReply{err: fmt.Errorf("unexpected call %d", i+1)}
	}
	f.mu.Unlock()

	if r.hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return r.raw, r.err
}

func (f *fakeAI) StreamText(ctx context.Context, system, user string, onDelta func(string)) (string, error) {
	f.mu.Lock()
	i := f.streamN
	f.streamN++
	f.users = append(f.users, user)
	var r streamReply
	if i < len(f.streams) {
		r = f.streams[i]
	} else {
		r = streamReply{err: fmt.Errorf("unexpected stream %d", i+1)}
	}
	f.mu.Unlock()

	if r.started != nil {
		close(r.started)
	}
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	full := ""
	for _, d := range r.deltas {
		if err := ctx.Err(); err != nil {
			return full, err
		}
		full += d
		onDelta(d)
	}
	if r.hang {
		<-ctx.Done()
		return full, ctx.Err()
	}
	return full, r.err
}

func (f *fakeAI) calls() (json int, streams int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jsonCalls, f.streamN
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func errEmpty() error   { return openai.ErrEmptyOutput }
func errRefused() error { return fmt.Errorf("%w: content policy", openai.ErrRefused) }
