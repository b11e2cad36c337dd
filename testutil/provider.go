package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/voltmark/marketflow/runtime"
	"github.com/voltmark/marketflow/types"
)

// ScriptedProvider is a runtime.Provider double that replays queued
// responses. Responses are consumed in FIFO order by both Completion and
// Stream; Stream splits the response into word chunks. When the queue is
// empty, CompletionFn/StreamFn callbacks are consulted, then a fixed
// fallback.
type ScriptedProvider struct {
	mu        sync.Mutex
	responses []scripted
	requests  []*runtime.ChatRequest

	CompletionFn func(ctx context.Context, req *runtime.ChatRequest) (*runtime.ChatResponse, error)
	StreamFn     func(ctx context.Context, req *runtime.ChatRequest) (<-chan runtime.StreamChunk, error)
	Fallback     string
}

type scripted struct {
	content string
	err     error
}

// NewScriptedProvider creates an empty scripted provider.
func NewScriptedProvider() *ScriptedProvider {
	return &ScriptedProvider{Fallback: "ok"}
}

// Queue appends a successful response.
func (p *ScriptedProvider) Queue(content string) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, scripted{content: content})
	return p
}

// QueueError appends a failing response.
func (p *ScriptedProvider) QueueError(err error) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, scripted{err: err})
	return p
}

// Requests returns a copy of every request seen so far.
func (p *ScriptedProvider) Requests() []*runtime.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*runtime.ChatRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

func (p *ScriptedProvider) next(req *runtime.ChatRequest) (scripted, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return scripted{}, false
	}
	head := p.responses[0]
	p.responses = p.responses[1:]
	return head, true
}

// Completion implements runtime.Provider.
func (p *ScriptedProvider) Completion(ctx context.Context, req *runtime.ChatRequest) (*runtime.ChatResponse, error) {
	if head, ok := p.next(req); ok {
		if head.err != nil {
			return nil, head.err
		}
		return &runtime.ChatResponse{Content: head.content, Model: req.Model}, nil
	}
	if p.CompletionFn != nil {
		return p.CompletionFn(ctx, req)
	}
	return &runtime.ChatResponse{Content: p.Fallback, Model: req.Model}, nil
}

// Stream implements runtime.Provider.
func (p *ScriptedProvider) Stream(ctx context.Context, req *runtime.ChatRequest) (<-chan runtime.StreamChunk, error) {
	head, ok := p.next(req)
	if !ok {
		if p.StreamFn != nil {
			return p.StreamFn(ctx, req)
		}
		head = scripted{content: p.Fallback}
	}
	if head.err != nil {
		return nil, head.err
	}

	out := make(chan runtime.StreamChunk)
	go func() {
		defer close(out)
		words := strings.SplitAfter(head.content, " ")
		for i, w := range words {
			chunk := runtime.StreamChunk{Delta: w}
			if i == len(words)-1 {
				chunk.FinishReason = "stop"
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Name implements runtime.Provider.
func (p *ScriptedProvider) Name() string { return "scripted" }

// Ensure ScriptedProvider implements runtime.Provider.
var _ runtime.Provider = (*ScriptedProvider)(nil)

// CollectEvents drains an event channel into a slice.
func CollectEvents(ch <-chan types.Event) []types.Event {
	var events []types.Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}
