package pipeline

import (
	"sync"

	"github.com/google/uuid"
)

// RequestContext is the per-query isolated data bag. Every piece of
// per-query intermediate state (the literal query text, the draft answer,
// derived table or chart payloads) lives here instead of on any
// long-lived component, so concurrent queries can never observe each
// other's intermediates. Instances are created per Process call, never
// shared, and released on every exit path.
type RequestContext struct {
	ID             string
	ConversationID string
	Query          string

	mu       sync.Mutex
	draft    string
	results  map[string]any
	released bool
}

func newRequestContext(conversationID, query string) *RequestContext {
	return &RequestContext{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Query:          query,
		results:        make(map[string]any),
	}
}

// SetDraft stores the draft answer produced by the answer agent.
func (c *RequestContext) SetDraft(answer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.draft = answer
}

// Draft returns the draft answer.
func (c *RequestContext) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// SetResult stores a derived per-query payload under name.
func (c *RequestContext) SetResult(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.results[name] = value
}

// Result returns the derived payload stored under name.
func (c *RequestContext) Result(name string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.results[name]
	return v, ok
}

// Release discards all per-query state. Called on every exit path,
// including cancellation, so a pointer that outlives the query cannot
// expose this query's data to anyone else.
func (c *RequestContext) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = true
	c.draft = ""
	c.Query = ""
	c.results = make(map[string]any)
}

// Released reports whether the context has been released.
func (c *RequestContext) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}
