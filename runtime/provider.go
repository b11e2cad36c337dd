package runtime

import (
	"context"
	"time"

	"github.com/voltmark/marketflow/types"
)

// ChatRequest is a single LLM chat invocation.
type ChatRequest struct {
	Model       string            `json:"model"`
	Messages    []types.Message   `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float32           `json:"temperature,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ChatUsage reports token accounting for one call.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// ChatResponse is the full response of a completion call.
type ChatResponse struct {
	Content   string    `json:"content"`
	Model     string    `json:"model,omitempty"`
	Usage     ChatUsage `json:"usage,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// StreamChunk is one increment of a streamed response. The final chunk
// carries a FinishReason; a failed stream carries Err on its last chunk.
type StreamChunk struct {
	Delta        string       `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
	Err          *types.Error `json:"error,omitempty"`
}

// Provider is the unified LLM adapter interface consumed by the runtime.
// Implementations live outside this service; tests use a scripted double.
type Provider interface {
	// Completion issues a synchronous chat request.
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream issues a streaming chat request and returns the chunk channel.
	// The channel is closed when the stream ends.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// Name returns the provider's unique identifier.
	Name() string
}
