// Package openai implements runtime.Provider against any OpenAI-compatible
// chat completions API.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/voltmark/marketflow/config"
	"github.com/voltmark/marketflow/runtime"
	"github.com/voltmark/marketflow/types"
)

const completionsPath = "/v1/chat/completions"

// Provider talks to an OpenAI-compatible endpoint over HTTP, streaming via
// SSE.
type Provider struct {
	cfg    config.LLMConfig
	client *http.Client
	logger *zap.Logger
}

// New creates a Provider from the LLM configuration.
func New(cfg config.LLMConfig, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger.With(zap.String("component", "openai_provider")),
	}
}

// Name implements runtime.Provider.
func (p *Provider) Name() string { return "openai" }

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wirePayload struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Index        int    `json:"index"`
		FinishReason string `json:"finish_reason"`
		Message      *struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta *struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Completion implements runtime.Provider.
func (p *Provider) Completion(ctx context.Context, req *runtime.ChatRequest) (*runtime.ChatResponse, error) {
	resp, err := p.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, upstreamErr("failed to decode completion response", err)
	}
	if len(wire.Choices) == 0 {
		return nil, types.NewError(types.ErrRuntimeInvocation, "completion response has no choices").WithRetryable(true)
	}

	out := &runtime.ChatResponse{
		Model: wire.Model,
		Usage: runtime.ChatUsage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		},
	}
	if wire.Choices[0].Message != nil {
		out.Content = wire.Choices[0].Message.Content
	}
	if wire.Created != 0 {
		out.CreatedAt = time.Unix(wire.Created, 0)
	}
	return out, nil
}

// Stream implements runtime.Provider.
func (p *Provider) Stream(ctx context.Context, req *runtime.ChatRequest) (<-chan runtime.StreamChunk, error) {
	resp, err := p.post(ctx, req, true)
	if err != nil {
		return nil, err
	}

	out := make(chan runtime.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(out)

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					emit(ctx, out, runtime.StreamChunk{
						Err: types.NewError(types.ErrRuntimeInvocation, "stream read failed").
							WithCause(err).
							WithRetryable(true),
					})
				}
				return
			}

			data, ok := strings.CutPrefix(strings.TrimSpace(line), "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				return
			}

			var wire wireResponse
			if err := json.Unmarshal([]byte(data), &wire); err != nil {
				emit(ctx, out, runtime.StreamChunk{
					Err: types.NewError(types.ErrRuntimeInvocation, "malformed stream chunk").
						WithCause(err).
						WithRetryable(true),
				})
				return
			}

			for _, choice := range wire.Choices {
				chunk := runtime.StreamChunk{FinishReason: choice.FinishReason}
				if choice.Delta != nil {
					chunk.Delta = choice.Delta.Content
				}
				if !emit(ctx, out, chunk) {
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *Provider) post(ctx context.Context, req *runtime.ChatRequest, stream bool) (*http.Response, error) {
	messages := make([]wireMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = wireMessage{Role: string(msg.Role), Content: msg.Content}
	}

	payload, err := json.Marshal(wirePayload{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	})
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to marshal chat request").WithCause(err)
	}

	url := strings.TrimRight(p.cfg.BaseURL, "/") + completionsPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to build chat request").WithCause(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, upstreamErr("upstream request failed", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, mapStatusError(resp)
	}
	return resp, nil
}

func upstreamErr(msg string, cause error) error {
	return types.NewError(types.ErrRuntimeInvocation, msg).
		WithCause(cause).
		WithRetryable(true)
}

func emit(ctx context.Context, out chan<- runtime.StreamChunk, chunk runtime.StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func mapStatusError(resp *http.Response) error {
	msg := readErrorMessage(resp.Body)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return types.NewError(types.ErrUnauthorized, msg).WithHTTPStatus(resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return types.NewError(types.ErrRuntimeInvocation, msg).
			WithHTTPStatus(resp.StatusCode).
			WithRetryable(true)
	default:
		return types.NewError(types.ErrInvalidRequest, msg).WithHTTPStatus(resp.StatusCode)
	}
}

// readErrorMessage extracts the error text from an OpenAI-style error body.
func readErrorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(raw) == 0 {
		return "upstream error"
	}

	var wrapped struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Error.Message != "" {
		return wrapped.Error.Message
	}
	return fmt.Sprintf("upstream error: %s", strings.TrimSpace(string(raw)))
}

// Ensure Provider implements runtime.Provider.
var _ runtime.Provider = (*Provider)(nil)
