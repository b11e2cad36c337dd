package runtime

import (
	"context"
	"fmt"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/voltmark/marketflow/config"
	"github.com/voltmark/marketflow/session"
	"github.com/voltmark/marketflow/types"
)

// Runtime invokes agents. It owns prompt assembly from system prompt plus
// scoped session history, token-budget truncation of that history, and
// recording of completed turns. Classification calls go through Complete,
// which never touches the session store.
type Runtime struct {
	provider Provider
	sessions session.Store
	registry *Registry
	cfg      config.LLMConfig
	encoder  *tiktoken.Tiktoken
	logger   *zap.Logger
}

// New creates a Runtime.
func New(provider Provider, sessions session.Store, registry *Registry, cfg config.LLMConfig, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}

	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		// Token counting degrades to a character heuristic.
		logger.Warn("tokenizer unavailable, using heuristic counting", zap.Error(err))
		encoder = nil
	}

	return &Runtime{
		provider: provider,
		sessions: sessions,
		registry: registry,
		cfg:      cfg,
		encoder:  encoder,
		logger:   logger.With(zap.String("component", "agent_runtime")),
	}
}

// Registry returns the agent registry.
func (r *Runtime) Registry() *Registry { return r.registry }

// Invoke runs the named agent against the query with the session history
// for (conversationID, agentType), and appends the completed turn.
func (r *Runtime) Invoke(ctx context.Context, agentType, conversationID, query string) (string, error) {
	agent, key, messages, err := r.prepare(ctx, agentType, conversationID, query)
	if err != nil {
		return "", err
	}

	resp, err := r.provider.Completion(ctx, r.chatRequest(agent, messages))
	if err != nil {
		return "", invocationErr(agentType, err)
	}

	if err := r.sessions.Append(ctx, key, types.Turn{Query: query, Answer: resp.Content}); err != nil {
		return "", err
	}

	r.logger.Debug("agent invoked",
		zap.String("agent_type", agentType),
		zap.String("conversation_id", conversationID),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)

	return resp.Content, nil
}

// InvokeStream runs the named agent as a token stream. Chunks are
// delivered in generation order; when the stream finishes without error
// the assembled answer is appended to the session as one turn.
func (r *Runtime) InvokeStream(ctx context.Context, agentType, conversationID, query string) (<-chan StreamChunk, error) {
	agent, key, messages, err := r.prepare(ctx, agentType, conversationID, query)
	if err != nil {
		return nil, err
	}

	upstream, err := r.provider.Stream(ctx, r.chatRequest(agent, messages))
	if err != nil {
		return nil, invocationErr(agentType, err)
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)

		var answer string
		failed := false
		for chunk := range upstream {
			if chunk.Err != nil {
				failed = true
			}
			answer += chunk.Delta
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}

		if failed || ctx.Err() != nil {
			return
		}

		if err := r.sessions.Append(ctx, key, types.Turn{Query: query, Answer: answer}); err != nil {
			r.logger.Error("failed to record streamed turn",
				zap.String("agent_type", agentType),
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
		}
	}()

	return out, nil
}

// History returns the scoped session history for (conversationID, agentType).
func (r *Runtime) History(ctx context.Context, agentType, conversationID string, limit int) ([]types.Turn, error) {
	return r.sessions.History(ctx, session.NewKey(conversationID, agentType), limit)
}

// Complete runs the named agent against explicit content with no session
// read or write. Used by the quality classifier, which must stay pure.
func (r *Runtime) Complete(ctx context.Context, agentType, content string) (string, error) {
	agent, ok := r.registry.Get(agentType)
	if !ok {
		return "", types.NewError(types.ErrInvalidRequest, fmt.Sprintf("unknown agent type %q", agentType))
	}

	messages := []types.Message{
		types.NewSystemMessage(agent.SystemPrompt),
		types.NewUserMessage(content),
	}

	resp, err := r.provider.Completion(ctx, r.chatRequest(agent, messages))
	if err != nil {
		return "", invocationErr(agentType, err)
	}
	return resp.Content, nil
}

func (r *Runtime) prepare(ctx context.Context, agentType, conversationID, query string) (Agent, session.Key, []types.Message, error) {
	agent, ok := r.registry.Get(agentType)
	if !ok {
		return Agent{}, session.Key{}, nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("unknown agent type %q", agentType))
	}

	key := session.NewKey(conversationID, agentType)
	if _, err := r.sessions.GetOrCreate(ctx, key); err != nil {
		return Agent{}, session.Key{}, nil, err
	}

	history, err := r.sessions.History(ctx, key, 0)
	if err != nil {
		return Agent{}, session.Key{}, nil, err
	}
	history = r.truncateHistory(history)

	messages := make([]types.Message, 0, 2*len(history)+2)
	messages = append(messages, types.NewSystemMessage(agent.SystemPrompt))
	for _, turn := range history {
		messages = append(messages, types.NewUserMessage(turn.Query))
		messages = append(messages, types.NewAssistantMessage(turn.Answer))
	}
	messages = append(messages, types.NewUserMessage(query))

	return agent, key, messages, nil
}

func (r *Runtime) chatRequest(agent Agent, messages []types.Message) *ChatRequest {
	model := agent.Model
	if model == "" {
		model = r.cfg.Model
	}
	return &ChatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: agent.Temperature,
		Timeout:     r.cfg.Timeout,
		Metadata:    map[string]string{"agent_type": agent.Type},
	}
}

// truncateHistory drops oldest turns until the history fits the token
// budget. The newest turn is always kept.
func (r *Runtime) truncateHistory(history []types.Turn) []types.Turn {
	limit := r.cfg.HistoryTokenLimit
	if limit <= 0 || len(history) == 0 {
		return history
	}

	total := 0
	kept := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		total += r.countTokens(history[i].Query) + r.countTokens(history[i].Answer)
		if total > limit && i < len(history)-1 {
			kept = len(history) - 1 - i
			break
		}
	}
	return history[len(history)-kept:]
}

func (r *Runtime) countTokens(text string) int {
	if r.encoder == nil {
		return len(text) / 4
	}
	return len(r.encoder.Encode(text, nil, nil))
}

func invocationErr(agentType string, cause error) error {
	return types.NewError(types.ErrRuntimeInvocation, fmt.Sprintf("agent %q invocation failed", agentType)).
		WithCause(cause).
		WithRetryable(true)
}
