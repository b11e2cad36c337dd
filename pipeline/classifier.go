package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/voltmark/marketflow/runtime"
	"github.com/voltmark/marketflow/types"
)

// AgentInvoker is the slice of the agent runtime the pipeline consumes.
type AgentInvoker interface {
	Invoke(ctx context.Context, agentType, conversationID, query string) (string, error)
	InvokeStream(ctx context.Context, agentType, conversationID, query string) (<-chan runtime.StreamChunk, error)
	Complete(ctx context.Context, agentType, content string) (string, error)
	History(ctx context.Context, agentType, conversationID string, limit int) ([]types.Turn, error)
}

// Classifier judges a produced answer with the evaluation agent.
// It is pure: it never writes to the session store, and it always returns
// a verdict — any invocation error or unparseable label collapses to
// bad_answer, never to good_answer.
type Classifier struct {
	invoker AgentInvoker
	logger  *zap.Logger
}

// NewClassifier creates a Classifier.
func NewClassifier(invoker AgentInvoker, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{
		invoker: invoker,
		logger:  logger.With(zap.String("component", "quality_classifier")),
	}
}

type judgeVerdict struct {
	Classification string `json:"classification"`
}

// Classify judges answer against query, with recent session history as
// context for the judge.
func (c *Classifier) Classify(ctx context.Context, query, answer string, history []types.Turn) types.Classification {
	content := buildJudgeContent(query, answer, history)

	raw, err := c.invoker.Complete(ctx, runtime.AgentEvaluation, content)
	if err != nil {
		c.logger.Warn("classification call failed, defaulting to bad_answer", zap.Error(err))
		return types.ClassificationBadAnswer
	}

	classification, err := parseVerdict(raw)
	if err != nil {
		c.logger.Warn("unparseable classifier output, defaulting to bad_answer",
			zap.String("raw", truncateForLog(raw)),
			zap.Error(err),
		)
		return types.ClassificationBadAnswer
	}

	return classification
}

// parseVerdict extracts the label from the judge's output. The judge is
// prompted for a bare JSON object; a bare label is tolerated, anything
// else is an error so the caller fails closed.
func parseVerdict(raw string) (types.Classification, error) {
	trimmed := strings.TrimSpace(raw)

	var verdict judgeVerdict
	if err := json.Unmarshal([]byte(trimmed), &verdict); err == nil {
		if c, ok := types.ParseClassification(verdict.Classification); ok {
			return c, nil
		}
		return "", types.NewError(types.ErrClassificationFailure,
			fmt.Sprintf("out-of-domain label %q", verdict.Classification))
	}

	if c, ok := types.ParseClassification(trimmed); ok {
		return c, nil
	}

	return "", types.NewError(types.ErrClassificationFailure, "classifier output is neither JSON verdict nor bare label")
}

func buildJudgeContent(query, answer string, history []types.Turn) string {
	var sb strings.Builder
	if len(history) > 0 {
		sb.WriteString("Recent conversation:\n")
		for _, turn := range history {
			fmt.Fprintf(&sb, "User: %s\nAssistant: %s\n", turn.Query, turn.Answer)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "User query:\n%s\n\nAnswer to evaluate:\n%s\n", query, answer)
	return sb.String()
}

func truncateForLog(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
