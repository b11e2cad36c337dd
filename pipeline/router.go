package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/voltmark/marketflow/runtime"
	"github.com/voltmark/marketflow/types"
)

// emitFunc delivers one event to the caller's stream. It returns an error
// when the caller is gone.
type emitFunc func(types.Event) error

// Router dispatches a classified answer to exactly one of two branches:
// Finalizing (pass the draft through) or FollowingUp (stream the expert
// offer, then request approval).
type Router struct {
	invoker     AgentInvoker
	coordinator *Coordinator
	log         MessageLog
	logger      *zap.Logger
}

// NewRouter creates a Router.
func NewRouter(invoker AgentInvoker, coordinator *Coordinator, log MessageLog, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		invoker:     invoker,
		coordinator: coordinator,
		log:         log,
		logger:      logger.With(zap.String("component", "response_router")),
	}
}

// Route runs one branch for the classified draft in rc and emits its
// events. It never emits the terminal done event; that belongs to the
// stream owner.
func (r *Router) Route(ctx context.Context, rc *RequestContext, classification types.Classification, emit emitFunc) error {
	r.logger.Info("routing answer",
		zap.String("conversation_id", rc.ConversationID),
		zap.String("classification", string(classification)),
	)

	if classification.NeedsFollowUp() {
		return r.followUp(ctx, rc, emit)
	}
	return r.finalize(rc, emit)
}

// finalize passes the already-produced answer through unchanged. No
// additional agent call is made.
func (r *Router) finalize(rc *RequestContext, emit emitFunc) error {
	return emit(types.NewTextChunk(rc.Draft()))
}

// followUp invokes the follow-up agent, streams its output, and only after
// the last chunk registers and emits the approval request. The approval
// event's message field stays empty: the offer text was already delivered
// as chunks and must not be duplicated.
func (r *Router) followUp(ctx context.Context, rc *RequestContext, emit emitFunc) error {
	chunks, err := r.invoker.InvokeStream(ctx, runtime.AgentFollowUp, rc.ConversationID, rc.Query)
	if err != nil {
		return err
	}

	var offer string
	for chunk := range chunks {
		if chunk.Err != nil {
			return chunk.Err
		}
		offer += chunk.Delta
		if err := emit(types.NewTextChunk(chunk.Delta)); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.coordinator.Await(rc.ConversationID, ContextExpertContact)

	// Persist the offer together with its approval metadata so a failed
	// query never leaves a half-written follow-up in the history.
	if r.log != nil {
		content := offer + "\n\n" + ApprovalQuestion
		if err := r.log.Append(ctx, rc.ConversationID, "assistant", content); err != nil {
			return err
		}
	}

	return emit(types.NewApprovalRequest(rc.ConversationID, ContextExpertContact, ApprovalQuestion))
}
