package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voltmark/marketflow/internal/metrics"
	"github.com/voltmark/marketflow/types"
)

// ContextExpertContact tags the hand-off approval flow.
const ContextExpertContact = "expert_contact"

// Fixed user-facing copy for the approval flow.
const (
	ApprovalQuestion = "Would you like me to connect you with one of our market experts who can help with this request?"

	approvedMessage = "Great — I've noted your request. Please leave your contact details in the form and one of our experts will reach out to you shortly."

	rejectedMessage = "No problem. Is there anything else I can help you with?"
)

// MessageLog is the durable conversation message log collaborator.
type MessageLog interface {
	Append(ctx context.Context, conversationID, sender, content string) error
}

// Ownership answers whether a user owns a conversation.
type Ownership interface {
	Owns(ctx context.Context, userID, conversationID string) (bool, error)
}

// Decision is the outcome returned to the approval submitter.
type Decision struct {
	Success           bool   `json:"success"`
	Message           string `json:"message"`
	RedirectToContact bool   `json:"redirect_to_contact"`
}

type approvalKey struct {
	ConversationID string
	Context        string
}

type approvalState struct {
	createdAt time.Time
	resolved  bool
	approved  bool
}

// Coordinator manages the yes/no hand-off decision after a follow-up
// offer. A pair enters AwaitingApproval via Await; Resolve is terminal and
// idempotent: a second response for a resolved pair re-emits the original
// outcome without re-triggering the hand-off signal. A response for a pair
// never put into AwaitingApproval is a validation error, not a silent
// no-op.
type Coordinator struct {
	mu      sync.Mutex
	pending map[approvalKey]*approvalState

	log       MessageLog
	ownership Ownership
	ttl       time.Duration
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// NewCoordinator creates a Coordinator. ttl bounds how long an offer stays
// resolvable; zero means no expiry.
func NewCoordinator(log MessageLog, ownership Ownership, ttl time.Duration, collector *metrics.Collector, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		pending:   make(map[approvalKey]*approvalState),
		log:       log,
		ownership: ownership,
		ttl:       ttl,
		metrics:   collector,
		logger:    logger.With(zap.String("component", "approval_coordinator")),
	}
}

// Await puts (conversationID, contextTag) into AwaitingApproval. A fresh
// follow-up cycle replaces any earlier resolved state for the pair;
// approvals are not reusable across cycles.
func (c *Coordinator) Await(conversationID, contextTag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune()
	c.pending[approvalKey{conversationID, contextTag}] = &approvalState{createdAt: time.Now()}

	c.logger.Info("awaiting approval",
		zap.String("conversation_id", conversationID),
		zap.String("context", contextTag),
	)
}

// Resolve applies the user's decision for (conversationID, contextTag).
// The ownership check runs before anything else; a non-owner gets
// UNAUTHORIZED and no message is emitted or persisted.
func (c *Coordinator) Resolve(ctx context.Context, userID, conversationID, contextTag string, approved bool) (*Decision, error) {
	owns, err := c.ownership.Owns(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if !owns {
		return nil, types.NewError(types.ErrUnauthorized, "conversation is not owned by the current user").
			WithHTTPStatus(403)
	}

	c.mu.Lock()
	c.prune()
	state, ok := c.pending[approvalKey{conversationID, contextTag}]
	if !ok {
		c.mu.Unlock()
		return nil, types.NewError(types.ErrApprovalNotFound, "no approval pending for this conversation and context").
			WithHTTPStatus(404)
	}

	if state.resolved {
		// Idempotent replay: same message, no second hand-off trigger,
		// no second log write.
		prior := state.approved
		c.mu.Unlock()
		return decisionFor(prior), nil
	}

	state.resolved = true
	state.approved = approved
	c.mu.Unlock()

	decision := decisionFor(approved)

	if approved {
		if err := c.appendDecision(ctx, conversationID, decision.Message); err != nil {
			return nil, err
		}
	}

	c.metrics.RecordApproval(approved)
	c.logger.Info("approval resolved",
		zap.String("conversation_id", conversationID),
		zap.String("context", contextTag),
		zap.Bool("approved", approved),
	)

	return decision, nil
}

// appendDecision persists the user's implicit yes and the system
// acknowledgment to the durable message log.
func (c *Coordinator) appendDecision(ctx context.Context, conversationID, ack string) error {
	if c.log == nil {
		return nil
	}
	if err := c.log.Append(ctx, conversationID, "user", "Yes"); err != nil {
		return err
	}
	return c.log.Append(ctx, conversationID, "system", ack)
}

// prune drops offers older than the ttl, resolved ones included: the
// idempotent-replay window closes when the offer expires, and entries
// never accumulate across the process lifetime. Caller holds c.mu.
func (c *Coordinator) prune() {
	if c.ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-c.ttl)
	for key, state := range c.pending {
		if state.createdAt.Before(cutoff) {
			delete(c.pending, key)
		}
	}
}

func decisionFor(approved bool) *Decision {
	if approved {
		return &Decision{Success: true, Message: approvedMessage, RedirectToContact: true}
	}
	return &Decision{Success: true, Message: rejectedMessage, RedirectToContact: false}
}
