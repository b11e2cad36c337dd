package pipeline_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voltmark/marketflow/pipeline"
	"github.com/voltmark/marketflow/types"
)

// --- test doubles (function callback pattern) ---

type testMessageLog struct {
	mu      sync.Mutex
	entries []logEntry
	failFn  func(conversationID string) error
}

type logEntry struct {
	ConversationID string
	Sender         string
	Content        string
}

func (l *testMessageLog) Append(ctx context.Context, conversationID, sender, content string) error {
	if l.failFn != nil {
		if err := l.failFn(conversationID); err != nil {
			return err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{conversationID, sender, content})
	return nil
}

func (l *testMessageLog) Entries() []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]logEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

type testOwnership struct {
	ownsFn func(userID, conversationID string) (bool, error)
}

func (o *testOwnership) Owns(ctx context.Context, userID, conversationID string) (bool, error) {
	if o.ownsFn != nil {
		return o.ownsFn(userID, conversationID)
	}
	return true, nil
}

func newTestCoordinator(log *testMessageLog, ownership *testOwnership) *pipeline.Coordinator {
	if log == nil {
		log = &testMessageLog{}
	}
	if ownership == nil {
		ownership = &testOwnership{}
	}
	return pipeline.NewCoordinator(log, ownership, 0, nil, zap.NewNop())
}

func TestResolveApproved(t *testing.T) {
	log := &testMessageLog{}
	c := newTestCoordinator(log, nil)
	ctx := context.Background()

	c.Await("conv-1", pipeline.ContextExpertContact)

	decision, err := c.Resolve(ctx, "user-1", "conv-1", pipeline.ContextExpertContact, true)
	require.NoError(t, err)
	assert.True(t, decision.Success)
	assert.True(t, decision.RedirectToContact)
	assert.Contains(t, decision.Message, "contact details")

	// The implicit yes and the acknowledgment both land in the log.
	entries := log.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "user", entries[0].Sender)
	assert.Equal(t, "system", entries[1].Sender)
	assert.Equal(t, decision.Message, entries[1].Content)
}

func TestResolveRejected(t *testing.T) {
	log := &testMessageLog{}
	c := newTestCoordinator(log, nil)
	ctx := context.Background()

	c.Await("conv-1", pipeline.ContextExpertContact)

	decision, err := c.Resolve(ctx, "user-1", "conv-1", pipeline.ContextExpertContact, false)
	require.NoError(t, err)
	assert.True(t, decision.Success)
	assert.False(t, decision.RedirectToContact)
	assert.Equal(t, "No problem. Is there anything else I can help you with?", decision.Message)

	assert.Empty(t, log.Entries())
}

func TestResolveIdempotent(t *testing.T) {
	log := &testMessageLog{}
	c := newTestCoordinator(log, nil)
	ctx := context.Background()

	c.Await("conv-1", pipeline.ContextExpertContact)

	first, err := c.Resolve(ctx, "user-1", "conv-1", pipeline.ContextExpertContact, true)
	require.NoError(t, err)

	// Replays re-emit the same outcome, whatever the second submission
	// says, and never trigger the hand-off or the log twice.
	second, err := c.Resolve(ctx, "user-1", "conv-1", pipeline.ContextExpertContact, false)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.True(t, second.RedirectToContact)
	assert.Len(t, log.Entries(), 2)
}

func TestResolveNeverAwaited(t *testing.T) {
	c := newTestCoordinator(nil, nil)

	_, err := c.Resolve(context.Background(), "user-1", "conv-1", pipeline.ContextExpertContact, true)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrApprovalNotFound))
}

func TestResolveUnknownContextTag(t *testing.T) {
	c := newTestCoordinator(nil, nil)
	c.Await("conv-1", pipeline.ContextExpertContact)

	_, err := c.Resolve(context.Background(), "user-1", "conv-1", "other_context", true)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrApprovalNotFound))
}

func TestResolveNonOwner(t *testing.T) {
	log := &testMessageLog{}
	ownership := &testOwnership{ownsFn: func(userID, conversationID string) (bool, error) {
		return userID == "owner", nil
	}}
	c := newTestCoordinator(log, ownership)
	ctx := context.Background()

	c.Await("conv-1", pipeline.ContextExpertContact)

	_, err := c.Resolve(ctx, "intruder", "conv-1", pipeline.ContextExpertContact, true)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrUnauthorized))
	assert.Empty(t, log.Entries(), "no message may be emitted for a non-owner")

	// The pair is still resolvable by the real owner.
	decision, err := c.Resolve(ctx, "owner", "conv-1", pipeline.ContextExpertContact, true)
	require.NoError(t, err)
	assert.True(t, decision.RedirectToContact)
}

func TestOfferExpiresAfterTTL(t *testing.T) {
	c := pipeline.NewCoordinator(&testMessageLog{}, &testOwnership{}, 10*time.Millisecond, nil, zap.NewNop())
	ctx := context.Background()

	c.Await("conv-1", pipeline.ContextExpertContact)
	time.Sleep(30 * time.Millisecond)

	// An unresolved offer stops being resolvable once the ttl passes,
	// even with no intervening Await to trigger cleanup.
	_, err := c.Resolve(ctx, "user-1", "conv-1", pipeline.ContextExpertContact, true)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrApprovalNotFound))
}

func TestResolvedOfferExpiresAfterTTL(t *testing.T) {
	c := pipeline.NewCoordinator(&testMessageLog{}, &testOwnership{}, 10*time.Millisecond, nil, zap.NewNop())
	ctx := context.Background()

	c.Await("conv-1", pipeline.ContextExpertContact)
	_, err := c.Resolve(ctx, "user-1", "conv-1", pipeline.ContextExpertContact, true)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	// The idempotent-replay window closes with the offer's ttl; resolved
	// entries do not linger past it.
	_, err = c.Resolve(ctx, "user-1", "conv-1", pipeline.ContextExpertContact, true)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrApprovalNotFound))
}

func TestFreshCycleReplacesResolvedState(t *testing.T) {
	c := newTestCoordinator(nil, nil)
	ctx := context.Background()

	c.Await("conv-1", pipeline.ContextExpertContact)
	first, err := c.Resolve(ctx, "user-1", "conv-1", pipeline.ContextExpertContact, false)
	require.NoError(t, err)
	assert.False(t, first.RedirectToContact)

	// A new follow-up cycle produces a fresh AwaitingApproval instance.
	c.Await("conv-1", pipeline.ContextExpertContact)
	second, err := c.Resolve(ctx, "user-1", "conv-1", pipeline.ContextExpertContact, true)
	require.NoError(t, err)
	assert.True(t, second.RedirectToContact)
}
