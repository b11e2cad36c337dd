package messagelog

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voltmark/marketflow/config"
	"github.com/voltmark/marketflow/types"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	cfg := config.DefaultDatabaseConfig()
	cfg.Driver = "sqlite"
	cfg.DSN = ":memory:"

	log, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	cfg := config.DefaultDatabaseConfig()
	cfg.Driver = "oracle"

	_, err := New(cfg, zap.NewNop())
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
}

func TestEnsureConversationAndOwns(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, log.EnsureConversation(ctx, "conv-1", "user-1"))

	owns, err := log.Owns(ctx, "user-1", "conv-1")
	require.NoError(t, err)
	assert.True(t, owns)

	owns, err = log.Owns(ctx, "user-2", "conv-1")
	require.NoError(t, err)
	assert.False(t, owns)

	// Unknown conversations are owned by nobody.
	owns, err = log.Owns(ctx, "user-1", "conv-missing")
	require.NoError(t, err)
	assert.False(t, owns)
}

func TestEnsureConversationKeepsFirstOwner(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, log.EnsureConversation(ctx, "conv-1", "user-1"))
	require.NoError(t, log.EnsureConversation(ctx, "conv-1", "user-2"))

	owns, err := log.Owns(ctx, "user-1", "conv-1")
	require.NoError(t, err)
	assert.True(t, owns, "a second ensure must not steal the conversation")
}

func TestAppendAndMessages(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, log.EnsureConversation(ctx, "conv-1", "user-1"))
	require.NoError(t, log.Append(ctx, "conv-1", "user", "What is the BESS capacity in Italy?"))
	require.NoError(t, log.Append(ctx, "conv-1", "assistant", "That data is not available."))
	require.NoError(t, log.Append(ctx, "conv-2", "user", "unrelated"))

	records, err := log.Messages(ctx, "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "user", records[0].Sender)
	assert.Equal(t, "assistant", records[1].Sender)
	assert.Equal(t, "That data is not available.", records[1].Content)

	limited, err := log.Messages(ctx, "conv-1", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "user", limited[0].Sender)
}

func TestConversationsListsOwnedOnly(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, log.EnsureConversation(ctx, fmt.Sprintf("conv-%d", i), "user-1"))
	}
	require.NoError(t, log.EnsureConversation(ctx, "conv-other", "user-2"))

	convs, err := log.Conversations(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, convs, 3)
	for _, c := range convs {
		assert.Equal(t, "user-1", c.UserID)
	}
}
