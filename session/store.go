package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/voltmark/marketflow/config"
	"github.com/voltmark/marketflow/types"
)

// Key identifies one scoped session.
type Key struct {
	ConversationID string
	// AgentType is the stable identifier of the agent variant ("market",
	// "news", ...). An empty AgentType is permitted for legacy ungrouped
	// sessions but forfeits isolation; it is an escape hatch, not the
	// default path.
	AgentType string
}

// NewKey builds a scoped session key.
func NewKey(conversationID, agentType string) Key {
	return Key{ConversationID: conversationID, AgentType: agentType}
}

// Validate checks that the key can address a session.
func (k Key) Validate() error {
	if k.ConversationID == "" {
		return types.NewError(types.ErrInvalidRequest, "session key requires a conversation id")
	}
	return nil
}

// Encode renders the key in its storage form. Two keys with the same
// conversation but different agent types always encode to different
// strings, which is what keeps their histories disjoint.
func (k Key) Encode() string {
	if k.AgentType == "" {
		return k.ConversationID
	}
	return k.ConversationID + "_" + k.AgentType
}

// Session is the metadata handle for one scoped turn history.
type Session struct {
	Key       Key       `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	Turns     int       `json:"turns"`
}

// Store is the durable session store.
//
// GetOrCreate with an unreachable backend fails with STORAGE_UNAVAILABLE;
// callers must not fall back to an in-memory session, which would break
// durability across process restarts. Concurrent appends to the same key
// are serialized by the store; appends to different keys never block each
// other.
type Store interface {
	// GetOrCreate returns the session bound to key, creating it on first use.
	GetOrCreate(ctx context.Context, key Key) (*Session, error)

	// Append adds one turn to the session's history.
	Append(ctx context.Context, key Key, turn types.Turn) error

	// History returns up to limit most recent turns in append order.
	// limit <= 0 returns the full history.
	History(ctx context.Context, key Key, limit int) ([]types.Turn, error)

	// Close releases store resources.
	Close() error
}

// Store backend names accepted by NewStore.
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// NewStore selects the Store implementation by name. The empty string and
// "redis" give the durable store; a connection failure is returned to the
// caller, never papered over with an in-memory fallback. "memory" is
// non-durable and must be asked for explicitly.
func NewStore(kind string, cfg config.RedisConfig, logger *zap.Logger) (Store, error) {
	switch kind {
	case "", StoreRedis:
		return NewRedisStore(cfg, logger)
	case StoreMemory:
		return NewMemoryStore(), nil
	default:
		return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("unknown session store %q", kind))
	}
}
