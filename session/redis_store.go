package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/voltmark/marketflow/config"
	"github.com/voltmark/marketflow/types"
)

// RedisStore is the durable Store implementation backed by Redis.
//
// Turn history lives in a Redis list per encoded key, so concurrent
// appends to the same session are serialized by Redis itself while
// appends to different sessions proceed independently.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisStore creates a Redis-backed session store and verifies the
// connection.
func NewRedisStore(cfg config.RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, types.NewError(types.ErrStorageUnavailable, "failed to connect to redis").WithCause(err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "marketflow:"
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix + "session:",
		logger:    logger.With(zap.String("component", "session_store")),
	}, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storageErr("redis ping failed", err)
	}
	return nil
}

// metaKey returns the Redis key for session metadata.
func (s *RedisStore) metaKey(key Key) string {
	return s.keyPrefix + "meta:" + key.Encode()
}

// turnsKey returns the Redis key for a session's turn list.
func (s *RedisStore) turnsKey(key Key) string {
	return s.keyPrefix + "turns:" + key.Encode()
}

// GetOrCreate returns the session bound to key, creating it on first use.
func (s *RedisStore) GetOrCreate(ctx context.Context, key Key) (*Session, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	created := time.Now().UTC()
	set, err := s.client.SetNX(ctx, s.metaKey(key), created.Format(time.RFC3339Nano), 0).Result()
	if err != nil {
		return nil, storageErr("failed to create session", err)
	}

	if set {
		s.logger.Info("session created",
			zap.String("conversation_id", key.ConversationID),
			zap.String("agent_type", key.AgentType),
		)
	} else {
		raw, err := s.client.Get(ctx, s.metaKey(key)).Result()
		if err != nil && err != redis.Nil {
			return nil, storageErr("failed to load session", err)
		}
		if ts, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
			created = ts
		}
	}

	turns, err := s.client.LLen(ctx, s.turnsKey(key)).Result()
	if err != nil {
		return nil, storageErr("failed to count turns", err)
	}

	return &Session{Key: key, CreatedAt: created, Turns: int(turns)}, nil
}

// Append adds one turn to the session's history.
func (s *RedisStore) Append(ctx context.Context, key Key, turn types.Turn) error {
	if err := key.Validate(); err != nil {
		return err
	}

	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	turn.AgentType = key.AgentType

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.SetNX(ctx, s.metaKey(key), turn.CreatedAt.Format(time.RFC3339Nano), 0)
	pipe.RPush(ctx, s.turnsKey(key), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr("failed to append turn", err)
	}

	return nil
}

// History returns up to limit most recent turns in append order.
func (s *RedisStore) History(ctx context.Context, key Key, limit int) ([]types.Turn, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}

	raw, err := s.client.LRange(ctx, s.turnsKey(key), start, -1).Result()
	if err != nil {
		return nil, storageErr("failed to read history", err)
	}

	turns := make([]types.Turn, 0, len(raw))
	for _, item := range raw {
		var turn types.Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			s.logger.Warn("skipping corrupt turn", zap.Error(err))
			continue
		}
		turns = append(turns, turn)
	}

	return turns, nil
}

func storageErr(msg string, cause error) error {
	return types.NewError(types.ErrStorageUnavailable, msg).WithCause(cause).WithRetryable(true)
}

// Ensure RedisStore implements Store.
var _ Store = (*RedisStore)(nil)
