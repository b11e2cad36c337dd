package session

import (
	"context"
	"sync"
	"time"

	"github.com/voltmark/marketflow/types"
)

// MemoryStore is an in-memory Store for tests and local development.
// It must be selected explicitly; the pipeline never falls back to it
// when the durable store is unreachable.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
}

type memorySession struct {
	mu        sync.Mutex
	createdAt time.Time
	turns     []types.Turn
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession)}
}

func (s *MemoryStore) session(key Key) *memorySession {
	encoded := key.Encode()

	s.mu.RLock()
	sess, ok := s.sessions[encoded]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok = s.sessions[encoded]; ok {
		return sess
	}
	sess = &memorySession{createdAt: time.Now().UTC()}
	s.sessions[encoded] = sess
	return sess
}

// GetOrCreate returns the session bound to key, creating it on first use.
func (s *MemoryStore) GetOrCreate(ctx context.Context, key Key) (*Session, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	sess := s.session(key)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return &Session{Key: key, CreatedAt: sess.createdAt, Turns: len(sess.turns)}, nil
}

// Append adds one turn to the session's history. Appends to the same key
// are serialized by the per-session mutex; different keys never contend.
func (s *MemoryStore) Append(ctx context.Context, key Key, turn types.Turn) error {
	if err := key.Validate(); err != nil {
		return err
	}

	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	turn.AgentType = key.AgentType

	sess := s.session(key)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.turns = append(sess.turns, turn)
	return nil
}

// History returns up to limit most recent turns in append order.
func (s *MemoryStore) History(ctx context.Context, key Key, limit int) ([]types.Turn, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	sess := s.session(key)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	turns := sess.turns
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}

	out := make([]types.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
