package rewards

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers dispatched keys. Claim reports whether key is new and
// records it in the same step.
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
}

// MemoryDeduper keeps keys for the life of the process. With a positive
// capacity the oldest key is forgotten first.
type MemoryDeduper struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	order    []string
	capacity int
}

func NewMemoryDeduper(capacity int) *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]struct{}), capacity: capacity}
}

func (m *MemoryDeduper) Claim(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.seen[key]; ok {
		return false, nil
	}
	m.seen[key] = struct{}{}
	if m.capacity > 0 {
		m.order = append(m.order, key)
		for len(m.order) > m.capacity {
			delete(m.seen, m.order[0])
			m.order = m.order[1:]
		}
	}
	return true, nil
}

// Len is the number of remembered keys.
func (m *MemoryDeduper) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

// Reserver is the ledger operation LedgerDeduper needs.
type Reserver interface {
	Reserve(ctx context.Context, key, note string) (bool, error)
}

// LedgerDeduper persists keys in the idempotency table, so they survive restarts.
type LedgerDeduper struct {
	ledger Reserver
}

func NewLedgerDeduper(ledger Reserver) *LedgerDeduper {
	return &LedgerDeduper{ledger: ledger}
}

func (l *LedgerDeduper) Claim(ctx context.Context, key string) (bool, error) {
	first, err := l.ledger.Reserve(ctx, "reward:"+key, "reward dispatched")
	if err != nil {
		return false, fmt.Errorf("reserve reward key %s: %w", key, err)
	}
	return first, nil
}

// SetNXer is the redis command RedisDeduper needs.
type SetNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisDeduper shares keys between orchestrator replicas; they expire after ttl.
type RedisDeduper struct {
	rdb SetNXer
	ttl time.Duration
}

func NewRedisDeduper(rdb SetNXer, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{rdb: rdb, ttl: ttl}
}

func (r *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	first, err := r.rdb.SetNX(ctx, fmt.Sprintf("reward:%s", key), time.Now().UTC().Format(time.RFC3339), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return first, nil
}
