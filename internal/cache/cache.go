/**
 * @description
 * User profile cache. Entries are keyed by user id and expire after a short TTL.
 * The cache only saves a database round trip on hot paths; wallet balances read
 * from it must never drive a ledger decision.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: Shared cache across replicas when Redis is configured.
 */
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/zidewell/zidwell-team-sub003/internal/domain"
)

const DefaultUserTTL = 2 * time.Minute

// UserCache stores user profiles for a bounded time.
type UserCache interface {
	Get(ctx context.Context, userID uuid.UUID) (*domain.User, bool)
	Set(ctx context.Context, user *domain.User)
	Invalidate(ctx context.Context, userID uuid.UUID)
}

// RedisUserCache keeps profiles as JSON under "<namespace>:<user id>".
type RedisUserCache struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration
}

func NewRedisUserCache(client redis.UniversalClient, namespace string, ttl time.Duration) *RedisUserCache {
	namespace = strings.TrimSuffix(strings.TrimSpace(namespace), ":")
	if namespace == "" {
		namespace = "zidwell:user"
	}
	if ttl <= 0 {
		ttl = DefaultUserTTL
	}
	return &RedisUserCache{client: client, namespace: namespace, ttl: ttl}
}

func (c *RedisUserCache) key(userID uuid.UUID) string {
	return c.namespace + ":" + userID.String()
}

func (c *RedisUserCache) Get(ctx context.Context, userID uuid.UUID) (*domain.User, bool) {
	raw, err := c.client.Get(ctx, c.key(userID)).Bytes()
	if err != nil {
		return nil, false
	}
	var user domain.User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, false
	}
	return &user, true
}

// Set is best effort; a failed write only costs a later cache miss.
func (c *RedisUserCache) Set(ctx context.Context, user *domain.User) {
	if user == nil {
		return
	}
	payload, err := json.Marshal(user)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.key(user.ID), payload, c.ttl).Err()
}

func (c *RedisUserCache) Invalidate(ctx context.Context, userID uuid.UUID) {
	_ = c.client.Del(ctx, c.key(userID)).Err()
}

type memoryEntry struct {
	user      domain.User
	expiresAt time.Time
}

// MemoryUserCache is the process-local fallback used when Redis is not configured.
type MemoryUserCache struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryUserCache(ttl time.Duration) *MemoryUserCache {
	if ttl <= 0 {
		ttl = DefaultUserTTL
	}
	return &MemoryUserCache{
		entries: make(map[uuid.UUID]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryUserCache) Get(_ context.Context, userID uuid.UUID) (*domain.User, bool) {
	c.mu.RLock()
	entry, ok := c.entries[userID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		if current, ok := c.entries[userID]; ok && current.expiresAt.Equal(entry.expiresAt) {
			delete(c.entries, userID)
		}
		c.mu.Unlock()
		return nil, false
	}
	user := entry.user
	return &user, true
}

func (c *MemoryUserCache) Set(_ context.Context, user *domain.User) {
	if user == nil {
		return
	}
	c.mu.Lock()
	c.entries[user.ID] = memoryEntry{user: *user, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *MemoryUserCache) Invalidate(_ context.Context, userID uuid.UUID) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}
