package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"smartrag/internal/rag/types"
)

// RedisAnswerCache is an optional distributed layer in front of the exact
// match: a shared store that lets multiple smartrag instances serve a
// verbatim-repeat question from Redis before falling through to their own
// local lexical and semantic layers. It never participates in the
// lexical/semantic scoring, only in the exact-key path.
type RedisAnswerCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisAnswerCache builds a distributed answer cache layer. It returns
// nil when addr is empty, meaning the distributed layer is disabled and the
// Cache falls back to purely local layers.
func NewRedisAnswerCache(addr string, ttl time.Duration) *RedisAnswerCache {
	if addr == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	return &RedisAnswerCache{client: client, ttl: ttl}
}

func (r *RedisAnswerCache) key(hashKey string) string {
	return fmt.Sprintf("smartrag:answer:%s", hashKey)
}

// Get fetches a previously stored answer for the given exact-match key.
func (r *RedisAnswerCache) Get(ctx context.Context, hashKey string) (types.Answer, bool) {
	if r == nil || r.client == nil {
		return types.Answer{}, false
	}
	val, err := r.client.Get(ctx, r.key(hashKey)).Bytes()
	if err != nil {
		return types.Answer{}, false
	}
	var ans types.Answer
	if err := json.Unmarshal(val, &ans); err != nil {
		return types.Answer{}, false
	}
	return ans, true
}

// Set stores an answer under the given exact-match key with the cache's
// configured TTL. Failures are swallowed: the distributed layer is a
// best-effort accelerator, never a correctness dependency.
func (r *RedisAnswerCache) Set(ctx context.Context, hashKey string, answer types.Answer) {
	if r == nil || r.client == nil {
		return
	}
	data, err := json.Marshal(answer)
	if err != nil {
		return
	}
	_ = r.client.Set(ctx, r.key(hashKey), data, r.ttl).Err()
}

// Close closes the underlying Redis client connection.
func (r *RedisAnswerCache) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
