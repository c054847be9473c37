package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	scores sync.Map // subjectID → *Score
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (m *MemoryCache) Get(ctx context.Context, subjectID string) (*Score, bool, error) {
	v, ok := m.scores.Load(subjectID)
	if !ok {
		return nil, false, nil
	}
	return copyScore(v.(*Score)), true, nil
}

func (m *MemoryCache) Set(ctx context.Context, score *Score) error {
	m.scores.Store(score.SubjectID, copyScore(score))
	return nil
}

func (m *MemoryCache) Delete(ctx context.Context, subjectID string) error {
	m.scores.Delete(subjectID)
	return nil
}

// redisGrace keeps a stale score around a little longer than its stale
// time so audit reads can still see it.
const redisGrace = 10 * time.Minute

// RedisCache stores scores as JSON under rg:score:{subject}.
type RedisCache struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client, now: time.Now}
}

func scoreKey(subjectID string) string {
	return "rg:score:" + subjectID
}

func (c *RedisCache) Get(ctx context.Context, subjectID string) (*Score, bool, error) {
	raw, err := c.client.Get(ctx, scoreKey(subjectID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cached score: %w", err)
	}
	var s Score
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached score: %w", err)
	}
	return &s, true, nil
}

func (c *RedisCache) Set(ctx context.Context, score *Score) error {
	raw, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("failed to encode score: %w", err)
	}
	ttl := score.StaleAfter.Sub(c.now()) + redisGrace
	if ttl < redisGrace {
		ttl = redisGrace
	}
	if err := c.client.Set(ctx, scoreKey(score.SubjectID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache score: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, subjectID string) error {
	if err := c.client.Del(ctx, scoreKey(subjectID)).Err(); err != nil {
		return fmt.Errorf("failed to delete cached score: %w", err)
	}
	return nil
}

func copyScore(s *Score) *Score {
	c := *s
	if s.Factors != nil {
		c.Factors = make(map[string]int, len(s.Factors))
		for k, v := range s.Factors {
			c.Factors[k] = v
		}
	}
	return &c
}
