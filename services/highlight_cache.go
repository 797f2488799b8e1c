package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pdfchat-platform/models"

	"github.com/redis/go-redis/v9"
)

const highlightKeyPrefix = "highlight:"

// RedisHighlightCache keeps serialized citations under highlight:<chunkID>.
type RedisHighlightCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisHighlightCache(client *redis.Client, ttl time.Duration) *RedisHighlightCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisHighlightCache{client: client, ttl: ttl}
}

func (c *RedisHighlightCache) GetMany(ctx context.Context, chunkIDs []string) (map[string]models.Citation, error) {
	out := make(map[string]models.Citation, len(chunkIDs))
	if len(chunkIDs) == 0 {
		return out, nil
	}

	keys := make([]string, len(chunkIDs))
	for i, id := range chunkIDs {
		keys[i] = highlightKeyPrefix + id
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return out, fmt.Errorf("highlight cache mget: %w", err)
	}

	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var citation models.Citation
		if err := json.Unmarshal([]byte(raw), &citation); err != nil {
			continue
		}
		out[chunkIDs[i]] = citation
	}
	return out, nil
}

func (c *RedisHighlightCache) SetMany(ctx context.Context, citations []models.Citation) error {
	if len(citations) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for _, citation := range citations {
		raw, err := json.Marshal(citation)
		if err != nil {
			return err
		}
		pipe.Set(ctx, highlightKeyPrefix+citation.ChunkID, raw, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("highlight cache set: %w", err)
	}
	return nil
}
