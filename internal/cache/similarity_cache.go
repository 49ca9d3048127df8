package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"fashion-similarity/internal/embedding"
)

// SimilarityCache memoizes by-product similarity results. Keys carry the
// index version, so any index mutation makes earlier entries unreachable and
// they simply expire.
type SimilarityCache struct {
	client *redisv9.Client
	ttl    time.Duration
}

func NewSimilarityCache(client *redisv9.Client, ttl time.Duration) *SimilarityCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &SimilarityCache{client: client, ttl: ttl}
}

func (c *SimilarityCache) Get(ctx context.Context, version string, productID int64, opts embedding.QueryOptions) ([]embedding.Match, bool, error) {
	raw, err := c.client.Get(ctx, c.key(version, productID, opts)).Bytes()
	if err == redisv9.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get similar failed: %w", err)
	}

	var matches []embedding.Match
	if err := json.Unmarshal(raw, &matches); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached similar failed: %w", err)
	}
	return matches, true, nil
}

func (c *SimilarityCache) Set(ctx context.Context, version string, productID int64, opts embedding.QueryOptions, matches []embedding.Match) error {
	payload, err := json.Marshal(matches)
	if err != nil {
		return fmt.Errorf("marshal similar cache failed: %w", err)
	}
	if err := c.client.Set(ctx, c.key(version, productID, opts), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set similar failed: %w", err)
	}
	return nil
}

func (c *SimilarityCache) key(version string, productID int64, opts embedding.QueryOptions) string {
	threshold := "none"
	if opts.ScoreThreshold != nil {
		threshold = strconv.FormatFloat(*opts.ScoreThreshold, 'g', -1, 64)
	}
	return fmt.Sprintf("similar:%s:%d:%d:%s", version, productID, opts.TopN, threshold)
}
