package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const retrievalPrefix = "retrieval:"

// ResultCache stores serialized retrieval results in Redis keyed by a
// digest of the query and its options.
type ResultCache struct {
	redis *RedisClient
	ttl   time.Duration
	log   *logrus.Logger
}

// NewResultCache creates a retrieval result cache with the given TTL.
func NewResultCache(redisClient *RedisClient, ttl time.Duration, logger *logrus.Logger) *ResultCache {
	if logger == nil {
		logger = logrus.New()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ResultCache{
		redis: redisClient,
		ttl:   ttl,
		log:   logger,
	}
}

// Key builds a deterministic cache key from the query, result limit and
// any metadata filters.
func (c *ResultCache) Key(query string, topK int, filters map[string]string) string {
	var sb strings.Builder
	sb.WriteString(query)
	sb.WriteString(fmt.Sprintf("|%d", topK))

	if len(filters) > 0 {
		keys := make([]string, 0, len(filters))
		for k := range filters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString("|")
			sb.WriteString(k)
			sb.WriteString("=")
			sb.WriteString(filters[k])
		}
	}

	digest := sha256.Sum256([]byte(sb.String()))
	return retrievalPrefix + hex.EncodeToString(digest[:])
}

// Get loads a cached result into dest. Returns false on a miss.
func (c *ResultCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	err := c.redis.Get(ctx, key, dest)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read cached result: %w", err)
	}
	return true, nil
}

// Set stores a result under key with the configured TTL.
func (c *ResultCache) Set(ctx context.Context, key string, value interface{}) error {
	if err := c.redis.Set(ctx, key, value, c.ttl); err != nil {
		return fmt.Errorf("failed to cache result: %w", err)
	}
	return nil
}

// InvalidateAll removes every cached retrieval result. Used after
// ingestion or deletion changes the corpus.
func (c *ResultCache) InvalidateAll(ctx context.Context) error {
	keys, err := c.redis.Keys(ctx, retrievalPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to list cached results: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.redis.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("failed to invalidate cached results: %w", err)
	}

	c.log.WithField("count", len(keys)).Debug("Retrieval cache invalidated")
	return nil
}
