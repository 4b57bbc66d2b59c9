package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"retail-insights/internal/common/database"
	"retail-insights/internal/common/logger"
	"retail-insights/internal/common/metrics"
)

// AnswerCache stores fully answered payloads keyed by the question text.
// Only status=answered payloads are cached; clarifications, rejections, and
// errors always re-evaluate. Cache failures degrade to a miss, never to a
// request failure.
type AnswerCache struct {
	redis  *database.RedisClient
	ttl    time.Duration
	logger logger.Logger
}

func NewAnswerCache(rdb *database.RedisClient, ttl time.Duration, log logger.Logger) *AnswerCache {
	return &AnswerCache{redis: rdb, ttl: ttl, logger: log}
}

// Key derives the cache key from the normalized question and dataset hint.
// Questions differing only in case or surrounding whitespace share an entry.
func (c *AnswerCache) Key(question, datasetHint string) string {
	h := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(question)) + "|" + strings.ToLower(datasetHint)))
	return "answer:" + hex.EncodeToString(h[:])
}

// Get returns the cached payload for the question, or nil on miss.
func (c *AnswerCache) Get(ctx context.Context, question, datasetHint string) *AnswerPayload {
	raw, err := c.redis.Get(ctx, c.Key(question, datasetHint))
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("answer cache read failed", map[string]interface{}{"error": err.Error()})
		}
		metrics.AnswerCacheHits.WithLabelValues("miss").Inc()
		return nil
	}

	var payload AnswerPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		c.logger.Warn("answer cache entry corrupt", map[string]interface{}{"error": err.Error()})
		metrics.AnswerCacheHits.WithLabelValues("miss").Inc()
		return nil
	}

	metrics.AnswerCacheHits.WithLabelValues("hit").Inc()
	payload.Cached = true
	return &payload
}

// Put stores an answered payload. Best effort.
func (c *AnswerCache) Put(ctx context.Context, question, datasetHint string, payload *AnswerPayload) {
	if payload.Status != StatusAnswered {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, c.Key(question, datasetHint), string(raw), c.ttl); err != nil {
		c.logger.Warn("answer cache write failed", map[string]interface{}{"error": err.Error()})
	}
}
