package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/tlammers/skyfeed/internal/domain"
)

// Cache entries expire some margin after their validity window so stale
// data stays available for degraded-mode reads.
const cacheExpiryMargin = 24 * time.Hour

func cacheKey(topic domain.Topic) string {
	return "cache:" + string(topic)
}

// CacheStore is the Redis-backed shared topic cache. Read by any process,
// written only by the scheduler through the monotonic rule.
type CacheStore struct {
	rdb     *goredis.Client
	scripts *ScriptRunner
}

func NewCacheStore(rdb *goredis.Client, scripts *ScriptRunner) *CacheStore {
	return &CacheStore{rdb: rdb, scripts: scripts}
}

// Get returns the cached entry for a topic, or domain.ErrNoData on a miss.
func (c *CacheStore) Get(ctx context.Context, topic domain.Topic) (*domain.CacheEntry, error) {
	fields, err := c.rdb.HGetAll(ctx, cacheKey(topic)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, domain.ErrNoData
		}
		return nil, fmt.Errorf("cache get %s: %w", topic, err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrNoData
	}

	fetchedAtMs, err := strconv.ParseInt(fields["fetchedAtMs"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cache get %s: bad fetchedAtMs %q", topic, fields["fetchedAtMs"])
	}
	validUntilMs, err := strconv.ParseInt(fields["validUntilMs"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cache get %s: bad validUntilMs %q", topic, fields["validUntilMs"])
	}

	return &domain.CacheEntry{
		Topic: topic,
		Payload: domain.Payload{
			Body:        []byte(fields["payload"]),
			ContentType: fields["contentType"],
		},
		FetchedAt:  time.UnixMilli(fetchedAtMs),
		ValidUntil: time.UnixMilli(validUntilMs),
	}, nil
}

// SetMonotonic writes the entry unless the stored entry has an equal or
// newer fetchedAt. Returns true if the write was applied.
func (c *CacheStore) SetMonotonic(ctx context.Context, entry domain.CacheEntry) (bool, error) {
	ttl := time.Until(entry.ValidUntil) + cacheExpiryMargin
	if ttl <= 0 {
		ttl = cacheExpiryMargin
	}

	applied, err := c.scripts.SetMonotonic(ctx,
		cacheKey(entry.Topic),
		entry.FetchedAt.UnixMilli(),
		entry.ValidUntil.UnixMilli(),
		entry.Payload.ContentType,
		entry.Payload.Body,
		ttl.Milliseconds(),
	)
	if err != nil {
		return false, fmt.Errorf("cache set %s: %w", entry.Topic, err)
	}
	return applied, nil
}
