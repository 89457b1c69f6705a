package identity

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CachePrefix is the Redis key prefix for cached identity records.
const CachePrefix = "identity:"

// CachedStore is a read-through Redis cache in front of another Store.
// Misses and "not found" answers are never cached, and a Redis outage
// degrades to direct lookups.
type CachedStore struct {
	next   Store
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

type cachedRecord struct {
	ID          string `redis:"id"`
	DisplayName string `redis:"name"`
}

// NewCachedStore wraps next with a cache whose entries live for ttl.
func NewCachedStore(next Store, client *redis.Client, ttl time.Duration, log zerolog.Logger) *CachedStore {
	return &CachedStore{
		next:   next,
		client: client,
		ttl:    ttl,
		log:    log.With().Str("component", "identity_cache").Logger(),
	}
}

func cacheKey(kind Kind, id string) string {
	return CachePrefix + string(kind) + ":" + id
}

// LookupIdentity implements Store.
func (c *CachedStore) LookupIdentity(ctx context.Context, kind Kind, id string) (Record, error) {
	key := cacheKey(kind, id)

	var cached cachedRecord
	if err := c.client.HGetAll(ctx, key).Scan(&cached); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
	} else if cached.ID != "" {
		return Record{ID: cached.ID, DisplayName: cached.DisplayName}, nil
	}

	rec, err := c.next.LookupIdentity(ctx, kind, id)
	if err != nil {
		return Record{}, err
	}

	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, "id", rec.ID, "name", rec.DisplayName)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
	return rec, nil
}
