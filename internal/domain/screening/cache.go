package screening

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const rangeCachePrefix = "labflag:ranges:"

// CachedRangeStore is a read-through Redis cache in front of a RangeStore.
// Redis failures are logged and the lookup falls through to the store.
type CachedRangeStore struct {
	next    RangeStore
	rdb     redis.UniversalClient
	ttl     time.Duration
	logger  zerolog.Logger
	metrics *Metrics
}

func NewCachedRangeStore(next RangeStore, rdb redis.UniversalClient, ttl time.Duration, logger zerolog.Logger, m *Metrics) *CachedRangeStore {
	return &CachedRangeStore{
		next:    next,
		rdb:     rdb,
		ttl:     ttl,
		logger:  logger.With().Str("component", "range_cache").Logger(),
		metrics: m,
	}
}

// rangeCacheKey encodes the lookup arguments. Unknown age and gender get
// their own marker so they never collide with a real value.
func rangeCacheKey(code, unit string, age *int, gender *string) string {
	var b strings.Builder
	b.WriteString(rangeCachePrefix)
	b.WriteString(strconv.Quote(code))
	b.WriteByte(':')
	b.WriteString(strconv.Quote(unit))
	b.WriteByte(':')
	if age != nil {
		b.WriteString(strconv.Itoa(*age))
	} else {
		b.WriteByte('-')
	}
	b.WriteByte(':')
	if gender != nil {
		b.WriteString(strconv.Quote(*gender))
	} else {
		b.WriteByte('-')
	}
	return b.String()
}

func (c *CachedRangeStore) Lookup(ctx context.Context, code, unit string, age *int, gender *string) ([]MetricDefinition, error) {
	key := rangeCacheKey(code, unit, age, gender)

	data, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached []MetricDefinition
		if jerr := json.Unmarshal(data, &cached); jerr == nil {
			c.metrics.cacheAccess(true)
			return cached, nil
		}
		c.logger.Warn().Str("key", key).Msg("discarding undecodable cache entry")
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}
	c.metrics.cacheAccess(false)

	defs, err := c.next.Lookup(ctx, code, unit, age, gender)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(defs); err == nil {
		if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
		}
	}
	return defs, nil
}

// Invalidate drops every cached lookup. It is called after metric
// definitions change.
func (c *CachedRangeStore) Invalidate(ctx context.Context) (int64, error) {
	var deleted int64
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, rangeCachePrefix+"*", 100).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return deleted, err
			}
			deleted += int64(len(keys))
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}
