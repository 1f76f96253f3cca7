package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/agrocache/pkg/pool"
)

// Redis key layout for the durable tier.
const (
	// RedisKeyPrefix prefixes the hash holding one entry
	RedisKeyPrefix = "agro:cache:entry:"

	// RedisKeyExpiryIndex is the sorted set of fingerprints scored by expires_at (unix ms)
	RedisKeyExpiryIndex = "agro:cache:expires_at"
)

const redisCleanupBatch = 500

// deleteExpiredScript selects and removes one batch of expired fingerprints
// atomically. A fingerprint re-saved with a later expiry is not selected.
//
// KEYS[1] expiry index, ARGV[1] max score, ARGV[2] batch size, ARGV[3] entry key prefix.
var deleteExpiredScript = redis.NewScript(`
local fps = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, fp in ipairs(fps) do
	redis.call('DEL', ARGV[3] .. fp)
	redis.call('ZREM', KEYS[1], fp)
end
return #fps
`)

// Hash fields of a stored entry.
const (
	fieldEntityID  = "entity_id"
	fieldIdentity  = "identity_metadata"
	fieldPayload   = "payload"
	fieldCreatedAt = "created_at"
	fieldExpiresAt = "expires_at"
)

// RedisConfig configures the Redis durable tier.
type RedisConfig struct {
	// MaxIdle and MaxOpen bound the connection pool (see pool.Config)
	MaxIdle int
	MaxOpen int
}

// RedisStore persists cache entries as Redis hashes, one per fingerprint,
// with a sorted-set index on expiry.
type RedisStore struct {
	pool   *pool.Pool[*redis.Conn]
	logger zerolog.Logger
}

// NewRedisStore creates a store that checks dedicated connections out of
// redisClient through a pool.Pool.
func NewRedisStore(redisClient *redis.Client, cfg RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}

	p, err := pool.New(pool.Config[*redis.Conn]{
		Name:    "redis",
		MaxIdle: cfg.MaxIdle,
		MaxOpen: cfg.MaxOpen,
		Dial: func(ctx context.Context) (*redis.Conn, error) {
			conn := redisClient.Conn()
			if err := conn.Ping(ctx).Err(); err != nil {
				_ = conn.Close()
				return nil, err
			}
			return conn, nil
		},
		Close: func(c *redis.Conn) error {
			return c.Close()
		},
	})
	if err != nil {
		return nil, err
	}

	return &RedisStore{
		pool:   p,
		logger: logger,
	}, nil
}

// Load returns the unexpired entry for fingerprint or ErrCacheMiss.
func (s *RedisStore) Load(ctx context.Context, fingerprint string, now time.Time) (*Entry, error) {
	var fields map[string]string
	err := s.with(ctx, func(c *redis.Conn) error {
		var err error
		fields, err = c.HGetAll(ctx, RedisKeyPrefix+fingerprint).Result()
		if err != nil {
			return fmt.Errorf("redis hgetall: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrCacheMiss
	}

	createdAt, err := parseUnixNano(fields[fieldCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("%w: created_at: %v", ErrInvalidEntry, err)
	}
	expiresAt, err := parseUnixNano(fields[fieldExpiresAt])
	if err != nil {
		return nil, fmt.Errorf("%w: expires_at: %v", ErrInvalidEntry, err)
	}
	if !expiresAt.After(now) {
		return nil, ErrCacheMiss
	}

	return &Entry{
		Fingerprint: fingerprint,
		EntityID:    fields[fieldEntityID],
		Identity:    []byte(fields[fieldIdentity]),
		Payload:     []byte(fields[fieldPayload]),
		CreatedAt:   createdAt,
		ExpiresAt:   expiresAt,
	}, nil
}

// Save replaces the hash for entry.Fingerprint and indexes its expiry.
func (s *RedisStore) Save(ctx context.Context, entry Entry) error {
	key := RedisKeyPrefix + entry.Fingerprint

	return s.with(ctx, func(c *redis.Conn) error {
		_, err := c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key,
				fieldEntityID, entry.EntityID,
				fieldIdentity, string(entry.Identity),
				fieldPayload, string(entry.Payload),
				fieldCreatedAt, strconv.FormatInt(entry.CreatedAt.UnixNano(), 10),
				fieldExpiresAt, strconv.FormatInt(entry.ExpiresAt.UnixNano(), 10),
			)
			pipe.PExpireAt(ctx, key, entry.ExpiresAt)
			pipe.ZAdd(ctx, RedisKeyExpiryIndex, redis.Z{
				Score:  float64(entry.ExpiresAt.UnixMilli()),
				Member: entry.Fingerprint,
			})
			return nil
		})
		if err != nil {
			return fmt.Errorf("redis save entry: %w", err)
		}
		return nil
	})
}

// DeleteExpired removes entries indexed with an expiry not after now.
func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	maxScore := strconv.FormatInt(now.UnixMilli(), 10)
	var deleted int64

	err := s.with(ctx, func(c *redis.Conn) error {
		for {
			n, err := deleteExpiredScript.Run(ctx, c,
				[]string{RedisKeyExpiryIndex},
				maxScore, redisCleanupBatch, RedisKeyPrefix,
			).Int64()
			if err != nil {
				return fmt.Errorf("redis delete expired: %w", err)
			}
			deleted += n

			if n < redisCleanupBatch {
				return nil
			}
		}
	})
	if err != nil {
		return deleted, err
	}

	if deleted > 0 {
		s.logger.Debug().Int64("deleted", deleted).Msg("Deleted expired cache entries")
	}
	return deleted, nil
}

// Ping checks that a connection can be acquired and used.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.with(ctx, func(c *redis.Conn) error {
		return c.Ping(ctx).Err()
	})
}

// Close closes idle pooled connections. The underlying client is owned by the caller.
func (s *RedisStore) Close() error {
	return s.pool.Close()
}

// PoolStats exposes the connection pool counters.
func (s *RedisStore) PoolStats() pool.Stats {
	return s.pool.Stats()
}

// with runs fn on a pooled connection. Errors that are not Redis server
// replies are treated as connection failures so the handle is discarded.
func (s *RedisStore) with(ctx context.Context, fn func(*redis.Conn) error) error {
	return s.pool.With(ctx, func(c *redis.Conn) error {
		err := fn(c)
		if err == nil || errors.Is(err, redis.Nil) {
			return err
		}
		var replyErr redis.Error
		if errors.As(err, &replyErr) {
			return err
		}
		return &pool.ConnectionError{Pool: s.pool.Name(), Err: err}
	})
}

func parseUnixNano(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n), nil
}

var _ Store = (*RedisStore)(nil)
