package keystore

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rpcfleet/rpc_router/internal/security"
)

const (
	keyPrefix   = "apikey:"
	ownerPrefix = "owner:"
	ratePrefix  = "rate:"

	defaultCacheSize = 10000
	defaultCacheTTL  = 60 * time.Second
)

// chargeScript atomically increments the per-second rate bucket and arms
// its 1-second TTL on first increment. Returns the post-increment count.
// KEYS[1] = rate:{key}:{unix_second}
var chargeScript = goredis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("EXPIRE", KEYS[1], 1)
end
return count
`)

// RedisStore is the Redis-backed KeyStore. Key records live at
// apikey:{key}; rate buckets at rate:{key}:{unix_second} with a 1-second
// TTL so counters reset at wall-second boundaries without cleanup.
type RedisStore struct {
	client goredis.Cmdable
	cache  *Cache
	logger *slog.Logger
	now    func() time.Time
}

var _ KeyStore = (*RedisStore)(nil)

// NewRedisStore connects to the store at redisURL and wraps it with the
// in-process key cache (60 s TTL).
func NewRedisStore(redisURL string, logger *slog.Logger) (*RedisStore, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("keystore: invalid redis url %s: %w", security.MaskRedisURL(redisURL), err)
	}
	return NewRedisStoreWithClient(goredis.NewClient(opts), logger)
}

// NewRedisStoreWithClient wraps an existing client. The client must be a
// connected *goredis.Client or *goredis.ClusterClient.
func NewRedisStoreWithClient(client goredis.Cmdable, logger *slog.Logger) (*RedisStore, error) {
	cache, err := NewCache(defaultCacheSize, defaultCacheTTL)
	if err != nil {
		return nil, err
	}
	return &RedisStore{
		client: client,
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}, nil
}

// RecordKey returns the Redis hash key for an API key record.
func RecordKey(key string) string {
	return keyPrefix + key
}

// OwnerKey returns the Redis set key holding an owner's API keys.
func OwnerKey(owner string) string {
	return ownerPrefix + owner
}

func rateKey(key string, unixSecond int64) string {
	return ratePrefix + key + ":" + strconv.FormatInt(unixSecond, 10)
}

// ValidateKey implements the validate-and-charge contract: cache probe,
// remote fetch on miss, then the atomic rate charge. A cache hit skips
// the KeyInfo fetch but never the charge.
func (s *RedisStore) ValidateKey(ctx context.Context, key string) Result {
	info, hit := s.cache.Get(key)
	if hit {
		if info == nil || !info.Active {
			return invalid()
		}
	} else {
		fetched, err := s.fetchKeyInfo(ctx, key)
		if err != nil {
			return storeError(err)
		}
		if fetched == nil || !fetched.Active {
			// Negative entries are cached too: a bad key hammering the
			// proxy must not hammer the store.
			s.cache.Set(key, nil)
			return invalid()
		}
		s.cache.Set(key, fetched)
		info = fetched
	}

	if info.RateLimitRPS > 0 {
		allowed, err := s.chargeRateLimit(ctx, key, info.RateLimitRPS)
		if err != nil {
			return storeError(err)
		}
		if !allowed {
			return rateLimited()
		}
	}

	return valid(info)
}

func (s *RedisStore) fetchKeyInfo(ctx context.Context, key string) (*KeyInfo, error) {
	fields, err := s.client.HGetAll(ctx, RecordKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("keystore: fetch key record: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	info := &KeyInfo{
		Owner:  fields["owner"],
		Active: fields["active"] != "false",
	}
	if raw, ok := fields["rate_limit_rps"]; ok && raw != "" {
		rps, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("keystore: decode rate_limit_rps for %s: %w", security.MaskAPIKey(key), err)
		}
		info.RateLimitRPS = rps
	}
	if raw, ok := fields["created_at"]; ok && raw != "" {
		createdAt, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("keystore: decode created_at for %s: %w", security.MaskAPIKey(key), err)
		}
		info.CreatedAt = createdAt
	}

	return info, nil
}

func (s *RedisStore) chargeRateLimit(ctx context.Context, key string, limit int) (bool, error) {
	bucket := rateKey(key, s.now().Unix())

	count, err := chargeScript.Run(ctx, s.client, []string{bucket}).Int64()
	if err != nil {
		return false, fmt.Errorf("keystore: charge rate bucket: %w", err)
	}

	if count > int64(limit) {
		s.logger.Debug("API key rate limited",
			"key", security.MaskAPIKey(key),
			"count", count,
			"limit", limit,
		)
		return false, nil
	}
	return true, nil
}
