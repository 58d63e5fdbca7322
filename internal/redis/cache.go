package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"inventory-ledger/internal/interfaces"
	"inventory-ledger/internal/models"
)

// NewUniversalClient builds a single-node or cluster client from the same settings
func NewUniversalClient(addrs []string, password string, clusterMode bool, poolSize int) redis.UniversalClient {
	if clusterMode {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:          addrs,
			Password:       password,
			MaxRetries:     3,
			PoolSize:       poolSize,
			MinIdleConns:   5,
			PoolTimeout:    30 * time.Second,
			MaxRedirects:   8,
			RouteByLatency: true,
		})
	}

	addr := "localhost:6379"
	if len(addrs) > 0 {
		addr = addrs[0]
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
		PoolSize: poolSize,
	})
}

var setIfGenerationScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[1]) or '0'
if gen ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

var invalidateScript = redis.NewScript(`
redis.call('INCR', KEYS[1])
redis.call('DEL', KEYS[2])
return 1
`)

// AvailabilityCache caches the level rows of a variant. It is only a read
// accelerator; the ledger invalidates it after every commit.
type AvailabilityCache struct {
	client    redis.UniversalClient
	ttl       time.Duration
	keyPrefix string
}

func NewAvailabilityCache(client redis.UniversalClient, ttl time.Duration, keyPrefix string) *AvailabilityCache {
	return &AvailabilityCache{
		client:    client,
		ttl:       ttl,
		keyPrefix: keyPrefix,
	}
}

var _ interfaces.AvailabilityCache = (*AvailabilityCache)(nil)

// GetLevels returns nil, nil on a cache miss
func (c *AvailabilityCache) GetLevels(ctx context.Context, variantID string) ([]models.InventoryLevel, error) {
	val, err := c.client.Get(ctx, c.availabilityKey(variantID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		log.Error().Err(err).Str("variant_id", variantID).Msg("Failed to get levels from cache")
		return nil, fmt.Errorf("failed to get levels from cache: %w", err)
	}

	levels := []models.InventoryLevel{}
	if err := json.Unmarshal([]byte(val), &levels); err != nil {
		log.Error().Err(err).Str("variant_id", variantID).Msg("Failed to unmarshal cached levels")
		return nil, fmt.Errorf("failed to unmarshal cached levels: %w", err)
	}

	log.Debug().Str("variant_id", variantID).Msg("Cache hit for levels")
	return levels, nil
}

// Generation returns the invalidation counter of a variant, 0 if it was never invalidated
func (c *AvailabilityCache) Generation(ctx context.Context, variantID string) (int64, error) {
	gen, err := c.client.Get(ctx, c.generationKey(variantID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read cache generation: %w", err)
	}
	return gen, nil
}

// SetLevels stores levels only while the generation still equals generation
func (c *AvailabilityCache) SetLevels(ctx context.Context, variantID string, generation int64, levels []models.InventoryLevel) (bool, error) {
	if levels == nil {
		levels = []models.InventoryLevel{}
	}
	data, err := json.Marshal(levels)
	if err != nil {
		return false, fmt.Errorf("failed to marshal levels: %w", err)
	}

	stored, err := setIfGenerationScript.Run(ctx, c.client,
		[]string{c.generationKey(variantID), c.availabilityKey(variantID)},
		generation, string(data), c.ttl.Milliseconds()).Int()
	if err != nil {
		log.Error().Err(err).Str("variant_id", variantID).Msg("Failed to set levels in cache")
		return false, fmt.Errorf("failed to set levels in cache: %w", err)
	}

	if stored == 0 {
		log.Debug().Str("variant_id", variantID).Int64("generation", generation).Msg("Skipped stale cache fill")
		return false, nil
	}
	log.Debug().Str("variant_id", variantID).Int("levels", len(levels)).Msg("Cached levels")
	return true, nil
}

// Invalidate drops the cached levels and bumps the generation in one step
func (c *AvailabilityCache) Invalidate(ctx context.Context, variantID string) error {
	err := invalidateScript.Run(ctx, c.client,
		[]string{c.generationKey(variantID), c.availabilityKey(variantID)}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		log.Error().Err(err).Str("variant_id", variantID).Msg("Failed to invalidate cached levels")
		return fmt.Errorf("failed to invalidate cached levels: %w", err)
	}
	return nil
}

// Ping checks if Redis is available
func (c *AvailabilityCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// both keys of a variant share a hash tag so the scripts stay on one cluster slot
func (c *AvailabilityCache) availabilityKey(variantID string) string {
	return fmt.Sprintf("%savailability:{%s}", c.keyPrefix, variantID)
}

func (c *AvailabilityCache) generationKey(variantID string) string {
	return fmt.Sprintf("%savailability:{%s}:gen", c.keyPrefix, variantID)
}
