package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"inventory-ledger/internal/interfaces"
	"inventory-ledger/internal/models"
)

// Layout, all under one hash slot so the scripts run on a single cluster node:
//
//	<prefix>{resv}:e:<holder|variant|warehouse>  hash: variant warehouse holder qty reserved_at(ms)
//	<prefix>{resv}:by_age                        zset: member -> reserved_at(ms)
//	<prefix>{resv}:h:<holder>                    set of members
//
// Entries never get a Redis TTL: a silently expired hash would leave its
// quantity reserved in the ledger with nothing left to release it.

var upsertScript = redis.NewScript(`
local qty = redis.call('HINCRBY', KEYS[1], 'qty', ARGV[5])
redis.call('HSET', KEYS[1], 'variant', ARGV[2], 'warehouse', ARGV[3], 'holder', ARGV[4], 'reserved_at', ARGV[6])
redis.call('ZADD', KEYS[2], ARGV[6], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
return qty
`)

var releaseScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'qty'))
if not cur then
  return false
end
local at = redis.call('HGET', KEYS[1], 'reserved_at')
local want = tonumber(ARGV[2])
if want >= cur then
  redis.call('DEL', KEYS[1])
  redis.call('ZREM', KEYS[2], ARGV[1])
  redis.call('SREM', KEYS[3], ARGV[1])
  return {cur, at}
end
redis.call('HINCRBY', KEYS[1], 'qty', -want)
return {want, at}
`)

var claimExpiredScript = redis.NewScript(`
local at = redis.call('HGET', KEYS[1], 'reserved_at')
if not at then
  return false
end
if tonumber(at) > tonumber(ARGV[2]) then
  return false
end
local qty = redis.call('HGET', KEYS[1], 'qty')
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[1])
return {qty, at}
`)

var restoreScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('HINCRBY', KEYS[1], 'qty', ARGV[5])
  return 1
end
redis.call('HSET', KEYS[1], 'variant', ARGV[2], 'warehouse', ARGV[3], 'holder', ARGV[4], 'qty', ARGV[5], 'reserved_at', ARGV[6])
redis.call('ZADD', KEYS[2], ARGV[6], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
return 0
`)

// ReservationIndex is the Redis-backed holder index
type ReservationIndex struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewReservationIndex(client redis.UniversalClient, keyPrefix string) *ReservationIndex {
	return &ReservationIndex{client: client, keyPrefix: keyPrefix}
}

var _ interfaces.ReservationIndex = (*ReservationIndex)(nil)

func (x *ReservationIndex) entryKey(member string) string {
	return x.keyPrefix + "{resv}:e:" + member
}

func (x *ReservationIndex) byAgeKey() string {
	return x.keyPrefix + "{resv}:by_age"
}

func (x *ReservationIndex) holderKey(holderID string) string {
	return x.keyPrefix + "{resv}:h:" + holderID
}

func (x *ReservationIndex) keys(key models.ReservationKey) []string {
	member := key.String()
	return []string{x.entryKey(member), x.byAgeKey(), x.holderKey(key.HolderID)}
}

func (x *ReservationIndex) Upsert(ctx context.Context, key models.ReservationKey, quantity int, at time.Time) (*models.ReservationEntry, error) {
	qty, err := upsertScript.Run(ctx, x.client, x.keys(key),
		key.String(), key.VariantID, key.WarehouseID, key.HolderID, quantity, at.UnixMilli()).Int64()
	if err != nil {
		log.Error().Err(err).Str("reservation", key.String()).Msg("Failed to upsert reservation entry")
		return nil, fmt.Errorf("failed to upsert reservation entry: %w", err)
	}

	return &models.ReservationEntry{
		VariantID:   key.VariantID,
		WarehouseID: key.WarehouseID,
		HolderID:    key.HolderID,
		Quantity:    int(qty),
		ReservedAt:  time.UnixMilli(at.UnixMilli()),
	}, nil
}

func (x *ReservationIndex) Get(ctx context.Context, key models.ReservationKey) (*models.ReservationEntry, error) {
	fields, err := x.client.HGetAll(ctx, x.entryKey(key.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation entry: %w", err)
	}
	return parseEntry(fields)
}

func (x *ReservationIndex) Release(ctx context.Context, key models.ReservationKey, quantity int) (*models.ReservationEntry, error) {
	if quantity <= 0 {
		return nil, nil
	}
	res, err := releaseScript.Run(ctx, x.client, x.keys(key), key.String(), quantity).Slice()
	return claimResult(key, res, err, "release")
}

func (x *ReservationIndex) ClaimExpired(ctx context.Context, key models.ReservationKey, cutoff time.Time) (*models.ReservationEntry, error) {
	res, err := claimExpiredScript.Run(ctx, x.client, x.keys(key), key.String(), cutoff.UnixMilli()).Slice()
	return claimResult(key, res, err, "claim expired")
}

func (x *ReservationIndex) Restore(ctx context.Context, entry models.ReservationEntry) error {
	key := entry.Key()
	err := restoreScript.Run(ctx, x.client, x.keys(key),
		key.String(), key.VariantID, key.WarehouseID, key.HolderID, entry.Quantity, entry.ReservedAt.UnixMilli()).Err()
	if err != nil {
		log.Error().Err(err).Str("reservation", key.String()).Int("quantity", entry.Quantity).Msg("Failed to restore reservation entry")
		return fmt.Errorf("failed to restore reservation entry: %w", err)
	}
	return nil
}

func (x *ReservationIndex) ListByHolder(ctx context.Context, holderID string) ([]models.ReservationEntry, error) {
	members, err := x.client.SMembers(ctx, x.holderKey(holderID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list holder entries: %w", err)
	}
	sort.Strings(members)
	return x.loadEntries(ctx, members)
}

func (x *ReservationIndex) ListExpired(ctx context.Context, cutoff time.Time, offset, limit int) ([]models.ReservationEntry, error) {
	count := int64(limit)
	if limit <= 0 {
		count = -1
	}
	members, err := x.client.ZRangeByScore(ctx, x.byAgeKey(), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(cutoff.UnixMilli(), 10),
		Offset: int64(offset),
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list expired entries: %w", err)
	}
	return x.loadEntries(ctx, members)
}

func (x *ReservationIndex) loadEntries(ctx context.Context, members []string) ([]models.ReservationEntry, error) {
	entries := []models.ReservationEntry{}
	if len(members) == 0 {
		return entries, nil
	}

	pipe := x.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, member := range members {
		cmds[i] = pipe.HGetAll(ctx, x.entryKey(member))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load reservation entries: %w", err)
	}

	for i, cmd := range cmds {
		entry, err := parseEntry(cmd.Val())
		if err != nil {
			log.Warn().Err(err).Str("member", members[i]).Msg("Skipping malformed reservation entry")
			continue
		}
		// released between the listing and the load
		if entry == nil {
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

func parseEntry(fields map[string]string) (*models.ReservationEntry, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	qty, err := strconv.Atoi(fields["qty"])
	if err != nil {
		return nil, fmt.Errorf("invalid qty %q: %w", fields["qty"], err)
	}
	at, err := strconv.ParseInt(fields["reserved_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid reserved_at %q: %w", fields["reserved_at"], err)
	}
	return &models.ReservationEntry{
		VariantID:   fields["variant"],
		WarehouseID: fields["warehouse"],
		HolderID:    fields["holder"],
		Quantity:    qty,
		ReservedAt:  time.UnixMilli(at),
	}, nil
}

func claimResult(key models.ReservationKey, res []interface{}, err error, op string) (*models.ReservationEntry, error) {
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		log.Error().Err(err).Str("reservation", key.String()).Msgf("Failed to %s reservation entry", op)
		return nil, fmt.Errorf("failed to %s reservation entry: %w", op, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected %s reply of length %d", op, len(res))
	}

	qty, err := replyInt(res[0])
	if err != nil {
		return nil, err
	}
	at, err := replyInt(res[1])
	if err != nil {
		return nil, err
	}
	return &models.ReservationEntry{
		VariantID:   key.VariantID,
		WarehouseID: key.WarehouseID,
		HolderID:    key.HolderID,
		Quantity:    int(qty),
		ReservedAt:  time.UnixMilli(at),
	}, nil
}

func replyInt(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected reply type %T", v)
	}
}
