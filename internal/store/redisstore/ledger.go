// Package redisstore implements the shared atomic store interfaces on
// Redis. Every multi-key operation runs as a Lua script, so the
// check-and-mutate sequences stay atomic across any number of gateway
// instances sharing one Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/communityforge/inference-gateway/internal/budget"
)

const (
	// reservedGraceFactor stretches the reservation record's TTL past
	// its logical expiry so a late finalize can still find it before
	// the reaper runs.
	reservedGraceFactor = 2

	// settledTTL keeps the idempotency settlement marker around long
	// enough to absorb client retries and stream reconciliation.
	settledTTL = 24 * time.Hour

	expiryIndexKey = "resv:expiry"
)

// reserveScript checks the cap and records the reservation in one step.
// KEYS: budget hash, resv record, idem record, expiry index.
// ARGV: estimate, limit, reservation id, reservation json, expiry unix,
// record ttl seconds.
var reserveScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[3])
if existing then
	return {2, existing}
end
local committed = tonumber(redis.call('HGET', KEYS[1], 'committed') or '0')
local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved') or '0')
local estimate = tonumber(ARGV[1])
if committed + reserved + estimate > tonumber(ARGV[2]) then
	return {1, ''}
end
redis.call('HINCRBY', KEYS[1], 'reserved', estimate)
redis.call('SET', KEYS[2], ARGV[4], 'EX', tonumber(ARGV[6]))
redis.call('SET', KEYS[3], ARGV[4], 'EX', tonumber(ARGV[6]))
redis.call('ZADD', KEYS[4], tonumber(ARGV[5]), ARGV[3])
return {0, ''}
`)

// finalizeScript settles a reservation exactly once. A replayed
// finalize also drops any fresh hold a replayed reserve minted for the
// already-settled key, so full request retries are budget-neutral.
// KEYS: budget hash, resv record, settled marker, expiry index, idem record.
// ARGV: actual cents, reservation id, settled ttl seconds.
var finalizeScript = redis.NewScript(`
local prior = redis.call('GET', KEYS[3])
if prior then
	local stale = redis.call('GET', KEYS[2])
	if stale then
		local est = tonumber(cjson.decode(stale)['estimated_cents'])
		local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved') or '0')
		if est > reserved then
			est = reserved
		end
		if est > 0 then
			redis.call('HINCRBY', KEYS[1], 'reserved', -est)
		end
		redis.call('DEL', KEYS[2])
		redis.call('DEL', KEYS[5])
		redis.call('ZREM', KEYS[4], ARGV[2])
	end
	return {1, tonumber(prior), 0, 0}
end
local late = 1
local drift = 0
local raw = redis.call('GET', KEYS[2])
if raw then
	late = 0
	local est = tonumber(cjson.decode(raw)['estimated_cents'])
	local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved') or '0')
	local dec = est
	if dec > reserved then
		drift = dec - reserved
		dec = reserved
	end
	if dec > 0 then
		redis.call('HINCRBY', KEYS[1], 'reserved', -dec)
	end
	redis.call('DEL', KEYS[2])
	redis.call('DEL', KEYS[5])
end
redis.call('ZREM', KEYS[4], ARGV[2])
redis.call('HINCRBY', KEYS[1], 'committed', tonumber(ARGV[1]))
redis.call('SET', KEYS[3], ARGV[1], 'EX', tonumber(ARGV[3]))
return {0, tonumber(ARGV[1]), late, drift}
`)

// releaseScript returns a reservation's estimate, a no-op when the
// record is already gone.
// KEYS: budget hash, resv record, expiry index, idem record.
// ARGV: reservation id.
var releaseScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[2])
if not raw then
	redis.call('ZREM', KEYS[3], ARGV[1])
	return {0, 0}
end
local est = tonumber(cjson.decode(raw)['estimated_cents'])
local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved') or '0')
local drift = 0
local dec = est
if dec > reserved then
	drift = dec - reserved
	dec = reserved
end
if dec > 0 then
	redis.call('HINCRBY', KEYS[1], 'reserved', -dec)
end
redis.call('DEL', KEYS[2])
redis.call('DEL', KEYS[4])
redis.call('ZREM', KEYS[3], ARGV[1])
return {1, drift}
`)

// Ledger is a Redis-backed budget.Store.
type Ledger struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLedger constructs a ledger on the given client. ttl is the
// reservation lifetime used to size record expiries.
func NewLedger(client *redis.Client, ttl time.Duration) *Ledger {
	return &Ledger{client: client, ttl: ttl}
}

func budgetKey(communityID, period string) string {
	return fmt.Sprintf("budget:%s:%s", communityID, period)
}

func resvKey(id string) string {
	return "resv:" + id
}

func idemResvKey(communityID, key string) string {
	return fmt.Sprintf("idem:resv:%s:%s", communityID, key)
}

func idemUsageKey(communityID, key string) string {
	return fmt.Sprintf("idem:usage:%s:%s", communityID, key)
}

// Reserve implements budget.Store.
func (l *Ledger) Reserve(ctx context.Context, res budget.Reservation, limitCents int64) (budget.ReserveOutcome, error) {
	payload, err := json.Marshal(res)
	if err != nil {
		return budget.ReserveOutcome{}, fmt.Errorf("redisstore: encode reservation: %w", err)
	}

	recordTTL := int64((reservedGraceFactor * l.ttl).Seconds())
	keys := []string{
		budgetKey(res.CommunityID, res.Period),
		resvKey(res.ID),
		idemResvKey(res.CommunityID, res.IdempotencyKey),
		expiryIndexKey,
	}
	raw, err := reserveScript.Run(ctx, l.client, keys,
		res.EstimatedCents, limitCents, res.ID, string(payload),
		res.ExpiresAt.Unix(), recordTTL).Slice()
	if err != nil {
		return budget.ReserveOutcome{}, fmt.Errorf("redisstore: reserve: %w", err)
	}

	switch raw[0].(int64) {
	case 1:
		return budget.ReserveOutcome{Exceeded: true}, nil
	case 2:
		var existing budget.Reservation
		if err := json.Unmarshal([]byte(raw[1].(string)), &existing); err != nil {
			return budget.ReserveOutcome{}, fmt.Errorf("redisstore: decode existing reservation: %w", err)
		}
		return budget.ReserveOutcome{Existing: &existing}, nil
	default:
		return budget.ReserveOutcome{}, nil
	}
}

// Finalize implements budget.Store.
func (l *Ledger) Finalize(ctx context.Context, res budget.Reservation, actualCents int64) (budget.FinalizeOutcome, error) {
	keys := []string{
		budgetKey(res.CommunityID, res.Period),
		resvKey(res.ID),
		idemUsageKey(res.CommunityID, res.IdempotencyKey),
		expiryIndexKey,
		idemResvKey(res.CommunityID, res.IdempotencyKey),
	}
	raw, err := finalizeScript.Run(ctx, l.client, keys,
		actualCents, res.ID, int64(settledTTL.Seconds())).Slice()
	if err != nil {
		return budget.FinalizeOutcome{}, fmt.Errorf("redisstore: finalize: %w", err)
	}

	outcome := budget.FinalizeOutcome{ActualCents: raw[1].(int64)}
	if raw[0].(int64) == 1 {
		outcome.AlreadyFinalized = true
		return outcome, nil
	}
	outcome.Late = raw[2].(int64) == 1
	outcome.DriftCents = raw[3].(int64)
	return outcome, nil
}

// Release implements budget.Store.
func (l *Ledger) Release(ctx context.Context, res budget.Reservation) (budget.ReleaseOutcome, error) {
	keys := []string{
		budgetKey(res.CommunityID, res.Period),
		resvKey(res.ID),
		expiryIndexKey,
		idemResvKey(res.CommunityID, res.IdempotencyKey),
	}
	raw, err := releaseScript.Run(ctx, l.client, keys, res.ID).Slice()
	if err != nil {
		return budget.ReleaseOutcome{}, fmt.Errorf("redisstore: release: %w", err)
	}
	return budget.ReleaseOutcome{
		Released:   raw[0].(int64) == 1,
		DriftCents: raw[1].(int64),
	}, nil
}

// Expired implements budget.Store. It walks the expiry index and loads
// each surviving record. Index entries whose record already vanished
// are pruned as they are seen.
func (l *Ledger) Expired(ctx context.Context, now time.Time, limit int) ([]budget.Reservation, error) {
	ids, err := l.client.ZRangeByScore(ctx, expiryIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list expired: %w", err)
	}

	var expired []budget.Reservation
	for _, id := range ids {
		raw, err := l.client.Get(ctx, resvKey(id)).Result()
		if err == redis.Nil {
			l.client.ZRem(ctx, expiryIndexKey, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redisstore: load reservation %s: %w", id, err)
		}
		var res budget.Reservation
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return nil, fmt.Errorf("redisstore: decode reservation %s: %w", id, err)
		}
		expired = append(expired, res)
	}
	return expired, nil
}

// Snapshot implements budget.Store.
func (l *Ledger) Snapshot(ctx context.Context, communityID, period string) (budget.Ledger, error) {
	vals, err := l.client.HMGet(ctx, budgetKey(communityID, period), "committed", "reserved").Result()
	if err != nil {
		return budget.Ledger{}, fmt.Errorf("redisstore: snapshot: %w", err)
	}

	var snap budget.Ledger
	if s, ok := vals[0].(string); ok {
		snap.CommittedCents, _ = strconv.ParseInt(s, 10, 64)
	}
	if s, ok := vals[1].(string); ok {
		snap.ReservedCents, _ = strconv.ParseInt(s, 10, 64)
	}
	return snap, nil
}
