package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/communityforge/inference-gateway/internal/ratelimit"
)

// incrCheckScript increments every window counter, then checks them in
// order. On the first violation all increments from this call are
// undone, so a rejected request never consumes any dimension.
// KEYS: one counter per check.
// ARGV: limit1, windowSecs1, limit2, windowSecs2, ...
// Returns {-1} when admitted, {index, retryAfterSecs} when rejected.
var incrCheckScript = redis.NewScript(`
local counts = {}
for i = 1, #KEYS do
	local window = tonumber(ARGV[i * 2])
	local count = redis.call('INCR', KEYS[i])
	if count == 1 then
		redis.call('EXPIRE', KEYS[i], window)
	end
	counts[i] = count
end
for i = 1, #KEYS do
	if counts[i] > tonumber(ARGV[i * 2 - 1]) then
		for j = 1, #KEYS do
			redis.call('DECR', KEYS[j])
		end
		local ttl = redis.call('TTL', KEYS[i])
		if ttl < 0 then
			ttl = tonumber(ARGV[i * 2])
		end
		return {i - 1, ttl}
	end
end
return {-1}
`)

// Counters is a Redis-backed ratelimit.CounterStore using fixed
// windows with per-key TTLs.
type Counters struct {
	client *redis.Client
}

// NewCounters constructs a counter store on the given client.
func NewCounters(client *redis.Client) *Counters {
	return &Counters{client: client}
}

// IncrCheckAll implements ratelimit.CounterStore.
func (c *Counters) IncrCheckAll(ctx context.Context, checks []ratelimit.Check) (int, time.Duration, error) {
	keys := make([]string, len(checks))
	args := make([]interface{}, 0, len(checks)*2)
	for i, check := range checks {
		keys[i] = check.Key
		args = append(args, check.Limit, int64(check.Window.Seconds()))
	}

	raw, err := incrCheckScript.Run(ctx, c.client, keys, args...).Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("redisstore: rate limit check: %w", err)
	}

	idx := raw[0].(int64)
	if idx < 0 {
		return -1, 0, nil
	}
	return int(idx), time.Duration(raw[1].(int64)) * time.Second, nil
}
