package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// quotaScript charges n against a daily counter, refusing the whole
// charge when it would cross the limit.
// KEYS: daily counter.
// ARGV: n, limit, ttl seconds until midnight.
var quotaScript = redis.NewScript(`
local used = redis.call('INCRBY', KEYS[1], tonumber(ARGV[1]))
if redis.call('TTL', KEYS[1]) < 0 then
	redis.call('EXPIRE', KEYS[1], tonumber(ARGV[3]))
end
if used > tonumber(ARGV[2]) then
	used = redis.call('DECRBY', KEYS[1], tonumber(ARGV[1]))
	return {0, used}
end
return {1, used}
`)

// Quota is a Redis-backed daily-quota store for customer-key
// deployments. Counters live under a per-day key that expires at the
// next UTC midnight, so resets need no sweeper.
type Quota struct {
	client *redis.Client
	now    func() time.Time
}

// NewQuota constructs a quota store on the given client.
func NewQuota(client *redis.Client) *Quota {
	return &Quota{client: client, now: time.Now}
}

// ConsumeDaily atomically charges n requests against the deployment's
// daily limit. When the charge would cross the limit nothing is
// consumed and ok is false.
func (q *Quota) ConsumeDaily(ctx context.Context, deploymentID string, n, limit int64) (bool, int64, time.Time, error) {
	now := q.now().UTC()
	day := now.Format("2006-01-02")
	resetAt := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	key := fmt.Sprintf("byok:quota:%s:%s", deploymentID, day)

	raw, err := quotaScript.Run(ctx, q.client, []string{key},
		n, limit, int64(resetAt.Sub(now).Seconds())+1).Slice()
	if err != nil {
		return false, 0, resetAt, fmt.Errorf("redisstore: consume quota: %w", err)
	}
	return raw[0].(int64) == 1, raw[1].(int64), resetAt, nil
}
