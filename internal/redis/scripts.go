package redis

import (
	"context"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"
)

// Lua scripts for atomic cache and quota operations.

// setMonotonicScript writes a cache entry only if its fetchedAt is strictly
// newer than the stored one. Guards against races between staggered
// scheduler ticks across processes.
// ARGV: [1]=fetchedAtMs, [2]=validUntilMs, [3]=contentType, [4]=payload, [5]=ttlMs
var setMonotonicScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'fetchedAtMs')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1],
	'fetchedAtMs', ARGV[1],
	'validUntilMs', ARGV[2],
	'contentType', ARGV[3],
	'payload', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// checkQuotaScript increments a windowed per-principal counter and reports
// whether the caller is still within budget. The window starts on the first
// operation.
// ARGV: [1]=cost, [2]=windowMs, [3]=limit
var checkQuotaScript = goredis.NewScript(`
local n = redis.call('INCRBY', KEYS[1], ARGV[1])
if n == tonumber(ARGV[1]) then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[3]) then
	return 0
end
return 1
`)

// ScriptRunner executes Lua scripts on Redis for atomic operations.
type ScriptRunner struct {
	rdb *goredis.Client
}

// NewScriptRunner creates a new ScriptRunner.
func NewScriptRunner(rdb *goredis.Client) *ScriptRunner {
	return &ScriptRunner{rdb: rdb}
}

// SetMonotonic atomically writes the entry fields unless a newer fetchedAt
// is already stored. Returns true if the write was applied.
func (sr *ScriptRunner) SetMonotonic(ctx context.Context, key string, fetchedAtMs, validUntilMs int64, contentType string, payload []byte, ttlMs int64) (bool, error) {
	result, err := setMonotonicScript.Run(ctx, sr.rdb, []string{key},
		strconv.FormatInt(fetchedAtMs, 10),
		strconv.FormatInt(validUntilMs, 10),
		contentType,
		payload,
		strconv.FormatInt(ttlMs, 10),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("set monotonic script failed: %w", err)
	}
	return result == 1, nil
}

// CheckQuota increments the principal's windowed counter by cost and returns
// false if the limit is exceeded.
func (sr *ScriptRunner) CheckQuota(ctx context.Context, key string, cost int, windowMs int64, limit int) (bool, error) {
	result, err := checkQuotaScript.Run(ctx, sr.rdb, []string{key},
		strconv.Itoa(cost),
		strconv.FormatInt(windowMs, 10),
		strconv.Itoa(limit),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("check quota script failed: %w", err)
	}
	return result == 1, nil
}
