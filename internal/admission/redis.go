package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisScripter 是执行 Lua 脚本所需的最小 Redis 接口。
type RedisScripter interface {
	redis.Scripter
	Ping(ctx context.Context) *redis.StatusCmd
}

// slidingWindowScript 在一次原子调用中清理过期成员、计数并写入。
// 返回 {allowed, remaining, retry_after_ms}。
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, limit - count - 1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry = window
if oldest[2] then
  retry = tonumber(oldest[2]) + window - now
end
return {0, 0, retry}
`)

// RedisLimiter 是多实例共享的滑动窗口限流器，计数保存在 ZSET 中。
type RedisLimiter struct {
	rdb    RedisScripter
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisLimiter(rdb RedisScripter, prefix string, limit int, window time.Duration) *RedisLimiter {
	if prefix == "" {
		prefix = "admission"
	}
	return &RedisLimiter{rdb: rdb, prefix: prefix, limit: limit, window: window, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	reply, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{fmt.Sprintf("%s:%s", l.prefix, key)},
		l.now().UnixMilli(), l.window.Milliseconds(), l.limit, uuid.NewString(),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("admission script: %w", err)
	}
	res, ok := reply.([]interface{})
	if !ok || len(res) != 3 {
		return Decision{}, fmt.Errorf("admission script: unexpected reply %v", reply)
	}
	allowed, _ := res[0].(int64)
	remaining, _ := res[1].(int64)
	retryMs, _ := res[2].(int64)
	return Decision{
		Allowed:    allowed == 1,
		Limit:      l.limit,
		Remaining:  int(remaining),
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}, nil
}

func (l *RedisLimiter) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}
