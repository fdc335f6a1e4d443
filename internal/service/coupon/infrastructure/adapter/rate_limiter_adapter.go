// internal/service/coupon/infrastructure/adapter/rate_limiter_adapter.go
package adapter

import (
	"context"
	"fmt"
	"time"

	"couponhub/internal/pkg/logger"
	"couponhub/internal/pkg/redis"
)

const slidingWindowScriptName = "sliding_window"

// RateLimiterAdapter 是 port.AdmissionController 的 Redis 实现：
// 每个 (identifier, endpoint) 一个 ZSET 滑动窗口，外加一个全局黑名单集合。
//
// 失败语义是 fail open：Redis 不可用时放行所有请求。
// 限流是体验保护，不是正确性保证——库存不超发由数据库的条件更新兜底，
// 这里误放行的代价远小于把整个领券入口误拒成不可用。
type RateLimiterAdapter struct {
	redisClient *redis.Client
	maxRequests int
	window      time.Duration
}

func NewRateLimiterAdapter(redisClient *redis.Client, maxRequests int, window time.Duration) (*RateLimiterAdapter, error) {
	if err := redisClient.LoadScriptFromContent(slidingWindowScriptName, slidingWindowScript); err != nil {
		return nil, fmt.Errorf("failed to load sliding window script: %w", err)
	}
	return &RateLimiterAdapter{
		redisClient: redisClient,
		maxRequests: maxRequests,
		window:      window,
	}, nil
}

func (a *RateLimiterAdapter) IsAllowed(ctx context.Context, identifier, endpoint string) bool {
	key := fmt.Sprintf("ratelimit:{%s}:%s", identifier, endpoint)
	now := time.Now().UnixMilli()

	result, err := a.redisClient.RunScript(ctx, slidingWindowScriptName,
		[]string{key}, now, a.window.Milliseconds(), a.maxRequests)
	if err != nil {
		logger.Ctx(ctx).Printf("rate limiter unavailable, failing open: %v", err)
		return true
	}

	code, ok := result.(int64)
	if !ok {
		return true
	}
	return code == 1
}

func (a *RateLimiterAdapter) IsBlocked(ctx context.Context, identifier string) bool {
	blocked, err := a.redisClient.GetClient().SIsMember(ctx, "ratelimit:blocklist", identifier).Result()
	if err != nil {
		// 黑名单同样 fail open
		return false
	}
	return blocked
}

var slidingWindowScript = `
-- KEYS[1]: 窗口 ZSET 的 Key
-- ARGV[1]: 当前时间戳（毫秒）
-- ARGV[2]: 窗口时长（毫秒）
-- ARGV[3]: 窗口内允许的最大请求数

local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

-- 1. 清掉窗口之外的旧记录
redis.call('zremrangebyscore', KEYS[1], 0, now - window)

-- 2. 检查窗口内的请求数
local count = redis.call('zcard', KEYS[1])
if count >= limit then
    return 0 -- 拒绝
end

-- 3. 记录本次请求并续期
redis.call('zadd', KEYS[1], now, now .. '-' .. math.random(100000))
redis.call('pexpire', KEYS[1], window)
return 1 -- 放行
`
