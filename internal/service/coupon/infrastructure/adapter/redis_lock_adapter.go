// internal/service/coupon/infrastructure/adapter/redis_lock_adapter.go
package adapter

import (
	"context"
	"fmt"
	"time"

	"couponhub/internal/pkg/redis"
)

const (
	releaseLockScriptName = "release_lock"
	extendLockScriptName  = "extend_lock"
)

// RedisLockAdapter 是 port.DistributedLocker 的 Redis 实现。
// 加锁是 SET NX PX，释放和续租走 Lua 保证"比对令牌再操作"的原子性。
type RedisLockAdapter struct {
	redisClient *redis.Client
}

// NewRedisLockAdapter 创建锁适配器并预加载 Lua 脚本。
func NewRedisLockAdapter(redisClient *redis.Client) (*RedisLockAdapter, error) {
	if err := redisClient.LoadScriptFromContent(releaseLockScriptName, releaseLockScript); err != nil {
		return nil, fmt.Errorf("failed to load release lock script: %w", err)
	}
	if err := redisClient.LoadScriptFromContent(extendLockScriptName, extendLockScript); err != nil {
		return nil, fmt.Errorf("failed to load extend lock script: %w", err)
	}
	return &RedisLockAdapter{redisClient: redisClient}, nil
}

func (a *RedisLockAdapter) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := a.redisClient.GetClient().SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock adapter failed to acquire %s: %w", key, err)
	}
	return ok, nil
}

func (a *RedisLockAdapter) Release(ctx context.Context, key, token string) (bool, error) {
	result, err := a.redisClient.RunScript(ctx, releaseLockScriptName, []string{key}, token)
	if err != nil {
		return false, fmt.Errorf("lock adapter failed to release %s: %w", key, err)
	}
	code, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected result type from release script: %T", result)
	}
	return code == 1, nil
}

func (a *RedisLockAdapter) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	result, err := a.redisClient.RunScript(ctx, extendLockScriptName, []string{key}, token, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("lock adapter failed to extend %s: %w", key, err)
	}
	code, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected result type from extend script: %T", result)
	}
	return code == 1, nil
}

var releaseLockScript = `
-- KEYS[1]: 锁的 Key
-- ARGV[1]: 持有者令牌

-- 只有当前持有者能释放，防止租约过期后误删他人的锁
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
end
return 0
`

var extendLockScript = `
-- KEYS[1]: 锁的 Key
-- ARGV[1]: 持有者令牌
-- ARGV[2]: 新的租约时长（毫秒）

if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('pexpire', KEYS[1], ARGV[2])
end
return 0
`
