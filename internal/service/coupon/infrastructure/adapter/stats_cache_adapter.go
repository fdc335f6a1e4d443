// internal/service/coupon/infrastructure/adapter/stats_cache_adapter.go
package adapter

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"couponhub/internal/pkg/redis"
)

// StatsCacheAdapter 是 port.StatsCache 的 Redis 实现，值用 JSON 序列化。
type StatsCacheAdapter struct {
	redisClient *redis.Client
}

func NewStatsCacheAdapter(redisClient *redis.Client) *StatsCacheAdapter {
	return &StatsCacheAdapter{redisClient: redisClient}
}

func (a *StatsCacheAdapter) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := a.redisClient.GetClient().Get(ctx, key).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		// 反序列化失败按未命中处理，旧格式的脏数据等 TTL 自然淘汰
		return false, nil
	}
	return true, nil
}

func (a *StatsCacheAdapter) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return a.redisClient.GetClient().Set(ctx, key, data, ttl).Err()
}
