// internal/service/coupon/domain/port/cache.go
package port

import (
	"context"
	"time"
)

// StatsCache 是统计读模型的旁路缓存端口。
// 缓存的任何失败都不拦截查询，实现必须自己吞掉错误场景下的降级。
type StatsCache interface {
	// Get 反序列化到 dest，返回是否命中。
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}
