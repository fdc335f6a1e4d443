// internal/service/coupon/domain/port/lock.go
package port

import (
	"context"
	"time"

	"couponhub/internal/service/coupon/domain"
)

// DistributedLocker 是集群级互斥锁的端口。
// token 是持有者令牌，Release/Extend 必须校验令牌，防止误删别人的锁。
type DistributedLocker interface {
	// TryAcquire 原子地"不存在才写入"，带租约 ttl。返回是否拿到锁。
	// 存储不可用时返回 (false, err)：库存相关的调用方据此 fail closed。
	TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Release 只在当前值等于 token 时删除（服务端脚本保证原子）。
	Release(ctx context.Context, key, token string) (bool, error)

	// Extend 尽力而为地续租：值仍等于 token 时刷新过期时间。
	// 读和写之间存在窗口，只用于延长自己确信持有的锁。
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// WithLock 是锁的作用域化用法：在等待窗口内带退避地抢锁，
// 拿到后执行 fn，所有退出路径（包括 panic 之外的错误路径）保证释放。
// waitTime 是抢锁等待上限，ttl 是租约时长，两者语义不同：
// 临界区必须在 ttl 内完成，否则锁会被他人合法抢走。
func WithLock(ctx context.Context, locker DistributedLocker, key, token string,
	ttl, waitTime time.Duration, fn func(ctx context.Context) error) error {

	deadline := time.Now().Add(waitTime)
	backoff := 20 * time.Millisecond

	for {
		acquired, err := locker.TryAcquire(ctx, key, token, ttl)
		if err != nil {
			// fail closed：锁存储不可用时拒绝进入临界区
			return domain.ErrLockNotAcquired
		}
		if acquired {
			break
		}
		if time.Now().After(deadline) {
			return domain.ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		// 指数退避，封顶 500ms，避免热点政策上的惊群
		if backoff < 500*time.Millisecond {
			backoff *= 2
		}
	}

	defer func() {
		// 释放失败只能说明租约已经自然过期，锁早已易主，无需补救
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_, _ = locker.Release(releaseCtx, key, token)
	}()

	return fn(ctx)
}
