// internal/service/coupon/domain/repository.go
package domain

import (
	"context"
	"time"
)

// CouponPolicyRepository 是政策聚合的仓储端口。
type CouponPolicyRepository interface {
	FindByID(ctx context.Context, id int64) (*CouponPolicy, error)
	FindByCode(ctx context.Context, code string) (*CouponPolicy, error)

	// DecrementIssueCount 是库存台账的核心：在存储层用单条条件更新
	// 原子地占用一个发放名额。返回 false 表示配额已用尽，这不是错误。
	// 绝不允许实现为"读出来判断再写回去"。
	DecrementIssueCount(ctx context.Context, policyID int64) (bool, error)

	// CompensateIssueCount 归还一个已占用的名额，
	// 用于占了库存之后券落库失败的补偿路径。
	CompensateIssueCount(ctx context.Context, policyID int64) error

	// Save 持久化政策的可变字段（目前只有发放上限）。
	// 调用方必须先持有该政策的分布式锁。
	Save(ctx context.Context, policy *CouponPolicy) error
}

// CouponIssueRepository 是券实例的仓储端口。
// 带 ForUpdate 的方法在一个事务里完成"行锁加载 → 领域转移 → 版本化保存"，
// 落实"一次状态转移等于一个事务"。fn 返回错误时整个事务回滚。
type CouponIssueRepository interface {
	// Create 落库一张新券。预约号撞唯一索引时返回 ErrDuplicateReservation。
	Create(ctx context.Context, coupon *CouponIssue) error

	FindByID(ctx context.Context, id int64) (*CouponIssue, error)
	FindByUserID(ctx context.Context, userID int64) ([]*CouponIssue, error)

	// CountActiveByUserAndPolicy 统计某用户在某政策下的非终态（ISSUED/RESERVED）券数，
	// 用于 per-user 上限校验。
	CountActiveByUserAndPolicy(ctx context.Context, userID, policyID int64) (int64, error)

	// UpdateWithLock 以 SELECT ... FOR UPDATE 语义加载指定券并应用 fn。
	// 保存时执行版本号 CAS，版本不一致返回 ErrConcurrentModification。
	UpdateWithLock(ctx context.Context, couponID int64, fn func(ctx context.Context, coupon *CouponIssue) error) error

	// UpdateByReservationWithLock 同上，但按预约号定位。
	// 找不到返回 ErrCouponNotFound（上游可能根本没用券，属于正常情况）。
	UpdateByReservationWithLock(ctx context.Context, reservationID string, fn func(ctx context.Context, coupon *CouponIssue) error) error

	// SweepTimedOutReservations 在一个事务里用 SKIP LOCKED 捞出一批
	// reserved_at 早于 threshold 的 RESERVED 券，逐条交给 fn 处理，
	// fn 返回 true 的行才会被保存。被其他实例锁定的行对本次调用不可见，
	// 所以多实例并发清扫不会重复处理。返回本批保存的行。
	SweepTimedOutReservations(ctx context.Context, threshold time.Time, limit int,
		fn func(ctx context.Context, coupon *CouponIssue) (bool, error)) ([]*CouponIssue, error)

	// SweepExpired 同样的批处理模式，处理 expires_at 已过的非终态券。
	SweepExpired(ctx context.Context, now time.Time, limit int,
		fn func(ctx context.Context, coupon *CouponIssue) (bool, error)) ([]*CouponIssue, error)

	// CountByPolicyGroupedByStatus 统计看板读模型，允许脏读、不加锁。
	CountByPolicyGroupedByStatus(ctx context.Context, policyID int64) (map[CouponStatus]int64, error)
}
