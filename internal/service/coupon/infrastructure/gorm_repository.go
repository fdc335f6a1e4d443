// internal/service/coupon/infrastructure/gorm_repository.go
package infrastructure

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"couponhub/internal/service/coupon/domain"
)

// GormPolicyRepository 是 CouponPolicyRepository 的 GORM 实现。
type GormPolicyRepository struct {
	db *gorm.DB
}

func NewGormPolicyRepository(db *gorm.DB) *GormPolicyRepository {
	return &GormPolicyRepository{db: db}
}

func (r *GormPolicyRepository) FindByID(ctx context.Context, id int64) (*domain.CouponPolicy, error) {
	var model CouponPolicyModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrPolicyNotFound
		}
		return nil, err
	}
	return toDomainPolicy(&model), nil
}

func (r *GormPolicyRepository) FindByCode(ctx context.Context, code string) (*domain.CouponPolicy, error) {
	var model CouponPolicyModel
	err := r.db.WithContext(ctx).First(&model, "code = ?", code).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrPolicyNotFound
		}
		return nil, err
	}
	return toDomainPolicy(&model), nil
}

// DecrementIssueCount 用单条条件 UPDATE 原子占用一个发放名额。
// WHERE 子句同时承担配额判断：行没更新到就是配额已尽。
// 这是整个库存台账不会超发的唯一保证点。
func (r *GormPolicyRepository) DecrementIssueCount(ctx context.Context, policyID int64) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&CouponPolicyModel{}).
		Where("id = ? AND (max_issue_count IS NULL OR current_issue_count < max_issue_count)", policyID).
		UpdateColumn("current_issue_count", gorm.Expr("current_issue_count + 1"))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// CompensateIssueCount 归还一个名额。计数永不减到负数。
func (r *GormPolicyRepository) CompensateIssueCount(ctx context.Context, policyID int64) error {
	return r.db.WithContext(ctx).
		Model(&CouponPolicyModel{}).
		Where("id = ? AND current_issue_count > 0", policyID).
		UpdateColumn("current_issue_count", gorm.Expr("current_issue_count - 1")).Error
}

// Save 只持久化发放上限。current_issue_count 绝不从内存快照写回。
func (r *GormPolicyRepository) Save(ctx context.Context, policy *domain.CouponPolicy) error {
	return r.db.WithContext(ctx).
		Model(&CouponPolicyModel{}).
		Where("id = ?", policy.ID).
		Update("max_issue_count", policy.MaxIssueCount).Error
}

// GormCouponRepository 是 CouponIssueRepository 的 GORM 实现。
//
// 状态转移的并发隔离分两层：事务内 SELECT ... FOR UPDATE 把并发写串行化，
// 版本号 CAS 兜底防御任何绕过行锁的写路径。两层都在这里实现。
type GormCouponRepository struct {
	db *gorm.DB
}

func NewGormCouponRepository(db *gorm.DB) *GormCouponRepository {
	return &GormCouponRepository{db: db}
}

func (r *GormCouponRepository) Create(ctx context.Context, coupon *domain.CouponIssue) error {
	model := toCouponModel(coupon)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isDuplicateKeyError(err) {
			return domain.ErrDuplicateReservation
		}
		return err
	}
	return nil
}

func (r *GormCouponRepository) FindByID(ctx context.Context, id int64) (*domain.CouponIssue, error) {
	var model CouponIssueModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrCouponNotFound
		}
		return nil, err
	}
	return toDomainCoupon(&model), nil
}

func (r *GormCouponRepository) FindByUserID(ctx context.Context, userID int64) ([]*domain.CouponIssue, error) {
	var models []CouponIssueModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("issued_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	coupons := make([]*domain.CouponIssue, 0, len(models))
	for i := range models {
		coupons = append(coupons, toDomainCoupon(&models[i]))
	}
	return coupons, nil
}

func (r *GormCouponRepository) CountActiveByUserAndPolicy(ctx context.Context, userID, policyID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&CouponIssueModel{}).
		Where("user_id = ? AND policy_id = ? AND status IN ?",
			userID, policyID, []string{string(domain.StatusIssued), string(domain.StatusReserved)}).
		Count(&count).Error
	return count, err
}

func (r *GormCouponRepository) UpdateWithLock(ctx context.Context, couponID int64,
	fn func(ctx context.Context, coupon *domain.CouponIssue) error) error {
	return r.updateWithLock(ctx, "id = ?", couponID, fn)
}

func (r *GormCouponRepository) UpdateByReservationWithLock(ctx context.Context, reservationID string,
	fn func(ctx context.Context, coupon *domain.CouponIssue) error) error {
	return r.updateWithLock(ctx, "reservation_id = ?", reservationID, fn)
}

// updateWithLock 在一个事务里完成"行锁加载 → 领域转移 → 版本化保存"。
func (r *GormCouponRepository) updateWithLock(ctx context.Context, query string, arg interface{},
	fn func(ctx context.Context, coupon *domain.CouponIssue) error) error {

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model CouponIssueModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, query, arg).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrCouponNotFound
			}
			return err
		}

		coupon := toDomainCoupon(&model)
		if err := fn(ctx, coupon); err != nil {
			return err
		}

		return saveWithVersion(tx, coupon)
	})
}

// saveWithVersion 以版本号 CAS 写回可变字段。
// 事务内已持有行锁时 CAS 必然成功，这里是对任何绕过行锁的
// 写路径的最后防线。注意必须用 map 更新：reservation 字段要能写回 NULL。
//
// reservation_id 的全局唯一由唯一索引兜底，而写入预约号的正是这条
// UPDATE（新券插入时预约号恒为 NULL），所以 1062 要在这里翻译成领域错误。
func saveWithVersion(tx *gorm.DB, coupon *domain.CouponIssue) error {
	model := toCouponModel(coupon)

	result := tx.Model(&CouponIssueModel{}).
		Where("id = ? AND version = ?", coupon.ID, coupon.Version).
		Updates(map[string]interface{}{
			"status":                 model.Status,
			"reservation_id":         model.ReservationID,
			"order_id":               model.OrderID,
			"reserved_at":            model.ReservedAt,
			"used_at":                model.UsedAt,
			"expired_at":             model.ExpiredAt,
			"actual_discount_amount": model.ActualDiscountAmount,
			"version":                coupon.Version + 1,
		})
	if result.Error != nil {
		if isDuplicateKeyError(result.Error) {
			return domain.ErrDuplicateReservation
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConcurrentModification
	}
	coupon.Version++
	return nil
}

func (r *GormCouponRepository) SweepTimedOutReservations(ctx context.Context, threshold time.Time, limit int,
	fn func(ctx context.Context, coupon *domain.CouponIssue) (bool, error)) ([]*domain.CouponIssue, error) {

	return r.sweep(ctx, limit, fn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status = ? AND reserved_at < ?", string(domain.StatusReserved), threshold)
	})
}

func (r *GormCouponRepository) SweepExpired(ctx context.Context, now time.Time, limit int,
	fn func(ctx context.Context, coupon *domain.CouponIssue) (bool, error)) ([]*domain.CouponIssue, error) {

	return r.sweep(ctx, limit, fn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status IN ? AND expires_at < ?",
			[]string{string(domain.StatusIssued), string(domain.StatusReserved)}, now)
	})
}

// sweep 是批量回收的事务骨架：SKIP LOCKED 捞一批候选行并锁住，
// 逐条交给 fn，fn 放行的行版本化保存。其他实例正在处理的行
// 对本事务不可见，因此多实例并发清扫互不重复。
func (r *GormCouponRepository) sweep(ctx context.Context, limit int,
	fn func(ctx context.Context, coupon *domain.CouponIssue) (bool, error),
	scope func(tx *gorm.DB) *gorm.DB) ([]*domain.CouponIssue, error) {

	var saved []*domain.CouponIssue
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []CouponIssueModel
		err := scope(tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})).
			Limit(limit).
			Find(&models).Error
		if err != nil {
			return err
		}

		for i := range models {
			coupon := toDomainCoupon(&models[i])
			keep, err := fn(ctx, coupon)
			if err != nil {
				return err
			}
			if !keep {
				continue
			}
			if err := saveWithVersion(tx, coupon); err != nil {
				return err
			}
			saved = append(saved, coupon)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (r *GormCouponRepository) CountByPolicyGroupedByStatus(ctx context.Context, policyID int64) (map[domain.CouponStatus]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&CouponIssueModel{}).
		Select("status, count(*) as count").
		Where("policy_id = ?", policyID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[domain.CouponStatus]int64, len(rows))
	for _, row := range rows {
		counts[domain.CouponStatus(row.Status)] = row.Count
	}
	return counts, nil
}
