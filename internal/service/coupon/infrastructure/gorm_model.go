// internal/service/coupon/infrastructure/gorm_model.go
package infrastructure

import (
	"time"
)

// CouponPolicyModel 对应数据库中的 coupon_policy 表。
// current_issue_count 是库存台账的权威计数，只允许通过
// 条件 UPDATE 修改，任何代码都不得"读出来加一再写回"。
type CouponPolicyModel struct {
	ID   int64  `gorm:"primaryKey"`
	Name string `gorm:"size:128;not null"`
	Code string `gorm:"size:64;uniqueIndex"`

	DiscountType      string `gorm:"size:32;not null"`
	DiscountValue     int64  `gorm:"not null"`
	MaxDiscountAmount *int64
	MinOrderAmount    int64

	DistributionType string `gorm:"size:32;not null"`

	ValidFrom  time.Time `gorm:"not null"`
	ValidUntil time.Time `gorm:"not null"`

	MaxIssueCount     *int64
	CurrentIssueCount int64 `gorm:"not null;default:0"`

	MaxUsagePerUser int    `gorm:"not null;default:1"`
	ApplicableRule  string `gorm:"type:text"`
	IsActive        bool   `gorm:"not null;default:true"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (CouponPolicyModel) TableName() string {
	return "coupon_policy"
}

// CouponIssueModel 对应数据库中的 coupon_issue 表。
//
// 关键索引：
//   - reservation_id 唯一索引承接预约号幂等（注意 MySQL 唯一索引允许多个 NULL，
//     所以空预约号必须存 NULL 而不是空串）；
//   - (status, reserved_at) 服务清扫器的超时扫描；
//   - (user_id, policy_id) 服务限领计数。
type CouponIssueModel struct {
	ID       int64 `gorm:"primaryKey"`
	PolicyID int64 `gorm:"not null;index:idx_user_policy,priority:2"`
	UserID   int64 `gorm:"not null;index:idx_user_policy,priority:1"`

	Status string `gorm:"size:16;not null;index:idx_status_reserved,priority:1"`

	ReservationID *string `gorm:"size:64;uniqueIndex"`
	OrderID       string  `gorm:"size:64"`

	IssuedAt   time.Time `gorm:"not null"`
	ReservedAt *time.Time `gorm:"index:idx_status_reserved,priority:2"`
	UsedAt     *time.Time
	ExpiredAt  *time.Time
	ExpiresAt  time.Time `gorm:"not null;index"`

	ActualDiscountAmount int64

	// 从政策冗余的展示字段
	CouponName        string `gorm:"size:128"`
	DiscountType      string `gorm:"size:32"`
	DiscountValue     int64
	MaxDiscountAmount *int64
	MinOrderAmount    int64

	Version int64 `gorm:"not null;default:0"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (CouponIssueModel) TableName() string {
	return "coupon_issue"
}
