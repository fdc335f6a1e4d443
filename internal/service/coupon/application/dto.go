// internal/service/coupon/application/dto.go
package application

import (
	"time"

	"couponhub/internal/service/coupon/domain"
)

// DownloadCouponRequest 是用户凭码领券的请求。
type DownloadCouponRequest struct {
	CouponCode string `json:"coupon_code"`
	UserID     int64  `json:"user_id"`
}

// DirectIssueRequest 是管理员向一批用户直发券的请求。
type DirectIssueRequest struct {
	PolicyID int64   `json:"policy_id"`
	UserIDs  []int64 `json:"user_ids"`
}

// DirectIssueResponse 汇总直发的逐用户结果。
type DirectIssueResponse struct {
	SucceededCount int              `json:"succeeded_count"`
	FailedCount    int              `json:"failed_count"`
	Failures       map[int64]string `json:"failures,omitempty"` // userID -> 错误码
}

// ReserveCouponRequest 是结算流程锁券的请求。
type ReserveCouponRequest struct {
	CouponID      int64    `json:"coupon_id"`
	UserID        int64    `json:"user_id"`
	ReservationID string   `json:"reservation_id"`
	OrderAmount   int64    `json:"order_amount"`
	ItemIDs       []string `json:"item_ids,omitempty"`
}

// CancelReservationRequest 是用户主动放弃结算、释放券的请求。
type CancelReservationRequest struct {
	CouponID int64 `json:"coupon_id"`
	UserID   int64 `json:"user_id"`
}

// UpdateQuantityRequest 是修改政策发放上限的请求。
// ModifierID 和 Reason 是审计字段，记录谁在为什么改配额。
type UpdateQuantityRequest struct {
	PolicyID   int64  `json:"policy_id"`
	NewMax     *int64 `json:"new_max"` // null 表示改为不限量
	ModifierID int64  `json:"modifier_id"`
	Reason     string `json:"reason,omitempty"`
}

// UpdateQuantityResponse 回显变更前后的上限与当前已发放数。
// 守卫拒绝时同样返回（Success=false），审计方既要知道改成了什么，
// 也要知道没改成什么。
type UpdateQuantityResponse struct {
	PolicyID     int64  `json:"policy_id"`
	Success      bool   `json:"success"`
	FailureCode  string `json:"failure_code,omitempty"`
	PreviousMax  *int64 `json:"previous_max"`
	RequestedMax *int64 `json:"requested_max"`
	NewMax       *int64 `json:"new_max"`
	IssuedCount  int64  `json:"issued_count"`
}

// CouponView 是查询接口返回的券视图。
type CouponView struct {
	ID                   int64      `json:"id"`
	PolicyID             int64      `json:"policy_id"`
	Name                 string     `json:"name"`
	Status               string     `json:"status"`
	DiscountType         string     `json:"discount_type"`
	DiscountValue        int64      `json:"discount_value"`
	MinOrderAmount       int64      `json:"min_order_amount"`
	IssuedAt             time.Time  `json:"issued_at"`
	ExpiresAt            time.Time  `json:"expires_at"`
	ReservedAt           *time.Time `json:"reserved_at,omitempty"`
	UsedAt               *time.Time `json:"used_at,omitempty"`
	OrderID              string     `json:"order_id,omitempty"`
	ActualDiscountAmount int64      `json:"actual_discount_amount,omitempty"`
}

func toCouponView(c *domain.CouponIssue) *CouponView {
	return &CouponView{
		ID:                   c.ID,
		PolicyID:             c.PolicyID,
		Name:                 c.CouponName,
		Status:               string(c.Status),
		DiscountType:         string(c.Discount.Type),
		DiscountValue:        c.Discount.Value,
		MinOrderAmount:       c.Discount.MinOrderAmount,
		IssuedAt:             c.IssuedAt,
		ExpiresAt:            c.ExpiresAt,
		ReservedAt:           c.ReservedAt,
		UsedAt:               c.UsedAt,
		OrderID:              c.OrderID,
		ActualDiscountAmount: c.ActualDiscountAmount,
	}
}

// PolicyStatsView 是单个政策的发放/使用统计。
type PolicyStatsView struct {
	PolicyID      int64  `json:"policy_id"`
	Name          string `json:"name"`
	MaxIssueCount *int64 `json:"max_issue_count"`
	IssuedTotal   int64  `json:"issued_total"`
	ActiveCount   int64  `json:"active_count"`   // ISSUED
	ReservedCount int64  `json:"reserved_count"` // RESERVED
	UsedCount     int64  `json:"used_count"`
	ExpiredCount  int64  `json:"expired_count"`
}
