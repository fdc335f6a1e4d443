// internal/service/coupon/domain/policy.go
package domain

import "time"

// DiscountType 定义了优惠的计算方式。
type DiscountType string

const (
	DiscountTypeFixedAmount DiscountType = "FIXED_AMOUNT" // 满减/立减
	DiscountTypePercentage  DiscountType = "PERCENTAGE"   // 折扣
)

// DistributionType 定义了优惠券的发放方式。
type DistributionType string

const (
	DistributionCode   DistributionType = "CODE"   // 用户凭码领取
	DistributionDirect DistributionType = "DIRECT" // 管理员直接发放
	DistributionEvent  DistributionType = "EVENT"  // 活动抢券（先到先得）
)

// DiscountPolicy 是折扣规则的值对象。
// 所有金额统一用分（最小货币单位）表示，百分比折扣的 Value 为百分数（如 15 表示 85 折）。
type DiscountPolicy struct {
	Type              DiscountType
	Value             int64
	MaxDiscountAmount *int64 // nil 表示不设上限
	MinOrderAmount    int64
}

// Calculate 计算订单金额对应的实际优惠额。
// 百分比折扣采用整数除法（向零截断），再受 MaxDiscountAmount 封顶，
// 且永远不会超过订单金额本身。
func (d DiscountPolicy) Calculate(orderAmount int64) int64 {
	var discount int64
	switch d.Type {
	case DiscountTypePercentage:
		discount = orderAmount * d.Value / 100
	default:
		discount = d.Value
	}

	if d.MaxDiscountAmount != nil && discount > *d.MaxDiscountAmount {
		discount = *d.MaxDiscountAmount
	}
	if discount > orderAmount {
		discount = orderAmount
	}
	if discount < 0 {
		discount = 0
	}
	return discount
}

// CouponPolicy 是优惠券聚合的根，定义了一批券的发放与使用规则。
// CurrentIssueCount 是数据库中的原子计数器在内存里的快照，
// 真正的发放配额校验永远发生在存储层的条件更新上，而不是这里。
type CouponPolicy struct {
	ID       int64
	Name     string
	Code     string // CODE 发放方式下的领取码，DIRECT 方式下为空
	Discount DiscountPolicy

	Distribution DistributionType

	ValidFrom  time.Time
	ValidUntil time.Time

	MaxIssueCount     *int64 // nil 表示不限量
	CurrentIssueCount int64

	MaxUsagePerUser int

	// ApplicableRule 是一个 CEL 表达式，描述此券适用的订单条件。
	// 为空表示无限制。由 RuleEngine 在预约时评估。
	ApplicableRule string

	IsActive bool
}

// CanIssueAt 校验此刻能否从该政策发券（不含库存判断）。
func (p *CouponPolicy) CanIssueAt(now time.Time) error {
	if !p.IsActive {
		return ErrPolicyInactive
	}
	if now.Before(p.ValidFrom) {
		return ErrPolicyNotStarted
	}
	if now.After(p.ValidUntil) {
		return ErrPolicyExpired
	}
	return nil
}

// UpdateRemainingQuantity 是政策创建之后唯一允许的修改路径。
// newMax 为 nil 表示改为不限量。
// 不允许把上限改到已发放数量之下，否则会让已发出去的券"超发"。
func (p *CouponPolicy) UpdateRemainingQuantity(newMax *int64, now time.Time) error {
	if now.After(p.ValidUntil) {
		return ErrPolicyExpired
	}
	if newMax != nil {
		if *newMax < 0 {
			return ErrValidation
		}
		if *newMax < p.CurrentIssueCount {
			return ErrQuantityBelowIssued
		}
	}
	p.MaxIssueCount = newMax
	return nil
}
