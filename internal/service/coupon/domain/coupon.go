// internal/service/coupon/domain/coupon.go
package domain

import "time"

// CouponStatus 定义了发放出去的优惠券的生命周期状态。
type CouponStatus string

const (
	StatusIssued   CouponStatus = "ISSUED"   // 已发放，可预约
	StatusReserved CouponStatus = "RESERVED" // 下单锁定中，等待支付结果
	StatusUsed     CouponStatus = "USED"     // 已核销（终态）
	StatusExpired  CouponStatus = "EXPIRED"  // 已过期（终态）
)

// CouponIssue 代表一张发放给具体用户的优惠券实例。
// 状态流转只能通过本类型的方法完成，方法内的守卫就是状态机的全部合法转移。
// 并发隔离依赖仓储层：行锁 + 版本号 CAS，两个并发转移必然串行化，
// 后到者基于赢家落库后的状态重新评估守卫。
type CouponIssue struct {
	ID       int64
	PolicyID int64
	UserID   int64

	Status CouponStatus

	// ReservationID 在 RESERVED 期间必有值；核销后保留以便审计追溯。
	ReservationID string
	OrderID       string

	IssuedAt   time.Time
	ReservedAt *time.Time
	UsedAt     *time.Time
	ExpiredAt  *time.Time
	ExpiresAt  time.Time // 取自政策的 valid_until

	ActualDiscountAmount int64 // 核销时固化的实际优惠额

	// 从政策冗余的展示字段，避免查询时回表
	CouponName string
	Discount   DiscountPolicy

	Version int64 // 乐观锁版本号
}

// NewCouponIssue 创建一张新发放的券。ID 由雪花发号器提供。
func NewCouponIssue(id int64, policy *CouponPolicy, userID int64, now time.Time) *CouponIssue {
	return &CouponIssue{
		ID:         id,
		PolicyID:   policy.ID,
		UserID:     userID,
		Status:     StatusIssued,
		IssuedAt:   now,
		ExpiresAt:  policy.ValidUntil,
		CouponName: policy.Name,
		Discount:   policy.Discount,
	}
}

// Reserve 把券锁定到一次结算流程上。ISSUED → RESERVED。
// 用同一个 reservationID 重复预约视为成功（网关重试是常态）。
func (c *CouponIssue) Reserve(reservationID string, now time.Time) error {
	switch c.Status {
	case StatusReserved:
		if c.ReservationID == reservationID {
			return nil // 幂等：同一预订重复到达
		}
		return ErrCouponAlreadyReserved
	case StatusUsed:
		return ErrCouponAlreadyUsed
	case StatusExpired:
		return ErrCouponExpired
	}

	if now.After(c.ExpiresAt) {
		return ErrCouponExpired
	}

	c.Status = StatusReserved
	c.ReservationID = reservationID
	c.ReservedAt = &now
	return nil
}

// Use 核销。RESERVED → USED。
// 幂等规则：同一订单号重复核销返回成功且不再变更；
// 不同订单号试图核销已用的券是冲突，必须拒绝，绝不能覆盖。
func (c *CouponIssue) Use(orderID string, orderAmount int64, now time.Time) (int64, error) {
	if c.Status == StatusUsed {
		if c.OrderID == orderID {
			return c.ActualDiscountAmount, nil
		}
		return 0, ErrOrderConflict
	}
	if c.Status != StatusReserved {
		return 0, ErrInvalidStateTransition
	}
	if orderAmount < c.Discount.MinOrderAmount {
		return 0, ErrMinOrderAmountNotMet
	}

	discount := c.Discount.Calculate(orderAmount)

	c.Status = StatusUsed
	c.OrderID = orderID
	c.UsedAt = &now
	c.ActualDiscountAmount = discount
	// ReservationID 保留，便于对账
	return discount, nil
}

// CancelReservation 解除锁定。RESERVED → ISSUED。
// 已经是 ISSUED 视为成功（支付失败事件可能重复投递）；
// 已核销的券不能被"取消预约"回退。
func (c *CouponIssue) CancelReservation() error {
	switch c.Status {
	case StatusIssued:
		return nil // 幂等：已经释放过了
	case StatusUsed:
		return ErrCouponAlreadyUsed
	case StatusExpired:
		return ErrInvalidStateTransition
	}

	c.Status = StatusIssued
	c.ReservationID = ""
	c.ReservedAt = nil
	return nil
}

// IsReservationTimedOut 判断预约是否已超过给定时限。
// 清扫器在查询命中后必须逐行再次调用它，防止查询快照与处理之间的时钟偏差。
func (c *CouponIssue) IsReservationTimedOut(timeout time.Duration, now time.Time) bool {
	if c.Status != StatusReserved || c.ReservedAt == nil {
		return false
	}
	return now.Sub(*c.ReservedAt) > timeout
}

// TimeoutReservation 超时回收。RESERVED → ISSUED，清空预约字段。
func (c *CouponIssue) TimeoutReservation(timeout time.Duration, now time.Time) error {
	if c.Status != StatusReserved {
		return ErrInvalidStateTransition
	}
	if !c.IsReservationTimedOut(timeout, now) {
		return ErrInvalidStateTransition
	}

	c.Status = StatusIssued
	c.ReservationID = ""
	c.ReservedAt = nil
	return nil
}

// Expire 过期。ISSUED/RESERVED → EXPIRED。已核销的券不会过期。
func (c *CouponIssue) Expire(now time.Time) error {
	switch c.Status {
	case StatusUsed:
		return ErrInvalidStateTransition
	case StatusExpired:
		return nil
	}
	if !now.After(c.ExpiresAt) {
		return ErrInvalidStateTransition
	}

	c.Status = StatusExpired
	c.ExpiredAt = &now
	return nil
}

// IsTerminal 返回券是否已进入终态。
func (c *CouponIssue) IsTerminal() bool {
	return c.Status == StatusUsed || c.Status == StatusExpired
}
