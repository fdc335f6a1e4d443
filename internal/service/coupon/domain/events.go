// internal/service/coupon/domain/events.go
package domain

// PaymentCompletedEvent 是支付服务发出的支付完成通知。
// 投递语义为 at-least-once，消费方必须幂等。
type PaymentCompletedEvent struct {
	PaymentID      string `json:"payment_id"`
	OrderID        string `json:"order_id"`
	ReservationID  string `json:"reservation_id"`
	UserID         int64  `json:"user_id"`
	Amount         int64  `json:"amount"`
	DiscountAmount int64  `json:"discount_amount"`
}

// IsValid 校验事件携带了定位一张券所必需的字段。
// 校验失败的事件直接 ack 丢弃，不值得无限重投。
func (e *PaymentCompletedEvent) IsValid() bool {
	return e.ReservationID != "" && e.OrderID != "" && e.Amount > 0
}

// PaymentFailedEvent 是支付失败/取消通知，驱动预约释放。
type PaymentFailedEvent struct {
	PaymentID     string `json:"payment_id"`
	OrderID       string `json:"order_id"`
	ReservationID string `json:"reservation_id"`
	UserID        int64  `json:"user_id"`
	Reason        string `json:"reason"`
}

func (e *PaymentFailedEvent) IsValid() bool {
	return e.ReservationID != "" && e.OrderID != ""
}

// ReservationTimeoutEvent 是清扫器回收一笔超时预约后对外发布的事件，
// 供结算页、风控、报表等下游消费。
type ReservationTimeoutEvent struct {
	CouponID      int64  `json:"coupon_id"`
	UserID        int64  `json:"user_id"`
	ReservationID string `json:"reservation_id"`
}
