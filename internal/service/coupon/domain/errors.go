// internal/service/coupon/domain/errors.go
package domain

import "github.com/pkg/errors"

// 领域错误哨兵。应用层用 errors.Is 判断，接口层据此映射 HTTP 状态码，
// 基础设施层的意外错误（连接断开等）不属于这里，按原样向上冒泡。
var (
	ErrPolicyNotFound = errors.New("coupon policy not found")
	ErrCouponNotFound = errors.New("coupon not found")

	// 库存耗尽是正常的业务结果，不是系统故障
	ErrStockExhausted = errors.New("coupon stock exhausted")

	ErrAlreadyIssued        = errors.New("user already holds the maximum number of coupons for this policy")
	ErrDuplicateReservation = errors.New("reservation id already in use")

	ErrCouponAlreadyReserved  = errors.New("coupon is already reserved")
	ErrCouponAlreadyUsed      = errors.New("coupon is already used")
	ErrCouponExpired          = errors.New("coupon is expired")
	ErrInvalidStateTransition = errors.New("invalid coupon state transition")

	// 同一预订已用其他订单号核销，拒绝覆盖
	ErrOrderConflict = errors.New("coupon already used with a different order")

	ErrMinOrderAmountNotMet = errors.New("order amount below coupon minimum")
	ErrCouponNotApplicable  = errors.New("coupon not applicable to this order")

	// 乐观锁版本不一致或行锁竞争失败，调用方可重试
	ErrConcurrentModification = errors.New("coupon was modified concurrently")
	ErrLockNotAcquired        = errors.New("failed to acquire distributed lock")

	ErrQuantityBelowIssued = errors.New("max issue count cannot be lower than already issued count")
	ErrPolicyExpired       = errors.New("cannot modify an expired policy")
	ErrPolicyInactive      = errors.New("coupon policy is not active")
	ErrPolicyNotStarted    = errors.New("coupon policy is not yet valid")

	ErrValidation  = errors.New("invalid request")
	ErrRateLimited = errors.New("request rejected by rate limiter")
)

// ErrorCode 把领域错误翻译成对外稳定的错误码。
// 未知错误统一归为 INTERNAL_ERROR，不向调用方泄漏内部细节。
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrPolicyNotFound):
		return "POLICY_NOT_FOUND"
	case errors.Is(err, ErrCouponNotFound):
		return "COUPON_NOT_FOUND"
	case errors.Is(err, ErrStockExhausted):
		return "STOCK_EXHAUSTED"
	case errors.Is(err, ErrAlreadyIssued):
		return "ALREADY_ISSUED"
	case errors.Is(err, ErrDuplicateReservation):
		return "DUPLICATE_RESERVATION"
	case errors.Is(err, ErrCouponAlreadyReserved):
		return "ALREADY_RESERVED"
	case errors.Is(err, ErrCouponAlreadyUsed):
		return "ALREADY_USED"
	case errors.Is(err, ErrCouponExpired):
		return "COUPON_EXPIRED"
	case errors.Is(err, ErrOrderConflict):
		return "ORDER_CONFLICT"
	case errors.Is(err, ErrInvalidStateTransition):
		return "INVALID_STATE_TRANSITION"
	case errors.Is(err, ErrMinOrderAmountNotMet):
		return "MIN_ORDER_AMOUNT_NOT_MET"
	case errors.Is(err, ErrCouponNotApplicable):
		return "COUPON_NOT_APPLICABLE"
	case errors.Is(err, ErrConcurrentModification):
		return "CONFLICT"
	case errors.Is(err, ErrLockNotAcquired):
		return "LOCK_NOT_ACQUIRED"
	case errors.Is(err, ErrQuantityBelowIssued):
		return "QUANTITY_BELOW_ISSUED"
	case errors.Is(err, ErrPolicyExpired):
		return "POLICY_EXPIRED"
	case errors.Is(err, ErrPolicyInactive):
		return "POLICY_INACTIVE"
	case errors.Is(err, ErrPolicyNotStarted):
		return "POLICY_NOT_STARTED"
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	default:
		return "INTERNAL_ERROR"
	}
}
