// internal/service/coupon/application/payment_service.go
package application

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"couponhub/internal/pkg/logger"
	"couponhub/internal/pkg/metrics"
	"couponhub/internal/service/coupon/domain"
)

// PaymentService 消费支付结果事件，驱动券从 RESERVED 走向终态或回退。
//
// 投递语义是 at-least-once，所以这里的每条路径都必须幂等：
//   - 同一订单的支付完成事件重放 N 次，核销只发生一次；
//   - 业务上无法成立的事件（券不存在、订单冲突）返回 nil 让消费者 ack，
//     重投不会改变结论，无限重试只会堵死分区；
//   - 基础设施错误（连接断开、行锁超时）原样返回，消费者不 ack，等待重投。
type PaymentService struct {
	couponRepo domain.CouponIssueRepository
	tracer     trace.Tracer
}

func NewPaymentService(couponRepo domain.CouponIssueRepository, tracer trace.Tracer) *PaymentService {
	return &PaymentService{couponRepo: couponRepo, tracer: tracer}
}

// ProcessPaymentCompleted 处理支付完成：按预约号定位券并核销。
func (s *PaymentService) ProcessPaymentCompleted(ctx context.Context, event *domain.PaymentCompletedEvent) error {
	ctx, span := s.tracer.Start(ctx, "service.ProcessPaymentCompleted")
	defer span.End()

	span.SetAttributes(
		attribute.String("payment.id", event.PaymentID),
		attribute.String("order.id", event.OrderID),
		attribute.String("reservation.id", event.ReservationID),
	)

	if !event.IsValid() {
		// 结构性残缺的事件重投多少次都一样，直接丢弃
		metrics.PaymentEvents.WithLabelValues("completed", "malformed").Inc()
		logger.Ctx(ctx).Printf("Dropping malformed payment-completed event, payment_id=%s", event.PaymentID)
		return nil
	}

	err := s.couponRepo.UpdateByReservationWithLock(ctx, event.ReservationID,
		func(ctx context.Context, coupon *domain.CouponIssue) error {
			discount, useErr := coupon.Use(event.OrderID, event.Amount, time.Now())
			if useErr != nil {
				return useErr
			}
			span.SetAttributes(attribute.Int64("coupon.discount", discount))
			return nil
		})

	switch {
	case err == nil:
		metrics.PaymentEvents.WithLabelValues("completed", "used").Inc()
		logger.Ctx(ctx).Printf("✅ Coupon used for order %s (reservation %s)", event.OrderID, event.ReservationID)
		return nil

	case errors.Is(err, domain.ErrCouponNotFound):
		// 该笔结算没有用券，正常情况
		metrics.PaymentEvents.WithLabelValues("completed", "no_coupon").Inc()
		return nil

	case errors.Is(err, domain.ErrOrderConflict):
		// 同一预约已被另一个订单号核销。这是上游的对账事故，
		// ack 掉并大声记录，重投解决不了
		metrics.PaymentEvents.WithLabelValues("completed", "order_conflict").Inc()
		logger.Ctx(ctx).Error().
			Str("reservation_id", event.ReservationID).
			Str("order_id", event.OrderID).
			Msg("🛑 payment-completed for a reservation already used with a different order")
		span.RecordError(err)
		return nil

	case errors.Is(err, domain.ErrInvalidStateTransition),
		errors.Is(err, domain.ErrMinOrderAmountNotMet):
		// 券已不在可核销状态（例如已被清扫器回收后过期），业务终局
		metrics.PaymentEvents.WithLabelValues("completed", "rejected").Inc()
		logger.Ctx(ctx).Error().Err(err).
			Str("reservation_id", event.ReservationID).
			Msg("🛑 payment-completed rejected by coupon state machine")
		span.RecordError(err)
		return nil

	default:
		// 基础设施错误，交回消费者重投
		metrics.PaymentEvents.WithLabelValues("completed", "error").Inc()
		span.RecordError(err)
		return errors.Wrap(err, "process payment-completed")
	}
}

// ProcessPaymentFailed 处理支付失败/取消：释放预约，券回到 ISSUED。
func (s *PaymentService) ProcessPaymentFailed(ctx context.Context, event *domain.PaymentFailedEvent) error {
	ctx, span := s.tracer.Start(ctx, "service.ProcessPaymentFailed")
	defer span.End()

	span.SetAttributes(
		attribute.String("payment.id", event.PaymentID),
		attribute.String("order.id", event.OrderID),
		attribute.String("reservation.id", event.ReservationID),
		attribute.String("payment.fail_reason", event.Reason),
	)

	if !event.IsValid() {
		metrics.PaymentEvents.WithLabelValues("failed", "malformed").Inc()
		logger.Ctx(ctx).Printf("Dropping malformed payment-failed event, payment_id=%s", event.PaymentID)
		return nil
	}

	err := s.couponRepo.UpdateByReservationWithLock(ctx, event.ReservationID,
		func(ctx context.Context, coupon *domain.CouponIssue) error {
			return coupon.CancelReservation()
		})

	switch {
	case err == nil:
		metrics.PaymentEvents.WithLabelValues("failed", "released").Inc()
		logger.Ctx(ctx).Printf("Reservation %s released after payment failure (order %s)",
			event.ReservationID, event.OrderID)
		return nil

	case errors.Is(err, domain.ErrCouponNotFound):
		metrics.PaymentEvents.WithLabelValues("failed", "no_coupon").Inc()
		return nil

	case errors.Is(err, domain.ErrCouponAlreadyUsed):
		// 失败事件晚于完成事件到达（乱序重放），券已核销。
		// 核销是不可回退的终态，记录并 ack
		metrics.PaymentEvents.WithLabelValues("failed", "already_used").Inc()
		logger.Ctx(ctx).Error().
			Str("reservation_id", event.ReservationID).
			Msg("🛑 payment-failed arrived after coupon was already used, manual reconciliation needed")
		span.RecordError(err)
		return nil

	case errors.Is(err, domain.ErrInvalidStateTransition):
		metrics.PaymentEvents.WithLabelValues("failed", "rejected").Inc()
		span.RecordError(err)
		return nil

	default:
		metrics.PaymentEvents.WithLabelValues("failed", "error").Inc()
		span.RecordError(err)
		return errors.Wrap(err, "process payment-failed")
	}
}
