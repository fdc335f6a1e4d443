// internal/service/coupon/application/reserve_service.go
package application

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"couponhub/internal/pkg/constants"
	"couponhub/internal/pkg/logger"
	"couponhub/internal/pkg/metrics"
	"couponhub/internal/service/coupon/domain"
	"couponhub/internal/service/coupon/domain/port"
)

// ReserveService 负责结算链路上的锁券与释放。
// 并发预约的互斥不靠分布式锁，靠仓储层的行锁：
// UpdateWithLock 把"加载 → 守卫 → 保存"放进一个事务，
// 五个并发请求抢同一张券时只有先拿到行锁的那个能从 ISSUED 走到 RESERVED，
// 其余四个在锁释放后看到 RESERVED 状态，被状态机守卫拒绝。
type ReserveService struct {
	couponRepo domain.CouponIssueRepository
	policyRepo domain.CouponPolicyRepository
	ruleEngine port.RuleEngine
	admission  port.AdmissionController
	tracer     trace.Tracer
}

func NewReserveService(
	couponRepo domain.CouponIssueRepository,
	policyRepo domain.CouponPolicyRepository,
	ruleEngine port.RuleEngine,
	admission port.AdmissionController,
	tracer trace.Tracer,
) *ReserveService {
	return &ReserveService{
		couponRepo: couponRepo,
		policyRepo: policyRepo,
		ruleEngine: ruleEngine,
		admission:  admission,
		tracer:     tracer,
	}
}

// Reserve 把一张券锁定到一次结算流程上。
func (s *ReserveService) Reserve(ctx context.Context, req *ReserveCouponRequest) (*CouponView, error) {
	ctx, span := s.tracer.Start(ctx, "service.Reserve")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("coupon.id", req.CouponID),
		attribute.Int64("user.id", req.UserID),
		attribute.String("reservation.id", req.ReservationID),
		attribute.Int64("order.amount", req.OrderAmount),
	)

	if req.CouponID <= 0 || req.UserID <= 0 || req.ReservationID == "" || req.OrderAmount <= 0 {
		return nil, domain.ErrValidation
	}

	// 黑名单与限流准入，任何券操作之前都先过这道闸
	userKey := fmt.Sprintf("%d", req.UserID)
	if s.admission.IsBlocked(ctx, userKey) || !s.admission.IsAllowed(ctx, userKey, constants.EndpointReserve) {
		span.AddEvent("Request rejected by admission controller")
		return nil, domain.ErrRateLimited
	}

	var reserved *domain.CouponIssue
	err := s.couponRepo.UpdateWithLock(ctx, req.CouponID, func(ctx context.Context, coupon *domain.CouponIssue) error {
		// 1. 归属校验：不能预约别人的券
		if coupon.UserID != req.UserID {
			return domain.ErrCouponNotFound
		}

		// 2. 金额门槛提前挡掉，避免用户锁了券才发现用不了
		if req.OrderAmount < coupon.Discount.MinOrderAmount {
			return domain.ErrMinOrderAmountNotMet
		}

		// 3. 政策级适用性规则（CEL 表达式）
		if err := s.checkApplicable(ctx, coupon, req); err != nil {
			return err
		}

		// 4. 状态机转移
		return coupon.Reserve(req.ReservationID, time.Now())
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reserve failed")
		return nil, err
	}

	// UpdateWithLock 的 fn 成功后，行内数据就是转移后的状态；
	// 重新加载一次用于返回视图。
	reserved, err = s.couponRepo.FindByID(ctx, req.CouponID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	metrics.ReservationsCreated.Inc()
	logger.Ctx(ctx).Printf("Coupon %d reserved by user %d for reservation %s",
		req.CouponID, req.UserID, req.ReservationID)

	return toCouponView(reserved), nil
}

// CancelReservation 是用户主动放弃结算、释放券的入口。
// 与支付失败事件的释放路径共享同一个领域方法，幂等。
func (s *ReserveService) CancelReservation(ctx context.Context, req *CancelReservationRequest) error {
	ctx, span := s.tracer.Start(ctx, "service.CancelReservation")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("coupon.id", req.CouponID),
		attribute.Int64("user.id", req.UserID),
	)

	if req.CouponID <= 0 || req.UserID <= 0 {
		return domain.ErrValidation
	}

	// 释放路径不限流（卡住释放等于卡住库存），但黑名单照常生效
	if s.admission.IsBlocked(ctx, fmt.Sprintf("%d", req.UserID)) {
		span.AddEvent("Request rejected by admission controller")
		return domain.ErrRateLimited
	}

	err := s.couponRepo.UpdateWithLock(ctx, req.CouponID, func(ctx context.Context, coupon *domain.CouponIssue) error {
		if coupon.UserID != req.UserID {
			return domain.ErrCouponNotFound
		}
		return coupon.CancelReservation()
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	logger.Ctx(ctx).Printf("Reservation on coupon %d cancelled by user %d", req.CouponID, req.UserID)
	return nil
}

// checkApplicable 评估政策配置的 CEL 适用性规则。规则为空直接放行。
// 规则表达式本身有语法错误属于配置事故，按"不适用"处理并记错误日志，
// 而不是让整个预约请求 500。
func (s *ReserveService) checkApplicable(ctx context.Context, coupon *domain.CouponIssue, req *ReserveCouponRequest) error {
	policy, err := s.policyRepo.FindByID(ctx, coupon.PolicyID)
	if err != nil {
		return err
	}
	if policy.ApplicableRule == "" {
		return nil
	}

	ok, err := s.ruleEngine.Evaluate(ctx, policy.ApplicableRule, port.Fact{
		UserID:      req.UserID,
		OrderAmount: req.OrderAmount,
		Items:       req.ItemIDs,
	})
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Int64("policy_id", policy.ID).
			Msg("🛑 applicable rule evaluation failed, treating coupon as not applicable")
		return domain.ErrCouponNotApplicable
	}
	if !ok {
		return domain.ErrCouponNotApplicable
	}
	return nil
}
