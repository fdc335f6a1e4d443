// internal/service/coupon/application/policy_service.go
package application

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"couponhub/internal/pkg/constants"
	"couponhub/internal/pkg/logger"
	"couponhub/internal/pkg/metrics"
	"couponhub/internal/service/coupon/domain"
	"couponhub/internal/service/coupon/domain/port"
)

const (
	policyLockTTL      = 5 * time.Second
	policyLockWaitTime = 3 * time.Second
)

// PolicyService 负责政策的运营侧变更。政策创建后唯一可变的是发放上限。
//
// 修改上限必须在政策粒度的分布式锁内完成：
// 上限校验（不得低于已发放数）读的是 CurrentIssueCount 快照，
// 没有锁的话两个运营端并发修改会基于同一份快照互相覆盖。
// 领券路径不抢这把锁——DecrementIssueCount 的条件更新读的是
// 数据库当前行，和这里的 Save 天然由行锁串行化。
type PolicyService struct {
	policyRepo domain.CouponPolicyRepository
	locker     port.DistributedLocker
	tracer     trace.Tracer
}

func NewPolicyService(policyRepo domain.CouponPolicyRepository, locker port.DistributedLocker, tracer trace.Tracer) *PolicyService {
	return &PolicyService{policyRepo: policyRepo, locker: locker, tracer: tracer}
}

// UpdateRemainingQuantity 修改政策的发放上限。newMax 为 nil 表示改为不限量。
// 守卫拒绝不是裸错误：连同变更前的上限、请求的上限和已发放数
// 一起返回，审计日志两条腿都要留痕。
func (s *PolicyService) UpdateRemainingQuantity(ctx context.Context, req *UpdateQuantityRequest) (*UpdateQuantityResponse, error) {
	ctx, span := s.tracer.Start(ctx, "service.UpdateRemainingQuantity")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("policy.id", req.PolicyID),
		attribute.Int64("modifier.id", req.ModifierID),
	)
	if req.NewMax != nil {
		span.SetAttributes(attribute.Int64("policy.new_max", *req.NewMax))
	}

	if req.PolicyID <= 0 {
		return nil, domain.ErrValidation
	}

	lockKey := fmt.Sprintf("lock:%s:%d", constants.LockPrefixPolicyUpdate, req.PolicyID)
	token := uuid.NewString()

	var resp *UpdateQuantityResponse
	err := port.WithLock(ctx, s.locker, lockKey, token, policyLockTTL, policyLockWaitTime,
		func(ctx context.Context) error {
			// 锁内重新加载，拿到的 CurrentIssueCount 才是可信快照
			policy, err := s.policyRepo.FindByID(ctx, req.PolicyID)
			if err != nil {
				return err
			}

			previous := policy.MaxIssueCount
			if guardErr := policy.UpdateRemainingQuantity(req.NewMax, time.Now()); guardErr != nil {
				resp = &UpdateQuantityResponse{
					PolicyID:     policy.ID,
					Success:      false,
					FailureCode:  domain.ErrorCode(guardErr),
					PreviousMax:  previous,
					RequestedMax: req.NewMax,
					NewMax:       previous, // 守卫拒绝后上限保持原值
					IssuedCount:  policy.CurrentIssueCount,
				}
				return guardErr
			}
			if err := s.policyRepo.Save(ctx, policy); err != nil {
				return err
			}

			resp = &UpdateQuantityResponse{
				PolicyID:     policy.ID,
				Success:      true,
				PreviousMax:  previous,
				RequestedMax: req.NewMax,
				NewMax:       policy.MaxIssueCount,
				IssuedCount:  policy.CurrentIssueCount,
			}
			return nil
		})
	if err != nil {
		if errors.Is(err, domain.ErrLockNotAcquired) {
			metrics.LockAcquireFailures.WithLabelValues(constants.LockPrefixPolicyUpdate).Inc()
		}
		span.RecordError(err)
		if resp != nil {
			s.auditLog(ctx, req, resp)
		}
		return resp, err
	}

	s.auditLog(ctx, req, resp)
	return resp, nil
}

// auditLog 给配额变更留一条结构化审计记录，成败都记。
func (s *PolicyService) auditLog(ctx context.Context, req *UpdateQuantityRequest, resp *UpdateQuantityResponse) {
	event := logger.Ctx(ctx).Info()
	if !resp.Success {
		event = logger.Ctx(ctx).Warn().Str("failure_code", resp.FailureCode)
	}
	event.
		Int64("policy_id", resp.PolicyID).
		Int64("modifier_id", req.ModifierID).
		Str("reason", req.Reason).
		Str("previous_max", formatMax(resp.PreviousMax)).
		Str("requested_max", formatMax(resp.RequestedMax)).
		Int64("issued_count", resp.IssuedCount).
		Bool("success", resp.Success).
		Msg("policy max issue count update")
}

func formatMax(v *int64) string {
	if v == nil {
		return "unlimited"
	}
	return fmt.Sprintf("%d", *v)
}
