// internal/service/coupon/application/issue_service.go
package application

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"couponhub/internal/pkg/constants"
	"couponhub/internal/pkg/logger"
	"couponhub/internal/pkg/metrics"
	"couponhub/internal/service/coupon/domain"
	"couponhub/internal/service/coupon/domain/port"
)

const (
	// 领券锁的租约与等待窗口。临界区只有一次计数更新加一次插入，租约给足余量。
	downloadLockTTL      = 3 * time.Second
	downloadLockWaitTime = 2 * time.Second

	// 直发的并发扇出上限，防止一次万人直发打爆连接池
	directIssueConcurrency = 16
)

// IssueService 负责券的发放：用户凭码领取和管理员直发。
//
// 库存正确性由两层保证：
//  1. per-user 锁（policy+user 粒度）串行化同一用户的并发领取，
//     让"每用户限领"校验不会被自己打穿；
//  2. 存储层 DecrementIssueCount 的条件更新保证全局配额绝不超发，
//     即使第 1 层完全失效，最多也只是用户多收到一次"已抢完"。
type IssueService struct {
	policyRepo domain.CouponPolicyRepository
	couponRepo domain.CouponIssueRepository
	locker     port.DistributedLocker
	idGen      port.IDGenerator
	admission  port.AdmissionController
	tracer     trace.Tracer
}

func NewIssueService(
	policyRepo domain.CouponPolicyRepository,
	couponRepo domain.CouponIssueRepository,
	locker port.DistributedLocker,
	idGen port.IDGenerator,
	admission port.AdmissionController,
	tracer trace.Tracer,
) *IssueService {
	return &IssueService{
		policyRepo: policyRepo,
		couponRepo: couponRepo,
		locker:     locker,
		idGen:      idGen,
		admission:  admission,
		tracer:     tracer,
	}
}

// DownloadCoupon 是用户凭码领券的入口。
func (s *IssueService) DownloadCoupon(ctx context.Context, req *DownloadCouponRequest) (*CouponView, error) {
	ctx, span := s.tracer.Start(ctx, "service.DownloadCoupon")
	defer span.End()

	span.SetAttributes(
		attribute.String("coupon.code", req.CouponCode),
		attribute.Int64("user.id", req.UserID),
	)

	if req.CouponCode == "" || req.UserID <= 0 {
		return nil, domain.ErrValidation
	}

	// 0. 限流与黑名单准入
	userKey := fmt.Sprintf("%d", req.UserID)
	if s.admission.IsBlocked(ctx, userKey) || !s.admission.IsAllowed(ctx, userKey, constants.EndpointDownload) {
		span.AddEvent("Request rejected by admission controller")
		return nil, domain.ErrRateLimited
	}

	// 1. 按码定位政策
	policy, err := s.policyRepo.FindByCode(ctx, req.CouponCode)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	issued, err := s.issueOne(ctx, policy, req.UserID)
	if err != nil {
		return nil, err
	}

	metrics.CouponsIssued.WithLabelValues(string(policy.Distribution)).Inc()
	logger.Ctx(ctx).Printf("Coupon %d issued to user %d from policy %d", issued.ID, req.UserID, policy.ID)

	return toCouponView(issued), nil
}

// DirectIssue 是管理员向一批用户直发券。逐用户独立成败，
// 单个用户失败（常见是已达限领上限）不影响其他用户。
func (s *IssueService) DirectIssue(ctx context.Context, req *DirectIssueRequest) (*DirectIssueResponse, error) {
	ctx, span := s.tracer.Start(ctx, "service.DirectIssue")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("policy.id", req.PolicyID),
		attribute.Int("user.count", len(req.UserIDs)),
	)

	if req.PolicyID <= 0 || len(req.UserIDs) == 0 {
		return nil, domain.ErrValidation
	}

	policy, err := s.policyRepo.FindByID(ctx, req.PolicyID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	type issueResult struct {
		userID int64
		err    error
	}
	results := make([]issueResult, len(req.UserIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(directIssueConcurrency)
	for i, userID := range req.UserIDs {
		i, userID := i, userID
		g.Go(func() error {
			_, issueErr := s.issueOne(gctx, policy, userID)
			results[i] = issueResult{userID: userID, err: issueErr}
			return nil // 单用户失败记录在结果里，不中断其他用户
		})
	}
	_ = g.Wait()

	resp := &DirectIssueResponse{Failures: make(map[int64]string)}
	for _, r := range results {
		if r.err != nil {
			resp.FailedCount++
			resp.Failures[r.userID] = domain.ErrorCode(r.err)
			continue
		}
		resp.SucceededCount++
		metrics.CouponsIssued.WithLabelValues(string(policy.Distribution)).Inc()
	}

	logger.Ctx(ctx).Printf("Direct issue for policy %d finished: %d succeeded, %d failed",
		req.PolicyID, resp.SucceededCount, resp.FailedCount)
	span.SetAttributes(
		attribute.Int("issue.succeeded", resp.SucceededCount),
		attribute.Int("issue.failed", resp.FailedCount),
	)

	return resp, nil
}

// issueOne 为单个用户执行一次完整的发放流程。凭码领取与直发共用。
func (s *IssueService) issueOne(ctx context.Context, policy *domain.CouponPolicy, userID int64) (*domain.CouponIssue, error) {
	ctx, span := s.tracer.Start(ctx, "service.issueOne")
	defer span.End()

	now := time.Now()

	// 1. 政策本身是否可发
	if err := policy.CanIssueAt(now); err != nil {
		span.RecordError(err)
		return nil, err
	}

	// 2. 在 policy+user 锁内做限领校验与发放，串行化同一用户的并发领取
	lockKey := fmt.Sprintf("lock:%s:%d:%d", constants.LockPrefixDownload, policy.ID, userID)
	token := uuid.NewString()

	var issued *domain.CouponIssue
	err := port.WithLock(ctx, s.locker, lockKey, token, downloadLockTTL, downloadLockWaitTime,
		func(ctx context.Context) error {
			// 2.1 每用户限领上限
			active, err := s.couponRepo.CountActiveByUserAndPolicy(ctx, userID, policy.ID)
			if err != nil {
				return err
			}
			if policy.MaxUsagePerUser > 0 && active >= int64(policy.MaxUsagePerUser) {
				return domain.ErrAlreadyIssued
			}

			// 2.2 原子占用一个全局发放名额
			ok, err := s.policyRepo.DecrementIssueCount(ctx, policy.ID)
			if err != nil {
				return err
			}
			if !ok {
				metrics.StockExhausted.Inc()
				return domain.ErrStockExhausted
			}

			// 2.3 发号并落库。落库失败必须归还名额，否则库存台账出现"幽灵占用"
			id, err := s.idGen.NextID()
			if err != nil {
				s.compensate(ctx, policy.ID)
				return errors.Wrap(err, "generate coupon id")
			}

			coupon := domain.NewCouponIssue(id, policy, userID, now)
			if err := s.couponRepo.Create(ctx, coupon); err != nil {
				s.compensate(ctx, policy.ID)
				return err
			}

			issued = coupon
			return nil
		})
	if err != nil {
		if errors.Is(err, domain.ErrLockNotAcquired) {
			metrics.LockAcquireFailures.WithLabelValues(constants.LockPrefixDownload).Inc()
		}
		span.RecordError(err)
		return nil, err
	}

	return issued, nil
}

// compensate 归还一个已占用的发放名额。补偿失败只能记日志，
// 后果是少发一张券，比超发安全。
func (s *IssueService) compensate(ctx context.Context, policyID int64) {
	if err := s.policyRepo.CompensateIssueCount(ctx, policyID); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Int64("policy_id", policyID).
			Msg("🛑 failed to compensate issue count, stock undersold by one")
	}
}
