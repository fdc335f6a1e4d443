// internal/service/coupon/application/query_service.go
package application

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"couponhub/internal/pkg/logger"
	"couponhub/internal/service/coupon/domain"
	"couponhub/internal/service/coupon/domain/port"
)

// 统计读模型允许短暂陈旧，缓存 TTL 压在秒级
const statsCacheTTL = 10 * time.Second

// QueryService 是纯读路径：用户持券列表和政策统计看板。
// 不加任何锁，统计用缓存旁路挡住热点政策的反复聚合查询。
type QueryService struct {
	couponRepo domain.CouponIssueRepository
	policyRepo domain.CouponPolicyRepository
	statsCache port.StatsCache
	tracer     trace.Tracer
}

func NewQueryService(
	couponRepo domain.CouponIssueRepository,
	policyRepo domain.CouponPolicyRepository,
	statsCache port.StatsCache,
	tracer trace.Tracer,
) *QueryService {
	return &QueryService{
		couponRepo: couponRepo,
		policyRepo: policyRepo,
		statsCache: statsCache,
		tracer:     tracer,
	}
}

// GetUserCoupons 返回用户名下的全部券。
func (s *QueryService) GetUserCoupons(ctx context.Context, userID int64) ([]*CouponView, error) {
	ctx, span := s.tracer.Start(ctx, "service.GetUserCoupons")
	defer span.End()

	span.SetAttributes(attribute.Int64("user.id", userID))

	if userID <= 0 {
		return nil, domain.ErrValidation
	}

	coupons, err := s.couponRepo.FindByUserID(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	views := make([]*CouponView, 0, len(coupons))
	for _, c := range coupons {
		views = append(views, toCouponView(c))
	}
	span.SetAttributes(attribute.Int("coupon.count", len(views)))
	return views, nil
}

// GetCoupon 返回单张券的详情（含归属校验）。
func (s *QueryService) GetCoupon(ctx context.Context, couponID, userID int64) (*CouponView, error) {
	ctx, span := s.tracer.Start(ctx, "service.GetCoupon")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("coupon.id", couponID),
		attribute.Int64("user.id", userID),
	)

	coupon, err := s.couponRepo.FindByID(ctx, couponID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if coupon.UserID != userID {
		return nil, domain.ErrCouponNotFound
	}
	return toCouponView(coupon), nil
}

// GetPolicyStats 返回政策的发放/使用统计，带读穿缓存。
// 基于数据库 count 聚合，不追求与发放路径强一致。
func (s *QueryService) GetPolicyStats(ctx context.Context, policyID int64) (*PolicyStatsView, error) {
	ctx, span := s.tracer.Start(ctx, "service.GetPolicyStats")
	defer span.End()

	span.SetAttributes(attribute.Int64("policy.id", policyID))

	if policyID <= 0 {
		return nil, domain.ErrValidation
	}

	cacheKey := fmt.Sprintf("coupon:stats:%d", policyID)
	var cached PolicyStatsView
	if hit, err := s.statsCache.Get(ctx, cacheKey, &cached); err == nil && hit {
		span.AddEvent("stats cache hit")
		return &cached, nil
	}

	policy, err := s.policyRepo.FindByID(ctx, policyID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	counts, err := s.couponRepo.CountByPolicyGroupedByStatus(ctx, policyID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	stats := &PolicyStatsView{
		PolicyID:      policy.ID,
		Name:          policy.Name,
		MaxIssueCount: policy.MaxIssueCount,
		IssuedTotal:   policy.CurrentIssueCount,
		ActiveCount:   counts[domain.StatusIssued],
		ReservedCount: counts[domain.StatusReserved],
		UsedCount:     counts[domain.StatusUsed],
		ExpiredCount:  counts[domain.StatusExpired],
	}

	if err := s.statsCache.Set(ctx, cacheKey, stats, statsCacheTTL); err != nil {
		// 缓存写失败不影响返回结果
		logger.Ctx(ctx).Printf("failed to cache stats for policy %d: %v", policyID, err)
	}

	return stats, nil
}
