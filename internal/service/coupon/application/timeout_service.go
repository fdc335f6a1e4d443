// internal/service/coupon/application/timeout_service.go
package application

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"couponhub/internal/pkg/logger"
	"couponhub/internal/pkg/metrics"
	"couponhub/internal/service/coupon/domain"
	"couponhub/internal/service/coupon/domain/port"
)

// TimeoutService 是后台清扫器的业务内核：回收超时预约、淘汰过期券。
//
// 批处理模型：每批一个事务，SKIP LOCKED 保证多实例并发扫同一张表
// 互不重复；单条券处理失败只跳过该条，不放弃整批。
// 事件发布放在事务提交之后——宁可偶尔漏发通知，也不能让
// Kafka 抖动回滚已经做对的状态转移。
type TimeoutService struct {
	couponRepo domain.CouponIssueRepository
	publisher  port.EventPublisher
	tracer     trace.Tracer

	reservationTimeout time.Duration
	batchSize          int
	scanLimit          int
}

func NewTimeoutService(
	couponRepo domain.CouponIssueRepository,
	publisher port.EventPublisher,
	tracer trace.Tracer,
	reservationTimeout time.Duration,
	batchSize, scanLimit int,
) *TimeoutService {
	if batchSize <= 0 {
		batchSize = 100
	}
	if scanLimit <= 0 {
		scanLimit = 500
	}
	return &TimeoutService{
		couponRepo:         couponRepo,
		publisher:          publisher,
		tracer:             tracer,
		reservationTimeout: reservationTimeout,
		batchSize:          batchSize,
		scanLimit:          scanLimit,
	}
}

// SweepReport 汇总一轮清扫的结果。
// Errors 是失败批次的计数：单批失败（事务回滚）不中止本轮，
// 已提交批次的成果保留，失败记入台账继续下一批。
type SweepReport struct {
	Scanned   int
	Reclaimed int
	Skipped   int
	Errors    int
}

// ProcessTimeoutReservations 执行一轮超时预约回收。
// 每次调用最多处理 scanLimit 条，按 batchSize 分批提交。
// 失败批次也消耗扫描额度，持续性故障下一轮清扫依然有界。
func (s *TimeoutService) ProcessTimeoutReservations(ctx context.Context) (*SweepReport, error) {
	ctx, span := s.tracer.Start(ctx, "sweeper.ProcessTimeoutReservations")
	defer span.End()

	threshold := time.Now().Add(-s.reservationTimeout)
	report := &SweepReport{}
	var lastErr error

	for quota := s.scanLimit; quota > 0; {
		batch := s.batchSize
		if quota < batch {
			batch = quota
		}

		var batchScanned, batchSkipped int
		// TimeoutReservation 会清空预约字段，事件广播前先留档
		reservationIDs := make(map[int64]string, batch)
		reclaimed, err := s.couponRepo.SweepTimedOutReservations(ctx, threshold, batch,
			func(ctx context.Context, coupon *domain.CouponIssue) (bool, error) {
				batchScanned++
				reservationIDs[coupon.ID] = coupon.ReservationID
				// 查询快照和逐行处理之间存在窗口，守卫必须基于当前时钟重判：
				// 这期间支付完成事件可能已把券推进到 USED
				if err := coupon.TimeoutReservation(s.reservationTimeout, time.Now()); err != nil {
					batchSkipped++
					logger.Ctx(ctx).Printf("Sweeper skipped coupon %d: %v", coupon.ID, err)
					return false, nil
				}
				return true, nil
			})
		if err != nil {
			// 本批事务已回滚，记账后继续下一批，已提交的成果不受影响
			report.Errors++
			lastErr = err
			span.RecordError(err)
			logger.Ctx(ctx).Error().Err(err).Msg("🛑 sweeper batch failed, moving on to next batch")
			quota -= batch
			continue
		}

		report.Scanned += batchScanned
		report.Skipped += batchSkipped
		quota -= batchScanned

		// 事务已提交，现在才对外广播
		for _, coupon := range reclaimed {
			report.Reclaimed++
			metrics.ReservationsTimedOut.Inc()

			event := &domain.ReservationTimeoutEvent{
				CouponID:      coupon.ID,
				UserID:        coupon.UserID,
				ReservationID: reservationIDs[coupon.ID],
			}
			if err := s.publisher.PublishReservationTimeout(ctx, event); err != nil {
				logger.Ctx(ctx).Error().Err(err).
					Int64("coupon_id", coupon.ID).
					Msg("failed to publish reservation timeout event")
			}
		}

		// 本批捞不满说明没有更多待处理行了
		if batchScanned < batch {
			break
		}
	}

	if report.Reclaimed > 0 || report.Skipped > 0 || report.Errors > 0 {
		logger.Ctx(ctx).Printf("Sweeper pass done: scanned=%d reclaimed=%d skipped=%d errors=%d",
			report.Scanned, report.Reclaimed, report.Skipped, report.Errors)
	}
	span.SetAttributes(
		attribute.Int("sweep.scanned", report.Scanned),
		attribute.Int("sweep.reclaimed", report.Reclaimed),
		attribute.Int("sweep.skipped", report.Skipped),
		attribute.Int("sweep.errors", report.Errors),
	)
	return report, lastErr
}

// ProcessExpiredCoupons 把已过有效期的非终态券置为 EXPIRED。
func (s *TimeoutService) ProcessExpiredCoupons(ctx context.Context) (*SweepReport, error) {
	ctx, span := s.tracer.Start(ctx, "sweeper.ProcessExpiredCoupons")
	defer span.End()

	now := time.Now()
	report := &SweepReport{}
	var lastErr error

	for quota := s.scanLimit; quota > 0; {
		batch := s.batchSize
		if quota < batch {
			batch = quota
		}

		var batchScanned, batchSkipped int
		expired, err := s.couponRepo.SweepExpired(ctx, now, batch,
			func(ctx context.Context, coupon *domain.CouponIssue) (bool, error) {
				batchScanned++
				if err := coupon.Expire(time.Now()); err != nil {
					batchSkipped++
					return false, nil
				}
				return true, nil
			})
		if err != nil {
			report.Errors++
			lastErr = err
			span.RecordError(err)
			logger.Ctx(ctx).Error().Err(err).Msg("🛑 expiry batch failed, moving on to next batch")
			quota -= batch
			continue
		}

		report.Scanned += batchScanned
		report.Skipped += batchSkipped
		report.Reclaimed += len(expired)
		quota -= batchScanned
		if batchScanned < batch {
			break
		}
	}

	if report.Reclaimed > 0 || report.Errors > 0 {
		logger.Ctx(ctx).Printf("Expiry pass done: %d coupons expired (errors=%d)", report.Reclaimed, report.Errors)
	}
	span.SetAttributes(
		attribute.Int("sweep.expired", report.Reclaimed),
		attribute.Int("sweep.errors", report.Errors),
	)
	return report, lastErr
}
