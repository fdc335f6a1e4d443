package application

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"couponhub/internal/service/coupon/domain"
)

func reservedAt(t *testing.T, id, userID int64, reservationID string, at time.Time) *domain.CouponIssue {
	t.Helper()
	c := issuedCoupon(id, userID)
	require.NoError(t, c.Reserve(reservationID, at))
	return c
}

func newTimeoutService(couponRepo *memCouponRepo, publisher *memPublisher) *TimeoutService {
	return NewTimeoutService(couponRepo, publisher, otel.Tracer("test"), 10*time.Minute, 100, 500)
}

func TestProcessTimeoutReservations(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("reclaims only timed out reservations", func(t *testing.T) {
		stale := reservedAt(t, 1001, 1, "rsv-stale", now.Add(-15*time.Minute))
		fresh := reservedAt(t, 1002, 2, "rsv-fresh", now.Add(-5*time.Minute))
		untouched := issuedCoupon(1003, 3)
		couponRepo := newMemCouponRepo(stale, fresh, untouched)
		publisher := &memPublisher{}
		svc := newTimeoutService(couponRepo, publisher)

		report, err := svc.ProcessTimeoutReservations(ctx)

		require.NoError(t, err)
		assert.Equal(t, 1, report.Reclaimed)

		assert.Equal(t, domain.StatusIssued, couponRepo.get(1001).Status)
		assert.Empty(t, couponRepo.get(1001).ReservationID)
		assert.Equal(t, domain.StatusReserved, couponRepo.get(1002).Status)
		assert.Equal(t, "rsv-fresh", couponRepo.get(1002).ReservationID)
	})

	t.Run("publishes an event per reclaimed reservation", func(t *testing.T) {
		stale := reservedAt(t, 1001, 1, "rsv-stale", now.Add(-15*time.Minute))
		publisher := &memPublisher{}
		svc := newTimeoutService(newMemCouponRepo(stale), publisher)

		_, err := svc.ProcessTimeoutReservations(ctx)

		require.NoError(t, err)
		require.Len(t, publisher.events, 1)
		assert.Equal(t, int64(1001), publisher.events[0].CouponID)
		assert.Equal(t, int64(1), publisher.events[0].UserID)
		// 事件携带回收前的预约号
		assert.Equal(t, "rsv-stale", publisher.events[0].ReservationID)
	})

	t.Run("reclaimed coupon can be reserved again", func(t *testing.T) {
		stale := reservedAt(t, 1001, 42, "rsv-stale", now.Add(-15*time.Minute))
		couponRepo := newMemCouponRepo(stale)
		svc := newTimeoutService(couponRepo, &memPublisher{})

		_, err := svc.ProcessTimeoutReservations(ctx)
		require.NoError(t, err)

		reserveSvc := newReserveService(couponRepo, newMemPolicyRepo(testPolicy(100)), &stubRuleEngine{result: true})
		_, err = reserveSvc.Reserve(ctx, &ReserveCouponRequest{
			CouponID: 1001, UserID: 42, ReservationID: "rsv-new", OrderAmount: 20000,
		})
		assert.NoError(t, err)
	})

	t.Run("nothing to do", func(t *testing.T) {
		publisher := &memPublisher{}
		svc := newTimeoutService(newMemCouponRepo(issuedCoupon(1001, 1)), publisher)

		report, err := svc.ProcessTimeoutReservations(ctx)

		require.NoError(t, err)
		assert.Equal(t, 0, report.Reclaimed)
		assert.Empty(t, publisher.events)
	})

	t.Run("runs are idempotent", func(t *testing.T) {
		stale := reservedAt(t, 1001, 1, "rsv-stale", now.Add(-15*time.Minute))
		publisher := &memPublisher{}
		svc := newTimeoutService(newMemCouponRepo(stale), publisher)

		_, err := svc.ProcessTimeoutReservations(ctx)
		require.NoError(t, err)
		report, err := svc.ProcessTimeoutReservations(ctx)
		require.NoError(t, err)

		assert.Equal(t, 0, report.Reclaimed)
		assert.Len(t, publisher.events, 1)
	})

	// 单批失败不中止整轮：后续批次照常处理，失败记入 Errors 台账。
	t.Run("failed batch does not abort the pass", func(t *testing.T) {
		coupons := make([]*domain.CouponIssue, 0, 120)
		for i := 0; i < 120; i++ {
			c := reservedAt(t, int64(3000+i), int64(i+1), fmt.Sprintf("rsv-fail-%d", i), now.Add(-time.Hour))
			coupons = append(coupons, c)
		}
		couponRepo := newMemCouponRepo(coupons...)
		couponRepo.failSweepOnCall = 1
		publisher := &memPublisher{}
		svc := NewTimeoutService(couponRepo, publisher, otel.Tracer("test"), 10*time.Minute, 50, 500)

		report, err := svc.ProcessTimeoutReservations(ctx)

		assert.Error(t, err) // 部分失败要让调用方知道
		assert.Equal(t, 1, report.Errors)
		assert.Equal(t, 120, report.Reclaimed)
		assert.Len(t, publisher.events, 120)
	})

	// 持续性故障下扫描额度兜底，一轮清扫必然有界退出
	t.Run("persistent failure terminates within the scan limit", func(t *testing.T) {
		stale := reservedAt(t, 1001, 1, "rsv-stale", now.Add(-15*time.Minute))
		couponRepo := newMemCouponRepo(stale)
		couponRepo.failSweepOnCall = -1 // 每一批都失败
		svc := NewTimeoutService(couponRepo, &memPublisher{}, otel.Tracer("test"), 10*time.Minute, 50, 200)

		report, err := svc.ProcessTimeoutReservations(ctx)

		assert.Error(t, err)
		assert.Equal(t, 0, report.Reclaimed)
		assert.Equal(t, 4, report.Errors) // 200 额度 / 50 一批
	})

	t.Run("works through many batches", func(t *testing.T) {
		coupons := make([]*domain.CouponIssue, 0, 250)
		for i := 0; i < 250; i++ {
			c := reservedAt(t, int64(2000+i), int64(i+1), fmt.Sprintf("rsv-%d", i), now.Add(-time.Hour))
			coupons = append(coupons, c)
		}
		couponRepo := newMemCouponRepo(coupons...)
		svc := NewTimeoutService(couponRepo, &memPublisher{}, otel.Tracer("test"), 10*time.Minute, 50, 500)

		report, err := svc.ProcessTimeoutReservations(ctx)

		require.NoError(t, err)
		assert.Equal(t, 250, report.Reclaimed)
	})
}

func TestProcessExpiredCoupons(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("expires issued and reserved coupons past validity", func(t *testing.T) {
		expiredIssued := issuedCoupon(1001, 1)
		expiredIssued.ExpiresAt = now.Add(-time.Hour)

		expiredReserved := reservedAt(t, 1002, 2, "rsv-1", now.Add(-2*time.Hour))
		expiredReserved.ExpiresAt = now.Add(-time.Hour)

		stillValid := issuedCoupon(1003, 3)

		couponRepo := newMemCouponRepo(expiredIssued, expiredReserved, stillValid)
		svc := newTimeoutService(couponRepo, &memPublisher{})

		report, err := svc.ProcessExpiredCoupons(ctx)

		require.NoError(t, err)
		assert.Equal(t, 2, report.Reclaimed)
		assert.Equal(t, domain.StatusExpired, couponRepo.get(1001).Status)
		assert.Equal(t, domain.StatusExpired, couponRepo.get(1002).Status)
		assert.Equal(t, domain.StatusIssued, couponRepo.get(1003).Status)
	})

	t.Run("used coupons are left alone", func(t *testing.T) {
		used := reservedCoupon(t, 1001, 42, "rsv-1")
		_, err := used.Use("order-1", 20000, now)
		require.NoError(t, err)
		used.ExpiresAt = now.Add(-time.Hour)

		couponRepo := newMemCouponRepo(used)
		svc := newTimeoutService(couponRepo, &memPublisher{})

		report, err := svc.ProcessExpiredCoupons(ctx)

		require.NoError(t, err)
		assert.Equal(t, 0, report.Reclaimed)
		assert.Equal(t, domain.StatusUsed, couponRepo.get(1001).Status)
	})
}
