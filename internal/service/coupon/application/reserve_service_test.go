package application

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"couponhub/internal/service/coupon/domain"
)

func issuedCoupon(id, userID int64) *domain.CouponIssue {
	return domain.NewCouponIssue(id, testPolicy(100), userID, time.Now())
}

func newReserveService(couponRepo *memCouponRepo, policyRepo *memPolicyRepo, engine *stubRuleEngine) *ReserveService {
	return NewReserveService(couponRepo, policyRepo, engine, allowAll{}, otel.Tracer("test"))
}

func TestReserveCoupon(t *testing.T) {
	ctx := context.Background()
	passAll := &stubRuleEngine{result: true}

	t.Run("reserves an issued coupon", func(t *testing.T) {
		couponRepo := newMemCouponRepo(issuedCoupon(1001, 42))
		svc := newReserveService(couponRepo, newMemPolicyRepo(testPolicy(100)), passAll)

		view, err := svc.Reserve(ctx, &ReserveCouponRequest{
			CouponID: 1001, UserID: 42, ReservationID: "rsv-1", OrderAmount: 20000,
		})

		require.NoError(t, err)
		assert.Equal(t, string(domain.StatusReserved), view.Status)
		assert.Equal(t, domain.StatusReserved, couponRepo.get(1001).Status)
	})

	t.Run("gateway retry with same reservation id succeeds", func(t *testing.T) {
		couponRepo := newMemCouponRepo(issuedCoupon(1001, 42))
		svc := newReserveService(couponRepo, newMemPolicyRepo(testPolicy(100)), passAll)

		req := &ReserveCouponRequest{CouponID: 1001, UserID: 42, ReservationID: "rsv-1", OrderAmount: 20000}
		_, err := svc.Reserve(ctx, req)
		require.NoError(t, err)

		_, err = svc.Reserve(ctx, req)
		assert.NoError(t, err)
	})

	t.Run("someone else's coupon is invisible", func(t *testing.T) {
		svc := newReserveService(newMemCouponRepo(issuedCoupon(1001, 42)), newMemPolicyRepo(testPolicy(100)), passAll)

		_, err := svc.Reserve(ctx, &ReserveCouponRequest{
			CouponID: 1001, UserID: 7, ReservationID: "rsv-1", OrderAmount: 20000,
		})

		assert.ErrorIs(t, err, domain.ErrCouponNotFound)
	})

	t.Run("order below minimum is rejected before locking the coupon", func(t *testing.T) {
		couponRepo := newMemCouponRepo(issuedCoupon(1001, 42))
		svc := newReserveService(couponRepo, newMemPolicyRepo(testPolicy(100)), passAll)

		_, err := svc.Reserve(ctx, &ReserveCouponRequest{
			CouponID: 1001, UserID: 42, ReservationID: "rsv-1", OrderAmount: 5000,
		})

		assert.ErrorIs(t, err, domain.ErrMinOrderAmountNotMet)
		assert.Equal(t, domain.StatusIssued, couponRepo.get(1001).Status)
	})

	t.Run("applicable rule rejects the order", func(t *testing.T) {
		policy := testPolicy(100)
		policy.ApplicableRule = `items.exists(i, i == "SKU-1")`
		couponRepo := newMemCouponRepo(issuedCoupon(1001, 42))
		svc := newReserveService(couponRepo, newMemPolicyRepo(policy), &stubRuleEngine{result: false})

		_, err := svc.Reserve(ctx, &ReserveCouponRequest{
			CouponID: 1001, UserID: 42, ReservationID: "rsv-1", OrderAmount: 20000,
		})

		assert.ErrorIs(t, err, domain.ErrCouponNotApplicable)
		assert.Equal(t, domain.StatusIssued, couponRepo.get(1001).Status)
	})

	t.Run("reservation id already bound to another coupon is a conflict", func(t *testing.T) {
		couponRepo := newMemCouponRepo(issuedCoupon(1001, 42), issuedCoupon(1002, 7))
		svc := newReserveService(couponRepo, newMemPolicyRepo(testPolicy(100)), passAll)

		_, err := svc.Reserve(ctx, &ReserveCouponRequest{
			CouponID: 1001, UserID: 42, ReservationID: "rsv-shared", OrderAmount: 20000,
		})
		require.NoError(t, err)

		// 另一个用户的券拿着同一个预约号写入，唯一索引必须以领域错误浮出
		_, err = svc.Reserve(ctx, &ReserveCouponRequest{
			CouponID: 1002, UserID: 7, ReservationID: "rsv-shared", OrderAmount: 20000,
		})

		assert.ErrorIs(t, err, domain.ErrDuplicateReservation)
		assert.Equal(t, domain.StatusIssued, couponRepo.get(1002).Status)
	})

	t.Run("blocklisted user cannot reserve", func(t *testing.T) {
		couponRepo := newMemCouponRepo(issuedCoupon(1001, 42))
		svc := NewReserveService(couponRepo, newMemPolicyRepo(testPolicy(100)), passAll, blockAll{}, otel.Tracer("test"))

		_, err := svc.Reserve(ctx, &ReserveCouponRequest{
			CouponID: 1001, UserID: 42, ReservationID: "rsv-1", OrderAmount: 20000,
		})

		assert.ErrorIs(t, err, domain.ErrRateLimited)
		assert.Equal(t, domain.StatusIssued, couponRepo.get(1001).Status)
	})

	t.Run("broken rule expression degrades to not applicable", func(t *testing.T) {
		policy := testPolicy(100)
		policy.ApplicableRule = `!!! not cel`
		svc := newReserveService(newMemCouponRepo(issuedCoupon(1001, 42)), newMemPolicyRepo(policy),
			&stubRuleEngine{err: fmt.Errorf("invalid rule expression")})

		_, err := svc.Reserve(ctx, &ReserveCouponRequest{
			CouponID: 1001, UserID: 42, ReservationID: "rsv-1", OrderAmount: 20000,
		})

		assert.ErrorIs(t, err, domain.ErrCouponNotApplicable)
	})
}

// 五个请求并发抢同一张券：恰好一个成功，其余四个被状态机守卫拒绝。
func TestReserveConcurrentSameCoupon(t *testing.T) {
	ctx := context.Background()
	couponRepo := newMemCouponRepo(issuedCoupon(1001, 42))
	svc := newReserveService(couponRepo, newMemPolicyRepo(testPolicy(100)), &stubRuleEngine{result: true})

	const attempts = 5
	var wg sync.WaitGroup
	errs := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Reserve(ctx, &ReserveCouponRequest{
				CouponID:      1001,
				UserID:        42,
				ReservationID: fmt.Sprintf("rsv-%d", i),
				OrderAmount:   20000,
			})
		}(i)
	}
	wg.Wait()

	var succeeded int
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, domain.ErrCouponAlreadyReserved)
		}
	}
	assert.Equal(t, 1, succeeded)

	final := couponRepo.get(1001)
	assert.Equal(t, domain.StatusReserved, final.Status)
	assert.NotEmpty(t, final.ReservationID)
}

func TestCancelReservationService(t *testing.T) {
	ctx := context.Background()
	passAll := &stubRuleEngine{result: true}

	t.Run("releases a reserved coupon", func(t *testing.T) {
		couponRepo := newMemCouponRepo(issuedCoupon(1001, 42))
		svc := newReserveService(couponRepo, newMemPolicyRepo(testPolicy(100)), passAll)
		_, err := svc.Reserve(ctx, &ReserveCouponRequest{
			CouponID: 1001, UserID: 42, ReservationID: "rsv-1", OrderAmount: 20000,
		})
		require.NoError(t, err)

		err = svc.CancelReservation(ctx, &CancelReservationRequest{CouponID: 1001, UserID: 42})

		require.NoError(t, err)
		final := couponRepo.get(1001)
		assert.Equal(t, domain.StatusIssued, final.Status)
		assert.Empty(t, final.ReservationID)
	})

	t.Run("cancel twice is idempotent", func(t *testing.T) {
		couponRepo := newMemCouponRepo(issuedCoupon(1001, 42))
		svc := newReserveService(couponRepo, newMemPolicyRepo(testPolicy(100)), passAll)

		require.NoError(t, svc.CancelReservation(ctx, &CancelReservationRequest{CouponID: 1001, UserID: 42}))
		require.NoError(t, svc.CancelReservation(ctx, &CancelReservationRequest{CouponID: 1001, UserID: 42}))
	})

	t.Run("blocklisted user cannot cancel", func(t *testing.T) {
		couponRepo := newMemCouponRepo(issuedCoupon(1001, 42))
		svc := NewReserveService(couponRepo, newMemPolicyRepo(testPolicy(100)), passAll, blockAll{}, otel.Tracer("test"))

		err := svc.CancelReservation(ctx, &CancelReservationRequest{CouponID: 1001, UserID: 42})

		assert.ErrorIs(t, err, domain.ErrRateLimited)
	})
}
