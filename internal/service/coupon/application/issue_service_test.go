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

func testPolicy(maxIssue int64) *domain.CouponPolicy {
	max := maxIssue
	return &domain.CouponPolicy{
		ID:   1,
		Name: "闪购券",
		Code: "FLASH2026",
		Discount: domain.DiscountPolicy{
			Type:           domain.DiscountTypeFixedAmount,
			Value:          3000,
			MinOrderAmount: 10000,
		},
		Distribution:    domain.DistributionCode,
		ValidFrom:       time.Now().Add(-time.Hour),
		ValidUntil:      time.Now().Add(24 * time.Hour),
		MaxIssueCount:   &max,
		MaxUsagePerUser: 1,
		IsActive:        true,
	}
}

func newIssueService(policyRepo *memPolicyRepo, couponRepo *memCouponRepo) *IssueService {
	return NewIssueService(policyRepo, couponRepo, newMemLocker(), &seqIDGen{}, allowAll{}, otel.Tracer("test"))
}

func TestDownloadCoupon(t *testing.T) {
	ctx := context.Background()

	t.Run("issues a coupon from a valid code", func(t *testing.T) {
		policyRepo := newMemPolicyRepo(testPolicy(100))
		couponRepo := newMemCouponRepo()
		svc := newIssueService(policyRepo, couponRepo)

		view, err := svc.DownloadCoupon(ctx, &DownloadCouponRequest{CouponCode: "FLASH2026", UserID: 42})

		require.NoError(t, err)
		assert.Equal(t, string(domain.StatusIssued), view.Status)
		assert.Equal(t, int64(1), policyRepo.issuedCount(1))
	})

	t.Run("unknown code", func(t *testing.T) {
		svc := newIssueService(newMemPolicyRepo(testPolicy(100)), newMemCouponRepo())

		_, err := svc.DownloadCoupon(ctx, &DownloadCouponRequest{CouponCode: "NOPE", UserID: 42})

		assert.ErrorIs(t, err, domain.ErrPolicyNotFound)
	})

	t.Run("per-user limit blocks a second download", func(t *testing.T) {
		policyRepo := newMemPolicyRepo(testPolicy(100))
		svc := newIssueService(policyRepo, newMemCouponRepo())

		_, err := svc.DownloadCoupon(ctx, &DownloadCouponRequest{CouponCode: "FLASH2026", UserID: 42})
		require.NoError(t, err)

		_, err = svc.DownloadCoupon(ctx, &DownloadCouponRequest{CouponCode: "FLASH2026", UserID: 42})
		assert.ErrorIs(t, err, domain.ErrAlreadyIssued)
		assert.Equal(t, int64(1), policyRepo.issuedCount(1))
	})

	t.Run("rate limited request never reaches stock", func(t *testing.T) {
		policyRepo := newMemPolicyRepo(testPolicy(100))
		svc := NewIssueService(policyRepo, newMemCouponRepo(), newMemLocker(), &seqIDGen{}, denyAll{}, otel.Tracer("test"))

		_, err := svc.DownloadCoupon(ctx, &DownloadCouponRequest{CouponCode: "FLASH2026", UserID: 42})

		assert.ErrorIs(t, err, domain.ErrRateLimited)
		assert.Equal(t, int64(0), policyRepo.issuedCount(1))
	})

	t.Run("failed insert compensates the stock ledger", func(t *testing.T) {
		policyRepo := newMemPolicyRepo(testPolicy(100))
		couponRepo := newMemCouponRepo()
		couponRepo.failNextCreate = true
		svc := newIssueService(policyRepo, couponRepo)

		_, err := svc.DownloadCoupon(ctx, &DownloadCouponRequest{CouponCode: "FLASH2026", UserID: 42})
		require.Error(t, err)
		assert.Equal(t, int64(0), policyRepo.issuedCount(1))

		// 名额已归还，下一次领取成功
		_, err = svc.DownloadCoupon(ctx, &DownloadCouponRequest{CouponCode: "FLASH2026", UserID: 42})
		require.NoError(t, err)
		assert.Equal(t, int64(1), policyRepo.issuedCount(1))
	})

	t.Run("inactive policy", func(t *testing.T) {
		policy := testPolicy(100)
		policy.IsActive = false
		svc := newIssueService(newMemPolicyRepo(policy), newMemCouponRepo())

		_, err := svc.DownloadCoupon(ctx, &DownloadCouponRequest{CouponCode: "FLASH2026", UserID: 42})

		assert.ErrorIs(t, err, domain.ErrPolicyInactive)
	})
}

// 150 个不同用户并发抢 100 张券：恰好 100 个成功，50 个收到"已抢完"，
// 台账计数恰好等于上限，一张不多一张不少。
func TestDownloadCouponConcurrentStock(t *testing.T) {
	ctx := context.Background()
	policyRepo := newMemPolicyRepo(testPolicy(100))
	couponRepo := newMemCouponRepo()
	svc := newIssueService(policyRepo, couponRepo)

	const attempts = 150
	var wg sync.WaitGroup
	errs := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.DownloadCoupon(ctx, &DownloadCouponRequest{
				CouponCode: "FLASH2026",
				UserID:     int64(i + 1),
			})
		}(i)
	}
	wg.Wait()

	var succeeded, exhausted int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case err == domain.ErrStockExhausted:
			exhausted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 100, succeeded)
	assert.Equal(t, 50, exhausted)
	assert.Equal(t, int64(100), policyRepo.issuedCount(1))
}

// 同一个用户并发重复点击领取：限领 1 张的政策最终只发出 1 张。
func TestDownloadCouponConcurrentSameUser(t *testing.T) {
	ctx := context.Background()
	policyRepo := newMemPolicyRepo(testPolicy(100))
	svc := newIssueService(policyRepo, newMemCouponRepo())

	const attempts = 20
	var wg sync.WaitGroup
	errs := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.DownloadCoupon(ctx, &DownloadCouponRequest{CouponCode: "FLASH2026", UserID: 42})
		}(i)
	}
	wg.Wait()

	var succeeded int
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, domain.ErrAlreadyIssued)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(1), policyRepo.issuedCount(1))
}

func TestDirectIssue(t *testing.T) {
	ctx := context.Background()

	t.Run("issues to every user independently", func(t *testing.T) {
		policyRepo := newMemPolicyRepo(testPolicy(100))
		couponRepo := newMemCouponRepo()
		svc := newIssueService(policyRepo, couponRepo)

		userIDs := make([]int64, 50)
		for i := range userIDs {
			userIDs[i] = int64(i + 1)
		}

		resp, err := svc.DirectIssue(ctx, &DirectIssueRequest{PolicyID: 1, UserIDs: userIDs})

		require.NoError(t, err)
		assert.Equal(t, 50, resp.SucceededCount)
		assert.Equal(t, 0, resp.FailedCount)
		assert.Equal(t, int64(50), policyRepo.issuedCount(1))
	})

	t.Run("stock exhaustion fails only the overflow", func(t *testing.T) {
		policyRepo := newMemPolicyRepo(testPolicy(30))
		svc := newIssueService(policyRepo, newMemCouponRepo())

		userIDs := make([]int64, 50)
		for i := range userIDs {
			userIDs[i] = int64(i + 1)
		}

		resp, err := svc.DirectIssue(ctx, &DirectIssueRequest{PolicyID: 1, UserIDs: userIDs})

		require.NoError(t, err)
		assert.Equal(t, 30, resp.SucceededCount)
		assert.Equal(t, 20, resp.FailedCount)
		for _, code := range resp.Failures {
			assert.Equal(t, "STOCK_EXHAUSTED", code)
		}
		assert.Equal(t, int64(30), policyRepo.issuedCount(1))
	})

	t.Run("duplicate user in the batch hits the per-user limit", func(t *testing.T) {
		svc := newIssueService(newMemPolicyRepo(testPolicy(100)), newMemCouponRepo())

		resp, err := svc.DirectIssue(ctx, &DirectIssueRequest{PolicyID: 1, UserIDs: []int64{7, 7}})

		require.NoError(t, err)
		assert.Equal(t, 1, resp.SucceededCount)
		assert.Equal(t, 1, resp.FailedCount)
		assert.Equal(t, "ALREADY_ISSUED", resp.Failures[7])
	})
}

func TestDirectIssueLargeBatch(t *testing.T) {
	ctx := context.Background()
	policyRepo := newMemPolicyRepo(testPolicy(1000))
	couponRepo := newMemCouponRepo()
	svc := newIssueService(policyRepo, couponRepo)

	userIDs := make([]int64, 500)
	for i := range userIDs {
		userIDs[i] = int64(i + 1)
	}

	resp, err := svc.DirectIssue(ctx, &DirectIssueRequest{PolicyID: 1, UserIDs: userIDs})

	require.NoError(t, err)
	require.Equal(t, 500, resp.SucceededCount, fmt.Sprintf("failures: %v", resp.Failures))

	// 每个用户恰好一张
	for _, userID := range userIDs {
		coupons, err := couponRepo.FindByUserID(ctx, userID)
		require.NoError(t, err)
		require.Len(t, coupons, 1)
	}
}
