// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 核心链路的业务指标。promauto 会把它们注册到默认 Registry，
// 由各服务 main 中的 /metrics 端点暴露。
var (
	CouponsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coupon_issued_total",
		Help: "Number of coupons successfully issued, by distribution type.",
	}, []string{"distribution"})

	StockExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coupon_stock_exhausted_total",
		Help: "Number of download attempts rejected because stock ran out.",
	})

	ReservationsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coupon_reservations_total",
		Help: "Number of successful coupon reservations.",
	})

	ReservationsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coupon_reservation_timeouts_total",
		Help: "Number of reservations reverted by the timeout sweeper.",
	})

	PaymentEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coupon_payment_events_total",
		Help: "Payment events processed, by kind and outcome.",
	}, []string{"kind", "outcome"})

	LockAcquireFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coupon_lock_acquire_failures_total",
		Help: "Distributed lock acquisitions that returned without the lock.",
	}, []string{"prefix"})
)
