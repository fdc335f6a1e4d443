// cmd/coupon-sweeper/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"couponhub/internal/pkg/bootstrap"
	"couponhub/internal/pkg/logger"
	"couponhub/internal/service/coupon/application"
	"couponhub/internal/service/coupon/infrastructure"
	"couponhub/internal/zookeeper"
)

const serviceName = "coupon-sweeper"

// 清扫器可以多副本部署，但同一时刻只需要一个在干活：
// 用 ZooKeeper 锁做 leader 选举，拿不到锁的副本热备等待。
// 即使选举失灵导致双主，SKIP LOCKED 也保证两边不会处理到同一行，
// 锁在这里省的是重复扫描的数据库开销，不承担正确性。
func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()

	db, err := infrastructure.NewDB(cfg.Infra.MysqlDSN)
	if err != nil {
		log.Fatalf("failed to connect mysql: %v", err)
	}

	zkConn, err := zookeeper.Connect(cfg.Infra.ZKServers, 10*time.Second)
	if err != nil {
		log.Fatalf("failed to connect zookeeper: %v", err)
	}

	couponRepo := infrastructure.NewGormCouponRepository(db)
	producer := infrastructure.NewTimeoutProducerAdapter(cfg.Infra.KafkaBrokers)

	tracer := otel.Tracer(serviceName)
	timeoutSvc := application.NewTimeoutService(
		couponRepo,
		producer,
		tracer,
		time.Duration(cfg.Coupon.ReservationTimeoutMinutes)*time.Minute,
		cfg.Coupon.SweeperBatchSize,
		cfg.Coupon.SweeperScanLimit,
	)

	sweeperCtx, stopSweeper := context.WithCancel(context.Background())
	go runLeaderLoop(sweeperCtx, zkConn, timeoutSvc, time.Duration(cfg.Coupon.SweeperIntervalSeconds)*time.Second)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        8091,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
			appCtx.Mux.Handle("/metrics", promhttp.Handler())
		},
		OnShutdown: func(ctx context.Context) {
			stopSweeper()
			producer.Close()
			zkConn.Close()
		},
	})
}

// runLeaderLoop 抢到 leader 锁后按固定间隔执行清扫，直到进程退出。
// ZooKeeper 会话断开时锁自动释放，由其他副本接任。
func runLeaderLoop(ctx context.Context, zkConn *zookeeper.Conn, svc *application.TimeoutService, interval time.Duration) {
	lock, err := zookeeper.NewDistributedLock(zkConn, "coupon-sweeper-leader")
	if err != nil {
		log.Fatalf("failed to create leader lock: %v", err)
	}

	if err := lock.Lock(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Fatalf("failed to acquire leader lock: %v", err)
	}
	logger.Ctx(ctx).Printf("✅ Acquired sweeper leadership, sweeping every %v", interval)
	defer lock.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Ctx(ctx).Printf("🛑 Sweeper shutting down.")
			return
		case <-ticker.C:
			runOnePass(ctx, svc)
		}
	}
}

func runOnePass(ctx context.Context, svc *application.TimeoutService) {
	// 单轮限时，避免数据库慢查询让清扫卡死在一轮里
	passCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	// 批次失败不中止整轮，所以报告和错误会同时出现
	if report, err := svc.ProcessTimeoutReservations(passCtx); err != nil {
		logger.Ctx(passCtx).Error().Err(err).
			Int("reclaimed", report.Reclaimed).
			Int("errors", report.Errors).
			Msg("timeout reservation sweep finished with failed batches")
	}
	if report, err := svc.ProcessExpiredCoupons(passCtx); err != nil {
		logger.Ctx(passCtx).Error().Err(err).
			Int("expired", report.Reclaimed).
			Int("errors", report.Errors).
			Msg("expired coupon sweep finished with failed batches")
	}
}
