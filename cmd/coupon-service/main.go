// cmd/coupon-service/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"couponhub/internal/pkg/bootstrap"
	"couponhub/internal/pkg/redis"
	"couponhub/internal/pkg/snowflake"
	"couponhub/internal/service/coupon/application"
	"couponhub/internal/service/coupon/infrastructure"
	"couponhub/internal/service/coupon/infrastructure/adapter"
	"couponhub/internal/service/coupon/infrastructure/rule"
	"couponhub/internal/service/coupon/interfaces"
)

const serviceName = "coupon-service"

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()

	// 1. 基础设施连接
	db, err := infrastructure.NewDB(cfg.Infra.MysqlDSN)
	if err != nil {
		log.Fatalf("failed to connect mysql: %v", err)
	}

	redisClient, err := redis.NewClient(context.Background(), cfg.Infra.RedisAddr)
	if err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}

	// 2. 出站适配器
	locker, err := adapter.NewRedisLockAdapter(redisClient)
	if err != nil {
		log.Fatalf("failed to create lock adapter: %v", err)
	}

	// 滑动窗口：每用户每端点 10 秒内最多 30 次
	admission, err := adapter.NewRateLimiterAdapter(redisClient, 30, 10*time.Second)
	if err != nil {
		log.Fatalf("failed to create rate limiter: %v", err)
	}

	idGen, err := snowflake.NewGenerator(cfg.Coupon.Snowflake.WorkerID, cfg.Coupon.Snowflake.DatacenterID)
	if err != nil {
		log.Fatalf("failed to create snowflake generator: %v", err)
	}

	ruleEngine, err := rule.NewCELRuleEngine()
	if err != nil {
		log.Fatalf("failed to create rule engine: %v", err)
	}

	policyRepo := infrastructure.NewGormPolicyRepository(db)
	couponRepo := infrastructure.NewGormCouponRepository(db)
	statsCache := adapter.NewStatsCacheAdapter(redisClient)

	// 3. 应用服务
	tracer := otel.Tracer(serviceName)
	issueSvc := application.NewIssueService(policyRepo, couponRepo, locker, idGen, admission, tracer)
	reserveSvc := application.NewReserveService(couponRepo, policyRepo, ruleEngine, admission, tracer)
	paymentSvc := application.NewPaymentService(couponRepo, tracer)
	policySvc := application.NewPolicyService(policyRepo, locker, tracer)
	querySvc := application.NewQueryService(couponRepo, policyRepo, statsCache, tracer)

	// 4. 入站适配器：支付事件消费者
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	paymentConsumer := infrastructure.NewPaymentConsumerAdapter(cfg.Infra.KafkaBrokers, paymentSvc)
	paymentConsumer.Start(consumerCtx)

	handler := interfaces.NewCouponHandler(issueSvc, reserveSvc, policySvc, querySvc)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        8090,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
			appCtx.Mux.Handle("/metrics", promhttp.Handler())
			handler.RegisterRoutes(appCtx.Mux)
		},
		OnShutdown: func(ctx context.Context) {
			stopConsumer()
			paymentConsumer.Stop()
			redisClient.Close()
		},
	})
}
