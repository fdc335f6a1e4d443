// internal/service/coupon/infrastructure/kafka_consumer.go
package infrastructure

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"couponhub/internal/pkg/constants"
	"couponhub/internal/pkg/logger"
	"couponhub/internal/pkg/mq"
	"couponhub/internal/service/coupon/application"
	"couponhub/internal/service/coupon/domain"
)

// PaymentConsumerAdapter 是驱动适配器：监听支付结果主题并驱动 PaymentService。
//
// Offset 提交策略承载了重投语义：
//   - 应用服务返回 nil（成功或业务终局）才提交 offset；
//   - 返回错误（基础设施故障）不提交，带退避原地重试同一条消息。
//     分区会被堵住，这是有意的——堵住好过跳过一次状态转移。
type PaymentConsumerAdapter struct {
	completedReader *kafka.Reader
	failedReader    *kafka.Reader
	paymentSvc      *application.PaymentService
	wg              sync.WaitGroup
}

func NewPaymentConsumerAdapter(brokers []string, paymentSvc *application.PaymentService) *PaymentConsumerAdapter {
	return &PaymentConsumerAdapter{
		completedReader: mq.NewKafkaReader(brokers, constants.TopicPaymentCompleted, constants.PaymentConsumerGroup),
		failedReader:    mq.NewKafkaReader(brokers, constants.TopicPaymentFailed, constants.PaymentConsumerGroup),
		paymentSvc:      paymentSvc,
	}
}

// Start 启动两个消费循环。长期运行，直到 ctx 取消。
func (a *PaymentConsumerAdapter) Start(ctx context.Context) {
	a.wg.Add(2)
	go a.consumeLoop(ctx, a.completedReader, a.handleCompleted)
	go a.consumeLoop(ctx, a.failedReader, a.handleFailed)
}

// Stop 优雅地停止消费者。
func (a *PaymentConsumerAdapter) Stop() {
	a.completedReader.Close()
	a.failedReader.Close()
	a.wg.Wait()
	logger.Ctx(context.Background()).Printf("✅ Payment consumer adapter stopped.")
}

func (a *PaymentConsumerAdapter) consumeLoop(ctx context.Context, reader *kafka.Reader,
	handle func(ctx context.Context, msg kafka.Message) error) {

	defer a.wg.Done()
	logger.Ctx(ctx).Printf("✅ Payment consumer started for topic '%s'.", reader.Config().Topic)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Ctx(ctx).Printf("🛑 Payment consumer for '%s' shutting down.", reader.Config().Topic)
				return
			}
			logger.Ctx(ctx).Printf("ERROR: could not fetch message: %v. Retrying...", err)
			time.Sleep(1 * time.Second)
			continue
		}

		// 从消息头恢复上游的追踪上下文
		propagator := otel.GetTextMapPropagator()
		headerCarrier := mq.KafkaHeaderCarrier(msg.Headers)
		msgCtx := propagator.Extract(ctx, &headerCarrier)

		// 基础设施错误原地重试，不跳过消息
		backoff := time.Second
		for {
			if err := handle(msgCtx, msg); err == nil {
				break
			} else {
				logger.Ctx(msgCtx).Printf("ERROR: failed to process message from '%s': %v. Retrying in %v...",
					reader.Config().Topic, err, backoff)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Ctx(ctx).Printf("ERROR: failed to commit offset: %v", err)
		}
	}
}

func (a *PaymentConsumerAdapter) handleCompleted(ctx context.Context, msg kafka.Message) error {
	var event domain.PaymentCompletedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		// 反序列化失败的消息重投也无救，跳过
		logger.Ctx(ctx).Printf("ERROR: failed to unmarshal payment-completed event: %v. Message skipped.", err)
		return nil
	}
	return a.paymentSvc.ProcessPaymentCompleted(ctx, &event)
}

func (a *PaymentConsumerAdapter) handleFailed(ctx context.Context, msg kafka.Message) error {
	var event domain.PaymentFailedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		logger.Ctx(ctx).Printf("ERROR: failed to unmarshal payment-failed event: %v. Message skipped.", err)
		return nil
	}
	return a.paymentSvc.ProcessPaymentFailed(ctx, &event)
}
