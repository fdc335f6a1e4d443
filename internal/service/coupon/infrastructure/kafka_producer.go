// internal/service/coupon/infrastructure/kafka_producer.go
package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"couponhub/internal/pkg/constants"
	"couponhub/internal/pkg/logger"
	"couponhub/internal/pkg/mq"
	"couponhub/internal/service/coupon/domain"
)

// TimeoutProducerAdapter 是 port.EventPublisher 的 Kafka 实现，
// 负责把清扫器的回收结果广播给下游。
type TimeoutProducerAdapter struct {
	writer *kafka.Writer
}

func NewTimeoutProducerAdapter(brokers []string) *TimeoutProducerAdapter {
	return &TimeoutProducerAdapter{
		writer: mq.NewKafkaWriter(brokers, constants.TopicReservationTimeout),
	}
}

func (p *TimeoutProducerAdapter) PublishReservationTimeout(ctx context.Context, event *domain.ReservationTimeoutEvent) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		logger.Ctx(ctx).Printf("ERROR: failed to marshal reservation timeout event: %v", err)
		return err
	}

	// 按用户分区，同一用户的事件保持顺序
	key := []byte(fmt.Sprintf("%d", event.UserID))
	if err := mq.ProduceMessage(ctx, p.writer, key, eventBytes); err != nil {
		logger.Ctx(ctx).Printf("ERROR: failed to produce reservation timeout event: %v", err)
		return err
	}
	return nil
}

func (p *TimeoutProducerAdapter) Close() error {
	return p.writer.Close()
}
