// internal/service/coupon/domain/port/publisher.go
package port

import (
	"context"

	"couponhub/internal/service/coupon/domain"
)

// EventPublisher 是对外事件发布的端口（出站消息边界）。
type EventPublisher interface {
	PublishReservationTimeout(ctx context.Context, event *domain.ReservationTimeoutEvent) error
}
