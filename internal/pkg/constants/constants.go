// internal/pkg/constants/constants.go
package constants

// Kafka 主题
const (
	TopicPaymentCompleted   = "payment-completed"
	TopicPaymentFailed      = "payment-failed"
	TopicReservationTimeout = "coupon-reservation-timeout"
)

// 消费组
const (
	PaymentConsumerGroup = "coupon-service-payment"
	PushGatewayGroup     = "push-gateway"
)

// 分布式锁 Key 前缀。最终 Key 形如 "lock:coupon:download:{policyID}:{userID}"。
const (
	LockPrefixDownload     = "coupon:download"
	LockPrefixPolicyUpdate = "policy:update"
)

// 限流端点标识
const (
	EndpointDownload = "coupon:download"
	EndpointReserve  = "coupon:reserve"
)
