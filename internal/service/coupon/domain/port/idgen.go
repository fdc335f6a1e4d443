// internal/service/coupon/domain/port/idgen.go
package port

// IDGenerator 是唯一 ID 发号的端口，由雪花发号器实现。
type IDGenerator interface {
	NextID() (int64, error)
}
