// internal/service/coupon/domain/port/admission.go
package port

import "context"

// AdmissionController 是限流/风控的准入边界。
// 核心域只消费布尔结论；具体的滑动窗口、黑名单逻辑在适配器里。
// 适配器在存储不可用时 fail open（放行），因为误拒的代价高于漏限。
type AdmissionController interface {
	IsAllowed(ctx context.Context, identifier, endpoint string) bool
	IsBlocked(ctx context.Context, identifier string) bool
}
