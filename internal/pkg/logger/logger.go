// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var base zerolog.Logger

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	base = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// Init 设置服务名等全局字段，在服务启动时调用一次。
func Init(serviceName string) {
	base = base.With().Str("service", serviceName).Logger()
}

// Ctx 返回一个携带追踪上下文的 Logger。
// 如果 ctx 中存在有效的 Span，会自动附加 trace_id 和 span_id 字段，
// 便于在日志系统中和 Jaeger 里的链路对齐。
func Ctx(ctx context.Context) *zerolog.Logger {
	l := base
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		l = l.With().
			Str("trace_id", span.SpanContext().TraceID().String()).
			Str("span_id", span.SpanContext().SpanID().String()).
			Logger()
	}
	return &l
}
