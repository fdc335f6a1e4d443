// internal/service/coupon/domain/port/rule.go
package port

import "context"

// Fact 是规则评估的输入事实。
type Fact struct {
	UserID      int64    `json:"user_id"`
	OrderAmount int64    `json:"order_amount"`
	Items       []string `json:"items"`
}

// RuleEngine 评估政策上配置的适用性规则表达式。
// 表达式语法由适配器决定（当前实现为 CEL）。
type RuleEngine interface {
	Evaluate(ctx context.Context, ruleExpr string, fact Fact) (bool, error)
}
