// internal/service/coupon/infrastructure/rule/cel_engine.go
package rule

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"couponhub/internal/service/coupon/domain/port"
)

// CELRuleEngine 是 port.RuleEngine 的 CEL 实现。
// 政策上的适用性规则是形如
//
//	order_amount >= 10000 && items.exists(i, i == "SKU-123")
//
// 的 CEL 表达式。编译结果按表达式文本缓存，政策数量有限，不做淘汰。
type CELRuleEngine struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

func NewCELRuleEngine() (*CELRuleEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("user_id", cel.IntType),
		cel.Variable("order_amount", cel.IntType),
		cel.Variable("items", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &CELRuleEngine{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

func (e *CELRuleEngine) Evaluate(ctx context.Context, ruleExpr string, fact port.Fact) (bool, error) {
	program, err := e.compile(ruleExpr)
	if err != nil {
		return false, err
	}

	items := fact.Items
	if items == nil {
		items = []string{}
	}

	out, _, err := program.ContextEval(ctx, map[string]interface{}{
		"user_id":      fact.UserID,
		"order_amount": fact.OrderAmount,
		"items":        items,
	})
	if err != nil {
		return false, fmt.Errorf("rule evaluation failed: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule did not evaluate to a boolean: %v", out.Value())
	}
	return result, nil
}

func (e *CELRuleEngine) compile(ruleExpr string) (cel.Program, error) {
	e.mu.RLock()
	program, hit := e.programs[ruleExpr]
	e.mu.RUnlock()
	if hit {
		return program, nil
	}

	ast, issues := e.env.Compile(ruleExpr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid rule expression: %w", issues.Err())
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build rule program: %w", err)
	}

	e.mu.Lock()
	e.programs[ruleExpr] = program
	e.mu.Unlock()
	return program, nil
}
