// Copyright 2026 fanjia1024
// expr-lang 谓词：让条件边/回环边可以用表达式字符串声明

package workflow

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprPredicate 编译返回目标节点 id 的表达式，环境变量为 state。
// 表达式可返回 string（单目标）或 []string/[]any（多目标）。
// 运行期求值失败视为无目标。
//
//	ExprPredicate(`state.total > 100 ? "review" : "auto"`)
func ExprPredicate(src string) (Predicate, error) {
	program, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	return func(state State) []string {
		out, err := runExpr(program, state)
		if err != nil {
			return nil
		}
		switch v := out.(type) {
		case string:
			if v == "" {
				return nil
			}
			return []string{v}
		case []string:
			return v
		case []any:
			ids := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok && s != "" {
					ids = append(ids, s)
				}
			}
			return ids
		}
		return nil
	}, nil
}

// ExprCondition 编译布尔表达式（loop 谓词、补偿/触发条件）。
// 非 bool 结果或求值失败视为 false。
func ExprCondition(src string) (Condition, error) {
	program, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	return func(state State) bool {
		out, err := runExpr(program, state)
		if err != nil {
			return false
		}
		b, ok := out.(bool)
		return ok && b
	}, nil
}

func runExpr(program *vm.Program, state State) (any, error) {
	env := map[string]any{"state": map[string]any(state)}
	return expr.Run(program, env)
}
