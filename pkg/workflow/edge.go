// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

// EdgeKind 边类型
type EdgeKind string

const (
	// EdgeSequential 顺序边：from 完成后执行 to
	EdgeSequential EdgeKind = "sequential"
	// EdgeParallel 并行边：from 完成后并发执行 Targets
	EdgeParallel EdgeKind = "parallel"
	// EdgeConditional 条件边：Predicate(state) 返回目标 id，仅当目标在 Targets 中时生效
	EdgeConditional EdgeKind = "conditional"
	// EdgeLoop 回环边：Predicate 为真回到 Back，否则走 Exit。唯一允许的后向边。
	EdgeLoop EdgeKind = "loop"
)

// Predicate 条件边谓词：返回希望进入的目标节点 id 列表
type Predicate func(state State) []string

// Condition 布尔谓词（loop 边、补偿条件、触发器条件共用）
type Condition func(state State) bool

// Edge 类型化的边。Kind 决定哪些字段有效。
type Edge struct {
	Kind EdgeKind
	From string

	// sequential
	To string

	// parallel / conditional 的候选目标集合
	Targets []string

	// conditional
	Predicate Predicate

	// loop
	LoopPredicate Condition
	Back          string
	Exit          string
}

// SingleTarget 返回条件谓词的单目标便捷包装
func SingleTarget(fn func(state State) string) Predicate {
	return func(state State) []string {
		if id := fn(state); id != "" {
			return []string{id}
		}
		return nil
	}
}
