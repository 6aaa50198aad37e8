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

// Package workflow 定义工作流的编排面：节点、类型化边、策略与 Builder。
// Definition 在 Build 之后不可变；执行语义由引擎负责。
package workflow

import (
	"context"
	"time"
)

// NodeFunc 节点函数：读取当前状态快照，返回待合并的 patch。
// 可通过 ctx 观察取消；阻塞型节点应尊重 ctx。
type NodeFunc func(ctx context.Context, state State) (State, error)

// IdempotencyKeyFunc 计算节点输入的稳定表示；引擎以
// (workflow, node, 该表示) 的摘要作为幂等 key。返回空串表示本次不做幂等。
type IdempotencyKeyFunc func(state State) string

// CompensationFunc 反向补偿动作：state 为失败时刻的运行状态，
// original 为该节点正向执行时产出的 patch。
type CompensationFunc func(ctx context.Context, state State, original State) error

// CompensationOrder 补偿执行顺序
type CompensationOrder string

const (
	// CompensateReverse 按完成顺序的逆序执行（默认）
	CompensateReverse CompensationOrder = "reverse"
	// CompensateParallel 与其他 parallel 步骤并发执行
	CompensateParallel CompensationOrder = "parallel"
	// CompensateForward 按完成顺序执行
	CompensateForward CompensationOrder = "forward"
)

// Compensation 节点注册的补偿动作与选项
type Compensation struct {
	Fn        CompensationFunc
	Condition Condition         // 为 false 时跳过该步补偿；nil 恒执行
	Order     CompensationOrder // 空值按 reverse
	Timeout   time.Duration     // 单步超时；0 不限制
	Retries   int               // 单步重试次数（不含首次）
}

// BackoffStrategy 重试退避策略
type BackoffStrategy string

const (
	BackoffConstant    BackoffStrategy = "constant"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryPolicy 节点重试策略。第 k 次尝试后的等待：
// constant=initial；linear=initial*k；exponential=initial*multiplier^(k-1)，
// 以 MaxDelay 封顶，再乘 (1 + jitter*uniform(-1,+1))。
type RetryPolicy struct {
	MaxRetries      int             // 不含首次
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64         // exponential 使用；<=0 按 2
	Jitter          float64         // [0,1]
	Strategy        BackoffStrategy // 空值按 exponential
	RetryableErrors []string        // 错误消息子串白名单；空则使用默认分类器
}

// GateType 审批类型
type GateType string

const (
	GateApproveReject GateType = "approve-reject"
	GateMultiChoice   GateType = "multi-choice"
	GateFreeForm      GateType = "free-form"
	GateRating        GateType = "numeric-rating"
	GateChain         GateType = "chain"
)

// TimeoutAction 审批超时动作
type TimeoutAction string

const (
	TimeoutApprove  TimeoutAction = "approve"
	TimeoutReject   TimeoutAction = "reject"
	TimeoutEscalate TimeoutAction = "escalate"
)

// HumanGate 人工审批门：Run 在此节点挂起，等待外部决策写回 StateKey。
type HumanGate struct {
	Type          GateType
	Title         string
	Description   string
	Assignee      string
	Choices       []string // multi-choice 使用
	Chain         []string // chain 审批人顺序
	Timeout       time.Duration
	TimeoutAction TimeoutAction // 空值按 reject
	StateKey      string        // 决策写入 state 的 key；空值按 "approval:"+nodeID
}

// ErrorStrategy 子工作流失败策略
type ErrorStrategy string

const (
	OnErrorPropagate ErrorStrategy = "propagate"
	OnErrorCatch     ErrorStrategy = "catch"
	OnErrorIgnore    ErrorStrategy = "ignore"
	OnErrorRetry     ErrorStrategy = "retry"
)

// SubWorkflow 嵌套子工作流配置
type SubWorkflow struct {
	Definition   *Definition
	InputMapper  func(parent State) State // nil 时子流以父状态副本启动
	OutputMapper func(child State) State  // nil 时子流终态整体作为 patch
	Precondition Condition                // 为 false 时跳过子流
	OnError      ErrorStrategy            // 空值按 propagate
	MaxAttempts  int                      // OnError=retry 时的总尝试数；<=0 按 1
	RetryDelay   time.Duration
	Timeout      time.Duration
}

// NodeKind 节点种类（分发时只判定一次）
type NodeKind string

const (
	NodeFunction NodeKind = "function"
	NodeHuman    NodeKind = "human"
	NodeSub      NodeKind = "subworkflow"
)

// Node 节点声明
type Node struct {
	ID             string
	Kind           NodeKind
	Fn             NodeFunc
	Retry          *RetryPolicy
	BreakerKey     string
	Timeout        time.Duration
	IdempotencyKey IdempotencyKeyFunc
	Compensation   *Compensation
	Human          *HumanGate
	Sub            *SubWorkflow
}

// Definition 构建完成后的工作流。Build 之后不可变。
type Definition struct {
	Name           string
	InitialState   State
	Nodes          map[string]*Node
	Edges          []Edge
	MaxConcurrency int // 单 Run 内并行节点上限；<=0 按 4
}

// Node 按 id 取节点，未知 id 返回 nil
func (d *Definition) Node(id string) *Node {
	return d.Nodes[id]
}

// EdgesFrom 返回以 from 为起点的边（声明顺序）
func (d *Definition) EdgesFrom(from string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.From == from {
			out = append(out, e)
		}
	}
	return out
}
