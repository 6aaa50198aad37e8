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

import (
	"errors"
	"fmt"
	"time"
)

// 构建期校验错误
var (
	ErrUnknownNode   = errors.New("edge references unknown node")
	ErrDuplicateNode = errors.New("duplicate node id")
	ErrCycle         = errors.New("forward edges contain a cycle")
	ErrBadLoop       = errors.New("loop back-node is not upstream of loop origin")
	ErrNoFunc        = errors.New("function node requires a node func")
)

// NodeOption 节点声明选项
type NodeOption func(*Node)

// WithRetry 设置节点重试策略
func WithRetry(p RetryPolicy) NodeOption {
	return func(n *Node) { n.Retry = &p }
}

// WithBreaker 设置节点共享的熔断 key
func WithBreaker(key string) NodeOption {
	return func(n *Node) { n.BreakerKey = key }
}

// WithTimeout 设置节点单次执行超时
func WithTimeout(d time.Duration) NodeOption {
	return func(n *Node) { n.Timeout = d }
}

// WithIdempotencyKey 设置幂等输入函数
func WithIdempotencyKey(fn IdempotencyKeyFunc) NodeOption {
	return func(n *Node) { n.IdempotencyKey = fn }
}

// WithCompensation 注册补偿动作
func WithCompensation(c Compensation) NodeOption {
	return func(n *Node) { n.Compensation = &c }
}

// WithHumanGate 将节点声明为人工审批门
func WithHumanGate(g HumanGate) NodeOption {
	return func(n *Node) {
		n.Kind = NodeHuman
		n.Human = &g
	}
}

// WithSubWorkflow 将节点声明为子工作流
func WithSubWorkflow(s SubWorkflow) NodeOption {
	return func(n *Node) {
		n.Kind = NodeSub
		n.Sub = &s
	}
}

// Builder 以流式 API 组装 Definition；错误累积到 Build 统一返回
type Builder struct {
	name           string
	initialState   State
	maxConcurrency int
	nodes          map[string]*Node
	order          []string
	edges          []Edge
	errs           []error
}

// NewBuilder 创建 Builder
func NewBuilder(name string) *Builder {
	return &Builder{
		name:  name,
		nodes: make(map[string]*Node),
	}
}

// InitialState 设置初始状态（Build 时复制）
func (b *Builder) InitialState(s State) *Builder {
	b.initialState = s
	return b
}

// MaxConcurrency 设置单 Run 并行节点上限
func (b *Builder) MaxConcurrency(n int) *Builder {
	b.maxConcurrency = n
	return b
}

// AddNode 声明节点。human/sub 节点通过对应 Option 声明，fn 可为 nil。
func (b *Builder) AddNode(id string, fn NodeFunc, opts ...NodeOption) *Builder {
	if _, exists := b.nodes[id]; exists {
		b.errs = append(b.errs, fmt.Errorf("%w: %s", ErrDuplicateNode, id))
		return b
	}
	n := &Node{ID: id, Kind: NodeFunction, Fn: fn}
	for _, opt := range opts {
		opt(n)
	}
	if n.Kind == NodeFunction && n.Fn == nil {
		b.errs = append(b.errs, fmt.Errorf("%w: %s", ErrNoFunc, id))
		return b
	}
	b.nodes[id] = n
	b.order = append(b.order, id)
	return b
}

// AddEdge 顺序边
func (b *Builder) AddEdge(from, to string) *Builder {
	b.edges = append(b.edges, Edge{Kind: EdgeSequential, From: from, To: to})
	return b
}

// AddParallel 并行边：from 完成后并发进入 targets
func (b *Builder) AddParallel(from string, targets ...string) *Builder {
	b.edges = append(b.edges, Edge{Kind: EdgeParallel, From: from, Targets: targets})
	return b
}

// AddConditional 条件边：pred(state) 返回的目标仅在 targets 内时生效
func (b *Builder) AddConditional(from string, pred Predicate, targets ...string) *Builder {
	b.edges = append(b.edges, Edge{Kind: EdgeConditional, From: from, Predicate: pred, Targets: targets})
	return b
}

// AddLoop 回环边：pred 为真回 back，否则走 exit
func (b *Builder) AddLoop(from string, pred Condition, back, exit string) *Builder {
	b.edges = append(b.edges, Edge{Kind: EdgeLoop, From: from, LoopPredicate: pred, Back: back, Exit: exit})
	return b
}

// Build 校验并产出不可变 Definition。
// 校验项：端点存在；sequential+parallel+conditional 前向子图无环；
// loop 的 back 节点位于 from 的上游（回环确实向后）。
func (b *Builder) Build() (*Definition, error) {
	errs := append([]error(nil), b.errs...)

	checkNode := func(id, role string, e Edge) {
		if id == "" {
			errs = append(errs, fmt.Errorf("%w: empty %s on %s edge from %q", ErrUnknownNode, role, e.Kind, e.From))
			return
		}
		if _, ok := b.nodes[id]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s (%s of %s edge from %q)", ErrUnknownNode, id, role, e.Kind, e.From))
		}
	}
	for _, e := range b.edges {
		checkNode(e.From, "from", e)
		switch e.Kind {
		case EdgeSequential:
			checkNode(e.To, "to", e)
		case EdgeParallel, EdgeConditional:
			for _, t := range e.Targets {
				checkNode(t, "target", e)
			}
		case EdgeLoop:
			checkNode(e.Back, "back", e)
			checkNode(e.Exit, "exit", e)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	forward := forwardAdjacency(b.edges)
	if hasCycle(b.order, forward) {
		return nil, ErrCycle
	}
	for _, e := range b.edges {
		if e.Kind != EdgeLoop {
			continue
		}
		if e.Back != e.From && !reachable(forward, e.Back, e.From) {
			return nil, fmt.Errorf("%w: back=%s from=%s", ErrBadLoop, e.Back, e.From)
		}
	}

	nodes := make(map[string]*Node, len(b.nodes))
	for id, n := range b.nodes {
		cp := *n
		nodes[id] = &cp
	}
	return &Definition{
		Name:           b.name,
		InitialState:   b.initialState.Clone(),
		Nodes:          nodes,
		Edges:          append([]Edge(nil), b.edges...),
		MaxConcurrency: b.maxConcurrency,
	}, nil
}

// forwardAdjacency 仅取前向边（sequential、parallel、conditional 候选）
func forwardAdjacency(edges []Edge) map[string][]string {
	adj := make(map[string][]string)
	for _, e := range edges {
		switch e.Kind {
		case EdgeSequential:
			adj[e.From] = append(adj[e.From], e.To)
		case EdgeParallel, EdgeConditional:
			adj[e.From] = append(adj[e.From], e.Targets...)
		case EdgeLoop:
			// exit 是前向延续；back 是唯一允许的后向引用，不入前向图
			adj[e.From] = append(adj[e.From], e.Exit)
		}
	}
	return adj
}

// hasCycle Kahn 拓扑消解，残留节点即有环
func hasCycle(nodes []string, adj map[string][]string) bool {
	indeg := make(map[string]int, len(nodes))
	for _, id := range nodes {
		indeg[id] = 0
	}
	for _, tos := range adj {
		for _, to := range tos {
			indeg[to]++
		}
	}
	queue := make([]string, 0, len(nodes))
	for _, id := range nodes {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}
	seen := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		seen++
		for _, to := range adj[id] {
			indeg[to]--
			if indeg[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	return seen != len(nodes)
}

// reachable 前向图上 from 是否可达 target
func reachable(adj map[string][]string, from, target string) bool {
	visited := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		for _, to := range adj[id] {
			if !visited[to] {
				visited[to] = true
				stack = append(stack, to)
			}
		}
	}
	return false
}
