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

// Package scheduler 负责节点排序：依赖图构建、就绪集计算、
// Kahn 分层与基于状态的下一跳求值。回环边不参与依赖图，
// 只在 GetNextNodes 中按谓词决定回跳或退出。
package scheduler

import (
	"errors"
	"sort"

	"flow-platform/pkg/workflow"
)

// ErrCyclicOrUnreachable 前向子图存在环或不可达节点
var ErrCyclicOrUnreachable = errors.New("workflow graph has cyclic or unreachable nodes")

// Graph 依赖图。只由 sequential 边与 parallel 边的前向部分构成。
type Graph struct {
	// Deps 节点的直接依赖集合
	Deps map[string]map[string]struct{}
	// Dependents 依赖该节点的节点集合
	Dependents map[string]map[string]struct{}
}

// BuildDependencyGraph 从定义构建依赖图。conditional 与 loop 边
// 属于运行时路由，不计入静态依赖。
func BuildDependencyGraph(def *workflow.Definition) *Graph {
	g := &Graph{
		Deps:       make(map[string]map[string]struct{}, len(def.Nodes)),
		Dependents: make(map[string]map[string]struct{}, len(def.Nodes)),
	}
	for id := range def.Nodes {
		g.Deps[id] = make(map[string]struct{})
		g.Dependents[id] = make(map[string]struct{})
	}

	add := func(from, to string) {
		if _, ok := g.Deps[to]; !ok {
			return
		}
		if _, ok := g.Dependents[from]; !ok {
			return
		}
		g.Deps[to][from] = struct{}{}
		g.Dependents[from][to] = struct{}{}
	}

	for _, e := range def.Edges {
		switch e.Kind {
		case workflow.EdgeSequential:
			add(e.From, e.To)
		case workflow.EdgeParallel:
			for _, to := range e.Targets {
				add(e.From, to)
			}
		}
	}
	return g
}

// GetReadyNodes 返回 pending 中依赖全部落在 completed 内的节点，保持 pending 顺序
func GetReadyNodes(g *Graph, completed map[string]bool, pending []string) []string {
	var ready []string
	for _, id := range pending {
		deps, exists := g.Deps[id]
		if !exists {
			continue
		}
		allDone := true
		for dep := range deps {
			if !completed[dep] {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, id)
		}
	}
	return ready
}

// GetExecutionLevels 对前向子图做 Kahn 分层：同层节点可并行。
// 层内按 id 排序保证结果可复现。剩余节点无一就绪时返回
// ErrCyclicOrUnreachable。
func GetExecutionLevels(def *workflow.Definition) ([][]string, error) {
	g := BuildDependencyGraph(def)

	inDegree := make(map[string]int, len(g.Deps))
	for id, deps := range g.Deps {
		inDegree[id] = len(deps)
	}

	var levels [][]string
	processed := 0
	for processed < len(inDegree) {
		var level []string
		for id, degree := range inDegree {
			if degree == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			return nil, ErrCyclicOrUnreachable
		}
		sort.Strings(level)

		for _, id := range level {
			delete(inDegree, id)
			processed++
			for dependent := range g.Dependents[id] {
				if _, ok := inDegree[dependent]; ok {
					inDegree[dependent]--
				}
			}
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// Hop 下一跳目标。LoopBack 标记该目标经回环边到达，
// 执行器据此重置回跳目标及其前向可达节点的完成标记。
type Hop struct {
	ID       string
	LoopBack bool
}

// GetNextHops 求当前节点完成后的下一跳集合。按边声明顺序求值：
// sequential/parallel 取静态目标；conditional 取谓词结果与 Targets 的交集；
// loop 按谓词回跳 Back 或退出 Exit。结果去重并保持先出现的顺序；
// 同一目标先以回跳方式出现时保留 LoopBack 标记。
func GetNextHops(def *workflow.Definition, currentNode string, state workflow.State) []Hop {
	var next []Hop
	seen := make(map[string]bool)
	push := func(id string, loopBack bool) {
		if id == "" || seen[id] {
			return
		}
		if def.Node(id) == nil {
			return
		}
		seen[id] = true
		next = append(next, Hop{ID: id, LoopBack: loopBack})
	}

	for _, e := range def.EdgesFrom(currentNode) {
		switch e.Kind {
		case workflow.EdgeSequential:
			push(e.To, false)
		case workflow.EdgeParallel:
			for _, to := range e.Targets {
				push(to, false)
			}
		case workflow.EdgeConditional:
			if e.Predicate == nil {
				continue
			}
			allowed := make(map[string]bool, len(e.Targets))
			for _, t := range e.Targets {
				allowed[t] = true
			}
			for _, id := range e.Predicate(state) {
				if allowed[id] {
					push(id, false)
				}
			}
		case workflow.EdgeLoop:
			if e.LoopPredicate != nil && e.LoopPredicate(state) {
				push(e.Back, true)
			} else {
				push(e.Exit, false)
			}
		}
	}
	return next
}

// GetNextNodes 同 GetNextHops，只返回目标 id
func GetNextNodes(def *workflow.Definition, currentNode string, state workflow.State) []string {
	hops := GetNextHops(def, currentNode, state)
	out := make([]string, 0, len(hops))
	for _, h := range hops {
		out = append(out, h.ID)
	}
	return out
}

// ForwardReachable 求从 from 出发沿前向边（sequential、parallel、
// conditional 的全部 Targets 以及 loop 的 Exit）可达的节点集合，含 from 自身。
// 回跳边 Back 不扩展，避免把循环体外的节点卷进来。
func ForwardReachable(def *workflow.Definition, from string) map[string]bool {
	reached := make(map[string]bool)
	if def.Node(from) == nil {
		return reached
	}
	queue := []string{from}
	reached[from] = true
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		visit := func(ids ...string) {
			for _, id := range ids {
				if id == "" || reached[id] || def.Node(id) == nil {
					continue
				}
				reached[id] = true
				queue = append(queue, id)
			}
		}
		for _, e := range def.EdgesFrom(cur) {
			switch e.Kind {
			case workflow.EdgeSequential:
				visit(e.To)
			case workflow.EdgeParallel:
				visit(e.Targets...)
			case workflow.EdgeConditional:
				visit(e.Targets...)
			case workflow.EdgeLoop:
				visit(e.Exit)
			}
		}
	}
	return reached
}
