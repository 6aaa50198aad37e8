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

// Package compensation 维护单个 Run 的补偿登记表：节点正向完成时登记
// 其补偿动作与产出 patch，Run 失败或取消时按声明顺序反向清扫。
// 单步失败只计入报告，不中断整个清扫。
package compensation

import (
	"context"
	"sync"
	"time"

	"flow-platform/pkg/metrics"
	"flow-platform/pkg/workflow"
)

// StepFailure 单步补偿失败记录
type StepFailure struct {
	NodeID string `json:"node_id"`
	Error  string `json:"error"`
}

// Report 一次补偿清扫的结果
type Report struct {
	TriggeredBy     string        `json:"triggered_by"`
	Cause           string        `json:"cause,omitempty"`
	Compensated     []string      `json:"compensated"`
	Skipped         []string      `json:"skipped,omitempty"`
	PartialFailures []StepFailure `json:"partial_failures,omitempty"`
	TotalDurationMs int64         `json:"total_duration_ms"`
	AllSuccessful   bool          `json:"all_successful"`
}

// Registry 单 Run 的补偿登记表。完成顺序与正向结果一并记录，
// 供清扫排序与 checkpoint 恢复使用。并发安全。
type Registry struct {
	mu      sync.Mutex
	comps   map[string]workflow.Compensation
	results map[string]workflow.State
	order   []string
}

// NewRegistry 创建空登记表；每次执行各建一个
func NewRegistry() *Registry {
	return &Registry{
		comps:   make(map[string]workflow.Compensation),
		results: make(map[string]workflow.State),
	}
}

// Register 登记节点的补偿动作。Fn 为 nil 视为无补偿，不登记。
func (r *Registry) Register(nodeID string, comp workflow.Compensation) {
	if nodeID == "" || comp.Fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.comps[nodeID] = comp
}

// MarkCompleted 记录节点正向完成及其产出 patch。
// 回环边会让同一节点再次完成，此时刷新其完成序位置与结果。
func (r *Registry) MarkCompleted(nodeID string, result workflow.State) {
	if nodeID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, id := range r.order {
		if id == nodeID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.order = append(r.order, nodeID)
	r.results[nodeID] = result.Clone()
}

// Completed 返回完成顺序的副本（checkpoint 持久化用）
func (r *Registry) Completed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Results 返回各节点正向结果的副本
func (r *Registry) Results() map[string]workflow.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]workflow.State, len(r.results))
	for id, st := range r.results {
		out[id] = st.Clone()
	}
	return out
}

// runStep 清扫快照中的一步
type runStep struct {
	nodeID   string
	comp     workflow.Compensation
	original workflow.State
}

type stepStatus int

const (
	stepOK stepStatus = iota
	stepSkipped
	stepFailed
)

type stepOutcome struct {
	nodeID string
	status stepStatus
	err    error
}

// Compensate 对已登记且已完成的节点执行补偿清扫。
// 分三段执行：parallel 步骤全部并发；reverse 步骤按完成序逆序串行；
// forward 步骤按完成序串行。单步可被条件跳过，可重试与限时。
func (r *Registry) Compensate(ctx context.Context, state workflow.State, failedNodeID string, cause error) *Report {
	start := time.Now()
	snap := state.Clone()

	r.mu.Lock()
	var parallel, reverse, forward []runStep
	for _, nodeID := range r.order {
		if nodeID == failedNodeID {
			continue
		}
		comp, ok := r.comps[nodeID]
		if !ok {
			continue
		}
		st := runStep{nodeID: nodeID, comp: comp, original: r.results[nodeID]}
		switch comp.Order {
		case workflow.CompensateParallel:
			parallel = append(parallel, st)
		case workflow.CompensateForward:
			forward = append(forward, st)
		default:
			reverse = append(reverse, st)
		}
	}
	r.mu.Unlock()

	report := &Report{
		TriggeredBy:   failedNodeID,
		Compensated:   []string{},
		AllSuccessful: true,
	}
	if cause != nil {
		report.Cause = cause.Error()
	}

	// parallel 段：并发执行，结果按登记顺序折叠，保证报告可复现
	outcomes := make([]stepOutcome, len(parallel))
	var wg sync.WaitGroup
	for i, st := range parallel {
		wg.Add(1)
		go func(i int, st runStep) {
			defer wg.Done()
			outcomes[i] = runOne(ctx, snap, st)
		}(i, st)
	}
	wg.Wait()
	for _, out := range outcomes {
		fold(report, out)
	}

	for i := len(reverse) - 1; i >= 0; i-- {
		fold(report, runOne(ctx, snap, reverse[i]))
	}
	for _, st := range forward {
		fold(report, runOne(ctx, snap, st))
	}

	report.TotalDurationMs = time.Since(start).Milliseconds()
	return report
}

// runOne 执行单步补偿：条件判定、限时、重试
func runOne(ctx context.Context, state workflow.State, st runStep) stepOutcome {
	if st.comp.Condition != nil && !st.comp.Condition(state) {
		return stepOutcome{nodeID: st.nodeID, status: stepSkipped}
	}

	attempts := st.comp.Retries + 1
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if cerr := ctx.Err(); cerr != nil {
			if err == nil {
				err = cerr
			}
			break
		}
		stepCtx := ctx
		var cancel context.CancelFunc
		if st.comp.Timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, st.comp.Timeout)
		}
		err = st.comp.Fn(stepCtx, state, st.original)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return stepOutcome{nodeID: st.nodeID, status: stepOK}
		}
	}
	return stepOutcome{nodeID: st.nodeID, status: stepFailed, err: err}
}

func fold(report *Report, out stepOutcome) {
	switch out.status {
	case stepOK:
		report.Compensated = append(report.Compensated, out.nodeID)
		metrics.CompensationStepTotal.WithLabelValues("ok").Inc()
	case stepSkipped:
		report.Skipped = append(report.Skipped, out.nodeID)
		metrics.CompensationStepTotal.WithLabelValues("skipped").Inc()
	case stepFailed:
		report.AllSuccessful = false
		msg := "compensation failed"
		if out.err != nil {
			msg = out.err.Error()
		}
		report.PartialFailures = append(report.PartialFailures, StepFailure{NodeID: out.nodeID, Error: msg})
		metrics.CompensationStepTotal.WithLabelValues("failed").Inc()
	}
}
