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

package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"flow-platform/internal/engine/runstore"
	perrors "flow-platform/pkg/errors"
	"flow-platform/pkg/workflow"
)

// SubTask 一个可并发执行的子工作流任务。NodeID 参与子 Run id 构造，
// 需在同一父 Run 内唯一。
type SubTask struct {
	NodeID string
	Sub    *workflow.SubWorkflow
	Input  workflow.State // 覆盖父状态作为子流输入；nil 时走 Sub.InputMapper
}

// SubResult 单个子工作流任务的结果
type SubResult struct {
	NodeID string
	Patch  workflow.State
	Err    error
}

// RunParallelSubs 并发执行一组子工作流任务，结果按 tasks 顺序返回。
// continueOnError=false 时首个失败会取消尚未完成的兄弟任务；
// maxConcurrency<=0 表示不限并发。任一子流挂起时整体返回 ErrRunPaused，
// 重入后已终结的子流按确定性 id 复用结果。
func (e *Executor) RunParallelSubs(ctx context.Context, parent *runstore.Run, tasks []SubTask, maxConcurrency int, continueOnError bool) ([]SubResult, error) {
	results := make([]SubResult, len(tasks))
	if len(tasks) == 0 {
		return results, nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	if maxConcurrency > 0 {
		g.SetLimit(maxConcurrency)
	}
	for i, task := range tasks {
		g.Go(func() error {
			patch, err := e.runSubTask(gCtx, parent, task)
			results[i] = SubResult{NodeID: task.NodeID, Patch: patch, Err: err}
			if err != nil && !continueOnError {
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	for _, r := range results {
		if errors.Is(r.Err, ErrRunPaused) {
			return results, ErrRunPaused
		}
	}
	if err != nil && !continueOnError {
		return results, err
	}
	return results, nil
}

// FanOutFanIn 把 items 逐个作为输入展开同一子工作流并发执行，
// 按 items 顺序汇聚各子流的终态。任一子流失败整体失败。
func (e *Executor) FanOutFanIn(ctx context.Context, parent *runstore.Run, nodeID string, sub *workflow.SubWorkflow, items []workflow.State, maxConcurrency int) ([]workflow.State, error) {
	if sub == nil || sub.Definition == nil {
		return nil, fmt.Errorf("fan-out %s 缺少子工作流定义: %w", nodeID, perrors.ErrInvalidArg)
	}
	tasks := make([]SubTask, len(items))
	for i, item := range items {
		tasks[i] = SubTask{
			NodeID: nodeID + "-" + strconv.Itoa(i),
			Sub:    sub,
			Input:  item,
		}
	}
	results, err := e.RunParallelSubs(ctx, parent, tasks, maxConcurrency, false)
	if err != nil {
		return nil, err
	}
	out := make([]workflow.State, len(results))
	for i, r := range results {
		if r.Err != nil {
			return nil, fmt.Errorf("fan-out 分支 %s: %w", r.NodeID, r.Err)
		}
		out[i] = r.Patch
	}
	return out, nil
}

// ScatterGather 先用 scatter 把状态拆成分片，fan-out 执行后用 gather
// 聚合为一个 patch。gather 为 nil 时按分片顺序浅合并。
func (e *Executor) ScatterGather(ctx context.Context, parent *runstore.Run, nodeID string, sub *workflow.SubWorkflow, state workflow.State, scatter func(workflow.State) []workflow.State, gather func([]workflow.State) workflow.State, maxConcurrency int) (workflow.State, error) {
	if scatter == nil {
		return nil, fmt.Errorf("scatter-gather %s 缺少 scatter 函数: %w", nodeID, perrors.ErrInvalidArg)
	}
	pieces := scatter(state.Clone())
	outputs, err := e.FanOutFanIn(ctx, parent, nodeID, sub, pieces, maxConcurrency)
	if err != nil {
		return nil, err
	}
	if gather != nil {
		return gather(outputs), nil
	}
	merged := workflow.State{}
	for _, o := range outputs {
		merged = workflow.Merge(merged, o)
	}
	return merged, nil
}

// Race 多个子工作流竞速：首个成功者胜出并取消其余；全部失败时
// 返回各分支错误的汇总。
func (e *Executor) Race(ctx context.Context, parent *runstore.Run, tasks []SubTask) (SubResult, error) {
	if len(tasks) == 0 {
		return SubResult{}, fmt.Errorf("race 需要至少一个任务: %w", perrors.ErrInvalidArg)
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		idx    int
		result SubResult
	}
	ch := make(chan outcome, len(tasks))
	for i, task := range tasks {
		go func() {
			patch, err := e.runSubTask(raceCtx, parent, task)
			ch <- outcome{idx: i, result: SubResult{NodeID: task.NodeID, Patch: patch, Err: err}}
		}()
	}

	failures := make([]error, 0, len(tasks))
	for range tasks {
		o := <-ch
		if o.result.Err == nil {
			cancel()
			e.logger.Info("race 胜出", "parent_run_id", parent.ID, "node_id", o.result.NodeID)
			return o.result, nil
		}
		if errors.Is(o.result.Err, ErrRunPaused) {
			cancel()
			return SubResult{}, ErrRunPaused
		}
		failures = append(failures, fmt.Errorf("%s: %w", o.result.NodeID, o.result.Err))
	}
	return SubResult{}, fmt.Errorf("race 全部失败: %w", errors.Join(failures...))
}

// Fallback 依序尝试各任务，返回首个成功结果；全部失败时返回错误汇总
func (e *Executor) Fallback(ctx context.Context, parent *runstore.Run, tasks []SubTask) (SubResult, error) {
	if len(tasks) == 0 {
		return SubResult{}, fmt.Errorf("fallback 需要至少一个任务: %w", perrors.ErrInvalidArg)
	}
	failures := make([]error, 0, len(tasks))
	for i, task := range tasks {
		if ctx.Err() != nil {
			return SubResult{}, ctx.Err()
		}
		patch, err := e.runSubTask(ctx, parent, task)
		if err == nil {
			if i > 0 {
				e.logger.Info("fallback 降级成功",
					"parent_run_id", parent.ID, "node_id", task.NodeID, "tried", i+1)
			}
			return SubResult{NodeID: task.NodeID, Patch: patch}, nil
		}
		if errors.Is(err, ErrRunPaused) {
			return SubResult{}, ErrRunPaused
		}
		failures = append(failures, fmt.Errorf("%s: %w", task.NodeID, err))
	}
	return SubResult{}, fmt.Errorf("fallback 全部失败: %w", errors.Join(failures...))
}

// runSubTask Input 覆盖通过一次性 InputMapper 注入，不改动调用方的 Sub 配置
func (e *Executor) runSubTask(ctx context.Context, parent *runstore.Run, task SubTask) (workflow.State, error) {
	if task.Sub == nil {
		return nil, fmt.Errorf("任务 %s 缺少子工作流配置: %w", task.NodeID, perrors.ErrInvalidArg)
	}
	sub := task.Sub
	parentState := parent.State
	if task.Input != nil {
		cp := *task.Sub
		input := task.Input.Clone()
		cp.InputMapper = func(workflow.State) workflow.State { return input.Clone() }
		sub = &cp
		parentState = task.Input
	}
	return e.ExecuteSubWorkflow(ctx, parent, task.NodeID, sub, parentState)
}
