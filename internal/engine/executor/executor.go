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

// Package executor 驱动单个 Run 的执行：按依赖图推进节点前沿，
// 节点内叠加重试、超时、熔断与幂等，失败时触发补偿并写入死信。
// 人工审批与子工作流挂起通过哨兵错误 ErrRunPaused 上抛，恢复时
// 从检查点重建进度继续执行。
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"flow-platform/internal/engine/approval"
	"flow-platform/internal/engine/breaker"
	"flow-platform/internal/engine/checkpoint"
	"flow-platform/internal/engine/compensation"
	"flow-platform/internal/engine/dlq"
	"flow-platform/internal/engine/idempotency"
	"flow-platform/internal/engine/retry"
	"flow-platform/internal/engine/runstore"
	"flow-platform/internal/engine/scheduler"
	perrors "flow-platform/pkg/errors"
	"flow-platform/pkg/log"
	"flow-platform/pkg/metrics"
	"flow-platform/pkg/tracing"
	"flow-platform/pkg/workflow"
)

// 执行挂起与嵌套深度的哨兵错误
var (
	// ErrRunPaused Run 在审批门或暂停点挂起，等待外部输入后恢复。
	// 挂起不是失败：调用方应保留 Run 与检查点，响应到达后重新执行。
	ErrRunPaused = errors.New("run paused")

	// ErrMaxDepthExceeded 子工作流嵌套超过允许深度
	ErrMaxDepthExceeded = errors.New("sub-workflow max depth exceeded")
)

// Config 执行器配置
type Config struct {
	DefaultNodeTimeout        time.Duration // 节点未声明 Timeout 时的缺省单次执行超时；0 不限制
	MaxSubDepth               int           // 子工作流最大嵌套深度；<=0 按 5
	DisableCancelCompensation bool          // 取消时跳过已完成节点的补偿；默认执行
	IdempotencyTTL            time.Duration // 幂等记录保留时长；<=0 按 10 分钟
}

func (c Config) withDefaults() Config {
	if c.MaxSubDepth <= 0 {
		c.MaxSubDepth = 5
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 10 * time.Minute
	}
	return c
}

// Executor 单 Run 执行器。可被并发调用，每次 Execute 的可变进度
// 都在本地 execProgress 内，不在 Executor 上共享。
type Executor struct {
	runs     runstore.Store
	breakers *breaker.Registry
	logger   *log.Logger
	cfg      Config

	checkpoints checkpoint.Store
	idem        idempotency.Store
	deadLetters dlq.Store
	approvals   approval.Store

	resume     func(runID string)          // 可选；审批响应到达后请求重新调度该 Run
	pauseCheck func(runID string) bool     // 可选；批间探测外部暂停请求
	escalate   func(req *approval.Request) // 可选；审批超时动作为 escalate 时回调
}

// New 创建执行器。runs 必选；breakers 为 nil 时使用缺省配置的注册表，
// logger 为 nil 时丢弃日志。
func New(runs runstore.Store, breakers *breaker.Registry, logger *log.Logger, cfg Config) *Executor {
	if breakers == nil {
		breakers = breaker.NewRegistry(breaker.Config{})
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Executor{
		runs:     runs,
		breakers: breakers,
		logger:   logger,
		cfg:      cfg.withDefaults(),
	}
}

// SetCheckpointStore 设置检查点存储（可选）；未设置时 Run 不可恢复执行
func (e *Executor) SetCheckpointStore(s checkpoint.Store) {
	e.checkpoints = s
}

// SetIdempotencyStore 设置幂等存储（可选）；未设置时节点声明的幂等 key 被忽略
func (e *Executor) SetIdempotencyStore(s idempotency.Store) {
	e.idem = s
}

// SetDeadLetterStore 设置死信存储（可选）；节点终态失败时写入失败现场
func (e *Executor) SetDeadLetterStore(s dlq.Store) {
	e.deadLetters = s
}

// SetApprovalStore 设置审批存储；含 human 节点的工作流必须设置
func (e *Executor) SetApprovalStore(s approval.Store) {
	e.approvals = s
}

// SetResumeHook 设置恢复回调（可选）；审批响应到达时以挂起 Run 的 id 调用。
// 嵌套子工作流挂起时回调携带子 Run 的 id，调用方需沿 ParentRunID 找到根 Run 再调度。
func (e *Executor) SetResumeHook(fn func(runID string)) {
	e.resume = fn
}

// SetPauseCheck 设置暂停探测（可选）；每批节点执行前调用，返回 true 时挂起 Run
func (e *Executor) SetPauseCheck(fn func(runID string) bool) {
	e.pauseCheck = fn
}

// SetEscalationHook 设置审批升级回调（可选）；超时动作为 escalate 时调用，请求保持未决
func (e *Executor) SetEscalationHook(fn func(req *approval.Request)) {
	e.escalate = fn
}

// execProgress 一次 Execute 的本地进度
type execProgress struct {
	state     workflow.State
	completed map[string]bool
	pending   []string
	inPending map[string]bool
	compReg   *compensation.Registry
}

func (p *execProgress) addPending(id string) {
	if id == "" || p.completed[id] || p.inPending[id] {
		return
	}
	p.inPending[id] = true
	p.pending = append(p.pending, id)
}

// takeBatch 从待执行集中取走 batch 中的节点
func (p *execProgress) takeBatch(batch []string) {
	taken := make(map[string]bool, len(batch))
	for _, id := range batch {
		taken[id] = true
		delete(p.inPending, id)
	}
	remaining := p.pending[:0]
	for _, id := range p.pending {
		if !taken[id] {
			remaining = append(remaining, id)
		}
	}
	p.pending = remaining
}

// completedList 按完成顺序列出当前仍视为已完成的节点
func (p *execProgress) completedList() []string {
	var out []string
	for _, id := range p.compReg.Completed() {
		if p.completed[id] {
			out = append(out, id)
		}
	}
	return out
}

// readyWaived 封闭停滞时的就绪集：条件路由未选中的上游既不在已完成
// 也不在待执行集中，视为本次 Run 放弃，不再阻塞 join 节点
func (p *execProgress) readyWaived(g *scheduler.Graph) []string {
	var ready []string
	for _, id := range p.pending {
		deps, ok := g.Deps[id]
		if !ok {
			continue
		}
		satisfied := true
		for dep := range deps {
			if !p.completed[dep] && p.inPending[dep] {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, id)
		}
	}
	return ready
}

// Execute 执行（或恢复执行）一个 Run 直到终态或挂起。
// 节点失败是 Run 的结果而非 Execute 的错误：Run 进入 failed 终态后
// 返回 (run, nil)。Execute 返回非 nil 错误仅在存储访问失败或挂起
// （ErrRunPaused）时出现。对已终态的 Run 调用是幂等的空操作。
func (e *Executor) Execute(ctx context.Context, def *workflow.Definition, runID string) (*runstore.Run, error) {
	if def == nil {
		return nil, fmt.Errorf("executor: %w: 缺少工作流定义", perrors.ErrInvalidArg)
	}
	run, err := e.runs.Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("executor: 读取 run %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		return run, nil
	}

	ctx, span := tracing.StartRunSpan(ctx, runID, def.Name)
	defer span.End()

	prog, resumed := e.restoreProgress(ctx, def, run)
	run, err = e.markRunning(ctx, run)
	if err != nil {
		return run, err
	}
	e.logger.Info("run 进入执行",
		"run_id", run.ID, "workflow", def.Name,
		"resumed", resumed, "completed_nodes", len(prog.completed))

	graph := scheduler.BuildDependencyGraph(def)
	for {
		if ctx.Err() != nil {
			return e.finishCancelled(ctx, def, run, prog)
		}
		if e.pauseCheck != nil && e.pauseCheck(run.ID) {
			return e.persistPause(ctx, def, run, prog)
		}

		ready := scheduler.GetReadyNodes(graph, prog.completed, prog.pending)
		if len(ready) == 0 {
			if len(prog.pending) == 0 {
				break
			}
			ready = prog.readyWaived(graph)
			if len(ready) == 0 {
				return e.failRun(ctx, def, run, prog, "",
					fmt.Errorf("执行停滞：节点 %v 的依赖永远无法满足", prog.pending), 0, nil)
			}
		}

		prog.takeBatch(ready)
		batchSnapshot := prog.state.Clone()
		if _, err := e.runs.Update(ctx, run.ID, runstore.Patch{CurrentNodes: ready}); err != nil {
			e.logger.Warn("记录在执行节点失败", "run_id", run.ID, "error", err)
		}

		results := e.runBatch(ctx, def, run, ready, batchSnapshot)

		var paused bool
		var failedNode string
		var failErr error
		var failAttempts int
		for i, r := range results {
			id := ready[i]
			switch {
			case r.err == nil:
				e.completeNode(def, prog, id, r.patch)
			case errors.Is(r.err, ErrRunPaused):
				paused = true
			case errors.Is(r.err, retry.ErrCancelled) || errors.Is(r.err, context.Canceled):
				// 取消在批后统一收束
			default:
				if failErr == nil {
					failedNode, failErr, failAttempts = id, r.err, r.attempts
				}
			}
		}

		if failErr != nil {
			return e.failRun(ctx, def, run, prog, failedNode, failErr, failAttempts, batchSnapshot)
		}
		if ctx.Err() != nil {
			return e.finishCancelled(ctx, def, run, prog)
		}
		if paused {
			return e.persistPause(ctx, def, run, prog)
		}
		run = e.persistProgress(ctx, def, run, prog)
	}

	return e.finishCompleted(ctx, def, run, prog)
}

// Cancel 取消一个未在执行中的 Run（scheduled、pending 或 paused）。
// 从检查点重建进度后按取消路径收尾：视配置补偿已完成节点、关闭未决
// 审批、清理检查点并落 cancelled 终态。对已终态的 Run 是幂等空操作。
// 正在执行中的 Run 不走此入口，由调用方取消其执行 context 终止。
func (e *Executor) Cancel(ctx context.Context, def *workflow.Definition, runID string, reason string) (*runstore.Run, error) {
	if def == nil {
		return nil, fmt.Errorf("executor: %w: 缺少工作流定义", perrors.ErrInvalidArg)
	}
	run, err := e.runs.Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("executor: 读取 run %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		return run, nil
	}

	prog, _ := e.restoreProgress(ctx, def, run)
	if reason == "" {
		reason = "cancelled"
	}
	cctx, cancel := context.WithCancelCause(ctx)
	cancel(errors.New(reason))
	return e.finishCancelled(cctx, def, run, prog)
}

// nodeResult 批内单节点的执行产出
type nodeResult struct {
	patch    workflow.State
	attempts int
	err      error
}

// runBatch 执行一批就绪节点；单节点直接调用，多节点经 RunParallel 并发
func (e *Executor) runBatch(ctx context.Context, def *workflow.Definition, run *runstore.Run, batch []string, snapshot workflow.State) []nodeResult {
	results := make([]nodeResult, len(batch))
	if len(batch) == 1 {
		patch, attempts, err := e.runNode(ctx, def, run, def.Node(batch[0]), snapshot.Clone())
		results[0] = nodeResult{patch: patch, attempts: attempts, err: err}
		return results
	}

	attempts := make([]int, len(batch))
	tasks := make([]scheduler.Task, len(batch))
	for i, id := range batch {
		node := def.Node(id)
		tasks[i] = scheduler.Task{
			Name: id,
			Fn: func(taskCtx context.Context) (workflow.State, error) {
				patch, a, err := e.runNode(taskCtx, def, run, node, snapshot.Clone())
				attempts[i] = a
				return patch, err
			},
		}
	}
	for i, r := range scheduler.RunParallel(ctx, tasks, def.MaxConcurrency) {
		results[i] = nodeResult{patch: r.Patch, attempts: attempts[i], err: r.Err}
	}
	return results
}

// completeNode 合并节点产出并发现下一跳。回环边触发时清除回跳目标
// 前向可达范围内的完成标记，使循环体重新执行。
func (e *Executor) completeNode(def *workflow.Definition, prog *execProgress, id string, patch workflow.State) {
	prog.state = workflow.Merge(prog.state, patch)
	if node := def.Node(id); node != nil && node.Compensation != nil {
		prog.compReg.Register(id, *node.Compensation)
	}
	prog.compReg.MarkCompleted(id, patch)
	prog.completed[id] = true

	for _, hop := range scheduler.GetNextHops(def, id, prog.state) {
		if hop.LoopBack {
			for member := range scheduler.ForwardReachable(def, hop.ID) {
				delete(prog.completed, member)
			}
		}
		prog.addPending(hop.ID)
	}
}

// restoreProgress 从检查点重建进度；无检查点时从入口节点全新开始
func (e *Executor) restoreProgress(ctx context.Context, def *workflow.Definition, run *runstore.Run) (*execProgress, bool) {
	prog := &execProgress{
		state:     run.State.Clone(),
		completed: make(map[string]bool),
		inPending: make(map[string]bool),
		compReg:   compensation.NewRegistry(),
	}

	var cp *checkpoint.Checkpoint
	if e.checkpoints != nil {
		var err error
		cp, err = e.checkpoints.Get(ctx, run.ID)
		if err != nil {
			e.logger.Warn("读取检查点失败，从头执行", "run_id", run.ID, "error", err)
			cp = nil
		}
	}
	if cp != nil {
		prog.state = cp.State.Clone()
		for _, id := range cp.ExecutionOrder {
			if node := def.Node(id); node != nil && node.Compensation != nil {
				prog.compReg.Register(id, *node.Compensation)
			}
			prog.compReg.MarkCompleted(id, cp.Results[id])
		}
		for _, id := range cp.CompletedNodes {
			prog.completed[id] = true
		}
	}

	// 入口节点与已执行节点的下一跳共同构成恢复后的待执行集。
	// 回跳目标在检查点内已被清除完成标记，这里会被重新纳入。
	for _, id := range entryNodes(def) {
		prog.addPending(id)
	}
	if cp != nil {
		for _, id := range cp.ExecutionOrder {
			for _, hop := range scheduler.GetNextHops(def, id, prog.state) {
				prog.addPending(hop.ID)
			}
		}
	}
	return prog, cp != nil
}

// entryNodes 没有任何入边的节点，按 id 排序保证可复现
func entryNodes(def *workflow.Definition) []string {
	incoming := make(map[string]bool)
	for _, edge := range def.Edges {
		switch edge.Kind {
		case workflow.EdgeSequential:
			incoming[edge.To] = true
		case workflow.EdgeParallel, workflow.EdgeConditional:
			for _, t := range edge.Targets {
				incoming[t] = true
			}
		case workflow.EdgeLoop:
			incoming[edge.Back] = true
			incoming[edge.Exit] = true
		}
	}
	var entries []string
	for id := range def.Nodes {
		if !incoming[id] {
			entries = append(entries, id)
		}
	}
	sort.Strings(entries)
	return entries
}

func (e *Executor) markRunning(ctx context.Context, run *runstore.Run) (*runstore.Run, error) {
	status := runstore.StatusRunning
	patch := runstore.Patch{Status: &status}
	if run.StartedAt.IsZero() {
		now := time.Now()
		patch.StartedAt = &now
	}
	updated, err := e.runs.Update(ctx, run.ID, patch)
	if err != nil {
		return run, fmt.Errorf("executor: 标记 run %s 运行中: %w", run.ID, err)
	}
	return updated, nil
}

// persistProgress 批结束后落盘运行状态与检查点
func (e *Executor) persistProgress(ctx context.Context, def *workflow.Definition, run *runstore.Run, prog *execProgress) *runstore.Run {
	updated, err := e.runs.Update(ctx, run.ID, runstore.Patch{
		State:          prog.state,
		CompletedNodes: prog.completedList(),
		CurrentNodes:   []string{},
	})
	if err != nil {
		e.logger.Warn("记录执行进度失败", "run_id", run.ID, "error", err)
		updated = run
	}
	e.saveCheckpoint(ctx, def, run, prog)
	return updated
}

func (e *Executor) saveCheckpoint(ctx context.Context, def *workflow.Definition, run *runstore.Run, prog *execProgress) {
	if e.checkpoints == nil {
		return
	}
	cp := &checkpoint.Checkpoint{
		RunID:          run.ID,
		WorkflowName:   def.Name,
		State:          prog.state,
		CompletedNodes: prog.completedList(),
		ExecutionOrder: prog.compReg.Completed(),
		Results:        prog.compReg.Results(),
		ParentRunID:    run.ParentRunID,
		ParentNodeID:   run.ParentNodeID,
	}
	if err := e.checkpoints.Put(ctx, cp); err != nil {
		e.logger.Warn("写入检查点失败", "run_id", run.ID, "error", err)
	}
}

func (e *Executor) clearCheckpoint(ctx context.Context, runID string) {
	if e.checkpoints == nil {
		return
	}
	if err := e.checkpoints.Delete(ctx, runID); err != nil {
		e.logger.Warn("清理检查点失败", "run_id", runID, "error", err)
	}
}

func (e *Executor) finishCompleted(ctx context.Context, def *workflow.Definition, run *runstore.Run, prog *execProgress) (*runstore.Run, error) {
	now := time.Now()
	status := runstore.StatusCompleted
	updated, err := e.runs.Update(ctx, run.ID, runstore.Patch{
		Status:         &status,
		State:          prog.state,
		CompletedNodes: prog.completedList(),
		CurrentNodes:   []string{},
		CompletedAt:    &now,
	})
	if err != nil {
		return run, fmt.Errorf("executor: 标记 run %s 完成: %w", run.ID, err)
	}
	metrics.RunTotal.WithLabelValues("completed").Inc()
	if !updated.StartedAt.IsZero() {
		metrics.RunDuration.WithLabelValues(def.Name).Observe(now.Sub(updated.StartedAt).Seconds())
	}
	e.clearCheckpoint(ctx, run.ID)
	e.logger.Info("run 完成", "run_id", run.ID, "workflow", def.Name,
		"nodes", len(updated.CompletedNodes), "duration", now.Sub(updated.StartedAt))
	return updated, nil
}

// failRun 节点终态失败：补偿、写死信、落终态。failedNode 为空表示
// 图推进停滞而非具体节点失败，此时不写死信。
func (e *Executor) failRun(ctx context.Context, def *workflow.Definition, run *runstore.Run, prog *execProgress, failedNode string, cause error, attempts int, input workflow.State) (*runstore.Run, error) {
	e.logger.Error("run 失败", "run_id", run.ID, "workflow", def.Name,
		"node_id", failedNode, "attempts", attempts, "error", cause)

	// 终态落盘不受取消影响
	cleanCtx := context.WithoutCancel(ctx)
	report := prog.compReg.Compensate(cleanCtx, prog.state, failedNode, cause)
	if report != nil && len(report.Compensated)+len(report.PartialFailures) > 0 {
		e.logger.Info("补偿完成", "run_id", run.ID,
			"compensated", report.Compensated, "all_successful", report.AllSuccessful)
		if !report.AllSuccessful {
			e.logger.Warn("补偿存在失败步骤", "run_id", run.ID, "failures", report.PartialFailures)
		}
	}
	if failedNode != "" {
		e.writeDeadLetter(cleanCtx, def, run, failedNode, cause, attempts, prog.state, input)
	}

	now := time.Now()
	status := runstore.StatusFailed
	msg := cause.Error()
	updated, err := e.runs.Update(cleanCtx, run.ID, runstore.Patch{
		Status:         &status,
		State:          prog.state,
		CompletedNodes: prog.completedList(),
		FailedNodes:    appendUnique(run.FailedNodes, failedNode),
		CurrentNodes:   []string{},
		CompletedAt:    &now,
		Error:          &msg,
	})
	if err != nil {
		return run, fmt.Errorf("executor: 标记 run %s 失败: %w", run.ID, err)
	}
	metrics.RunTotal.WithLabelValues("failed").Inc()
	if !updated.StartedAt.IsZero() {
		metrics.RunDuration.WithLabelValues(def.Name).Observe(now.Sub(updated.StartedAt).Seconds())
	}
	e.closePendingGates(cleanCtx, def, run.ID)
	e.clearCheckpoint(cleanCtx, run.ID)
	return updated, nil
}

func (e *Executor) finishCancelled(ctx context.Context, def *workflow.Definition, run *runstore.Run, prog *execProgress) (*runstore.Run, error) {
	cleanCtx := context.WithoutCancel(ctx)
	e.logger.Info("run 取消", "run_id", run.ID, "workflow", def.Name,
		"compensate", !e.cfg.DisableCancelCompensation)

	if !e.cfg.DisableCancelCompensation {
		report := prog.compReg.Compensate(cleanCtx, prog.state, "", context.Canceled)
		if report != nil && !report.AllSuccessful {
			e.logger.Warn("取消补偿存在失败步骤", "run_id", run.ID, "failures", report.PartialFailures)
		}
	}

	now := time.Now()
	status := runstore.StatusCancelled
	msg := "cancelled"
	if cause := context.Cause(ctx); cause != nil {
		msg = cause.Error()
	}
	updated, err := e.runs.Update(cleanCtx, run.ID, runstore.Patch{
		Status:         &status,
		State:          prog.state,
		CompletedNodes: prog.completedList(),
		CurrentNodes:   []string{},
		CompletedAt:    &now,
		Error:          &msg,
	})
	if err != nil {
		return run, fmt.Errorf("executor: 标记 run %s 取消: %w", run.ID, err)
	}
	metrics.RunTotal.WithLabelValues("cancelled").Inc()
	e.closePendingGates(cleanCtx, def, run.ID)
	e.clearCheckpoint(cleanCtx, run.ID)
	return updated, nil
}

func (e *Executor) persistPause(ctx context.Context, def *workflow.Definition, run *runstore.Run, prog *execProgress) (*runstore.Run, error) {
	status := runstore.StatusPaused
	updated, err := e.runs.Update(ctx, run.ID, runstore.Patch{
		Status:         &status,
		State:          prog.state,
		CompletedNodes: prog.completedList(),
		CurrentNodes:   []string{},
	})
	if err != nil {
		return run, fmt.Errorf("executor: 标记 run %s 挂起: %w", run.ID, err)
	}
	e.saveCheckpoint(ctx, def, run, prog)
	e.logger.Info("run 挂起", "run_id", run.ID, "workflow", def.Name,
		"completed_nodes", len(prog.completed))
	return updated, ErrRunPaused
}

// closePendingGates 终态收尾：给该 Run 所有未决审批写入合成的
// 空决策超时响应并删除请求，避免悬挂的待办
func (e *Executor) closePendingGates(ctx context.Context, def *workflow.Definition, runID string) {
	if e.approvals == nil {
		return
	}
	for id, node := range def.Nodes {
		if node.Kind != workflow.NodeHuman {
			continue
		}
		req, err := e.approvals.FindByNode(ctx, runID, id)
		if err != nil || req == nil {
			continue
		}
		if !req.Resolved {
			_ = e.approvals.SubmitResponse(ctx, &approval.Response{
				RequestID:   req.ID,
				Decision:    nil,
				RespondedBy: "system:terminated",
				TimedOut:    true,
			})
		}
		if err := e.approvals.DeleteRequest(ctx, req.ID); err != nil {
			e.logger.Warn("清理审批请求失败", "request_id", req.ID, "error", err)
		}
	}
}

func (e *Executor) writeDeadLetter(ctx context.Context, def *workflow.Definition, run *runstore.Run, nodeID string, cause error, attempts int, state, input workflow.State) {
	if e.deadLetters == nil {
		return
	}
	maxAttempts := 1
	if node := def.Node(nodeID); node != nil && node.Retry != nil {
		maxAttempts = node.Retry.MaxRetries + 1
	}
	entry := &dlq.Entry{
		WorkflowID:   run.ID,
		WorkflowName: def.Name,
		NodeID:       nodeID,
		State:        state.Clone(),
		Input:        input.Clone(),
		Error: dlq.ErrorInfo{
			Name:    errorName(cause),
			Message: cause.Error(),
		},
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		LastAttempt: time.Now(),
		Tags:        run.Tags,
	}
	if run.ParentRunID != "" {
		entry.Metadata = map[string]string{"parent_run_id": run.ParentRunID}
	}
	id, err := e.deadLetters.Add(ctx, entry)
	if err != nil {
		e.logger.Warn("写入死信失败", "run_id", run.ID, "node_id", nodeID, "error", err)
		return
	}
	e.logger.Info("失败现场已写入死信", "run_id", run.ID, "node_id", nodeID, "dlq_id", id)
}

// errorName 粗分类失败原因，供死信过滤
func errorName(err error) string {
	switch {
	case errors.Is(err, breaker.ErrOpen):
		return "breaker_open"
	case errors.Is(err, ErrMaxDepthExceeded):
		return "max_depth_exceeded"
	case errors.Is(err, retry.ErrPermanent):
		return "permanent"
	case errors.Is(err, retry.ErrRetryable):
		return "retry_exhausted"
	default:
		return "error"
	}
}

func appendUnique(list []string, id string) []string {
	if id == "" {
		return list
	}
	for _, v := range list {
		if v == id {
			return list
		}
	}
	return append(append([]string(nil), list...), id)
}
