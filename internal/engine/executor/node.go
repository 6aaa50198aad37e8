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
	"fmt"
	"time"

	"flow-platform/internal/engine/approval"
	"flow-platform/internal/engine/breaker"
	"flow-platform/internal/engine/idempotency"
	"flow-platform/internal/engine/retry"
	"flow-platform/internal/engine/runstore"
	perrors "flow-platform/pkg/errors"
	"flow-platform/pkg/metrics"
	"flow-platform/pkg/tracing"
	"flow-platform/pkg/workflow"
)

// runNode 按节点种类分发执行；snapshot 为本批的状态快照，节点函数
// 只见快照副本，产出以 patch 返回。attempts 为实际尝试次数，供死信记录。
func (e *Executor) runNode(ctx context.Context, def *workflow.Definition, run *runstore.Run, node *workflow.Node, snapshot workflow.State) (workflow.State, int, error) {
	if node == nil {
		return nil, 0, fmt.Errorf("executor: %w: 节点不存在", perrors.ErrInvalidArg)
	}
	metrics.NodeExecTotal.WithLabelValues(def.Name, node.ID).Inc()
	start := time.Now()
	nodeCtx, span := tracing.StartNodeSpan(ctx, node.ID, string(node.Kind))
	defer func() {
		span.End()
		metrics.NodeDuration.WithLabelValues(def.Name, node.ID).Observe(time.Since(start).Seconds())
	}()

	switch node.Kind {
	case workflow.NodeHuman:
		patch, err := e.runHumanGate(nodeCtx, def, run, node, snapshot)
		return patch, 1, err
	case workflow.NodeSub:
		patch, err := e.runSubWorkflowNode(nodeCtx, run, node, snapshot)
		return patch, 1, err
	default:
		return e.callFunction(nodeCtx, def, run.ID, node, snapshot)
	}
}

// callFunction 函数节点流水线：幂等查询 → 带重试执行（每次尝试前
// 过熔断器准入、套超时）→ 幂等落盘。熔断拒绝按不可重试失败处理。
func (e *Executor) callFunction(ctx context.Context, def *workflow.Definition, runID string, node *workflow.Node, snapshot workflow.State) (workflow.State, int, error) {
	key := e.idempotencyKey(def.Name, node, snapshot)
	if key != "" {
		if patch, hit := e.replayIdempotent(ctx, key); hit {
			e.logger.Debug("幂等命中，跳过执行", "run_id", runID, "node_id", node.ID, "key", key)
			return patch, 0, nil
		}
	}

	var policy workflow.RetryPolicy
	if node.Retry != nil {
		policy = *node.Retry
	}
	timeout := node.Timeout
	if timeout == 0 {
		timeout = e.cfg.DefaultNodeTimeout
	}

	hooks := &retry.Hooks{
		OnRetry: func(a retry.Attempt) {
			metrics.NodeRetryTotal.WithLabelValues(def.Name, node.ID).Inc()
			e.logger.Warn("节点重试",
				"run_id", runID, "node_id", node.ID,
				"attempt", a.Attempt, "max_attempts", a.MaxAttempts,
				"delay", a.Delay, "error", a.Err)
		},
	}

	res := retry.Execute(ctx, policy, func(attemptCtx context.Context) (any, error) {
		if node.BreakerKey != "" && !e.breakers.CanExecute(node.BreakerKey) {
			return nil, fmt.Errorf("熔断器 %s 拒绝执行: %w", node.BreakerKey, breaker.ErrOpen)
		}
		return e.callOnce(attemptCtx, node, snapshot, timeout)
	}, hooks)

	if !res.OK {
		return nil, res.Attempts, fmt.Errorf("节点 %s: %w", node.ID, res.Err)
	}

	patch, _ := patchFromResult(res.Value)
	if key != "" {
		e.storeIdempotent(ctx, key, patch)
	}
	return patch, res.Attempts, nil
}

// callOnce 单次尝试：套超时、执行、记录熔断结果。超时按可重试失败
// 标记，交由重试策略决定是否继续。
func (e *Executor) callOnce(ctx context.Context, node *workflow.Node, snapshot workflow.State, timeout time.Duration) (any, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	patch, err := node.Fn(attemptCtx, snapshot.Clone())
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = retry.MarkRetryable(fmt.Errorf("节点 %s 执行超过 %s", node.ID, timeout))
		}
		if node.BreakerKey != "" {
			e.breakers.RecordFailure(node.BreakerKey)
		}
		return nil, err
	}
	if node.BreakerKey != "" {
		e.breakers.RecordSuccess(node.BreakerKey)
	}
	return patch, nil
}

// idempotencyKey 计算节点本次输入的幂等 key；节点未声明或存储缺失返回空
func (e *Executor) idempotencyKey(workflowName string, node *workflow.Node, snapshot workflow.State) string {
	if node.IdempotencyKey == nil || e.idem == nil {
		return ""
	}
	rep := node.IdempotencyKey(snapshot)
	if rep == "" {
		return ""
	}
	return idempotency.KeyForRep(workflowName, node.ID, rep)
}

// replayIdempotent 查询幂等记录；只重放成功结果，失败记录与无法
// 复原的记录按未命中处理。查询失败降级为执行，不阻塞节点。
func (e *Executor) replayIdempotent(ctx context.Context, key string) (workflow.State, bool) {
	rec, ok, err := e.idem.Check(ctx, key)
	if err != nil {
		e.logger.Warn("幂等查询失败，继续执行", "key", key, "error", err)
		return nil, false
	}
	if !ok || rec.Failure != "" {
		return nil, false
	}
	patch, usable := patchFromResult(rec.Result)
	if !usable {
		return nil, false
	}
	metrics.IdempotencyHitTotal.Inc()
	return patch, true
}

func (e *Executor) storeIdempotent(ctx context.Context, key string, patch workflow.State) {
	now := time.Now()
	rec := &idempotency.Record{
		Key:       key,
		Result:    patch,
		CreatedAt: now,
		ExpiresAt: now.Add(e.cfg.IdempotencyTTL),
	}
	if err := e.idem.Put(ctx, rec); err != nil {
		e.logger.Warn("幂等记录写入失败", "key", key, "error", err)
	}
}

// patchFromResult 将节点返回值或缓存值复原为 State patch。
// Redis 反序列化会把 State 还原成 map[string]any，这里统一收口。
func patchFromResult(v any) (workflow.State, bool) {
	switch p := v.(type) {
	case nil:
		return nil, true
	case workflow.State:
		return p, true
	case map[string]any:
		return workflow.State(p), true
	default:
		return nil, false
	}
}

// runHumanGate 审批门两阶段执行。首次到达创建审批请求、登记恢复
// 观察者并按需启动超时计时，然后以 ErrRunPaused 挂起；恢复执行再次
// 到达时请求已决，消费决策写入 state 并删除请求（循环重入会创建新请求）。
func (e *Executor) runHumanGate(ctx context.Context, def *workflow.Definition, run *runstore.Run, node *workflow.Node, snapshot workflow.State) (workflow.State, error) {
	gate := node.Human
	if gate == nil {
		return nil, fmt.Errorf("节点 %s 缺少审批配置: %w", node.ID, perrors.ErrInvalidArg)
	}
	if e.approvals == nil {
		return nil, fmt.Errorf("节点 %s 需要审批存储", node.ID)
	}
	stateKey := gate.StateKey
	if stateKey == "" {
		stateKey = "approval:" + node.ID
	}

	req, err := e.approvals.FindByNode(ctx, run.ID, node.ID)
	if err != nil {
		return nil, fmt.Errorf("查询审批请求: %w", err)
	}
	if req == nil {
		req = e.buildGateRequest(def, run, node, gate, stateKey)
		id, err := e.approvals.CreateRequest(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("创建审批请求: %w", err)
		}
		req.ID = id
		req.CreatedAt = time.Now()
		e.logger.Info("审批请求已创建",
			"run_id", run.ID, "node_id", node.ID, "request_id", id,
			"assignee", req.Assignee, "timeout", gate.Timeout)
	}

	if req.Resolved && req.Response != nil {
		resp := req.Response
		patch := workflow.State{stateKey: resp.Decision}
		if resp.Comment != "" {
			patch[stateKey+":comment"] = resp.Comment
		}
		if err := e.approvals.DeleteRequest(ctx, req.ID); err != nil {
			e.logger.Warn("删除已消费的审批请求失败", "request_id", req.ID, "error", err)
		}
		e.logger.Info("审批决策已消费",
			"run_id", run.ID, "node_id", node.ID, "request_id", req.ID,
			"decision", resp.Decision, "responded_by", resp.RespondedBy, "timed_out", resp.TimedOut)
		return patch, nil
	}

	runID := run.ID
	if err := e.approvals.OnResponse(req.ID, func(*approval.Response) {
		if e.resume != nil {
			e.resume(runID)
		}
	}); err != nil {
		e.logger.Warn("登记审批观察者失败", "request_id", req.ID, "error", err)
	}
	if gate.Timeout > 0 {
		e.armGateTimer(req, gate)
	}
	return nil, ErrRunPaused
}

// buildGateRequest 从审批门声明组装请求。chain 审批的首个审批人为
// 初始 assignee，后续人通过改派沿链推进。
func (e *Executor) buildGateRequest(def *workflow.Definition, run *runstore.Run, node *workflow.Node, gate *workflow.HumanGate, stateKey string) *approval.Request {
	gateType := gate.Type
	if gateType == "" {
		gateType = workflow.GateApproveReject
	}
	assignee := gate.Assignee
	if gateType == workflow.GateChain && assignee == "" && len(gate.Chain) > 0 {
		assignee = gate.Chain[0]
	}
	title := gate.Title
	if title == "" {
		title = fmt.Sprintf("%s / %s", def.Name, node.ID)
	}
	return &approval.Request{
		WorkflowName:  def.Name,
		RunID:         run.ID,
		NodeID:        node.ID,
		Type:          gateType,
		Title:         title,
		Description:   gate.Description,
		Assignee:      assignee,
		Choices:       gate.Choices,
		Chain:         gate.Chain,
		StateKey:      stateKey,
		Timeout:       gate.Timeout,
		TimeoutAction: gate.TimeoutAction,
	}
}

// armGateTimer 以请求创建时刻起算剩余超时；恢复执行重复装配时
// 不会把超时往后顺延
func (e *Executor) armGateTimer(req *approval.Request, gate *workflow.HumanGate) {
	remaining := gate.Timeout - time.Since(req.CreatedAt)
	if remaining <= 0 {
		go e.fireGateTimeout(req.ID, gate)
		return
	}
	time.AfterFunc(remaining, func() { e.fireGateTimeout(req.ID, gate) })
}

// fireGateTimeout 超时动作：approve/reject 写入合成响应并结束请求；
// escalate 只回调升级钩子，请求保持未决
func (e *Executor) fireGateTimeout(requestID string, gate *workflow.HumanGate) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cur, err := e.approvals.Get(ctx, requestID)
	if err != nil || cur.Resolved {
		return
	}
	action := gate.TimeoutAction
	if action == "" {
		action = workflow.TimeoutReject
	}
	if action == workflow.TimeoutEscalate {
		e.logger.Warn("审批超时升级",
			"request_id", requestID, "assignee", cur.Assignee, "run_id", cur.RunID, "node_id", cur.NodeID)
		if e.escalate != nil {
			e.escalate(cur)
		}
		return
	}

	resp := &approval.Response{
		RequestID:   requestID,
		Decision:    action == workflow.TimeoutApprove,
		RespondedBy: "system:timeout",
		TimedOut:    true,
	}
	if err := e.approvals.SubmitResponse(ctx, resp); err != nil {
		e.logger.Warn("写入超时合成响应失败", "request_id", requestID, "error", err)
		return
	}
	e.logger.Info("审批超时，按超时动作自动决策",
		"request_id", requestID, "action", string(action))
}
