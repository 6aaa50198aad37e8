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
	"strings"
	"time"

	"github.com/google/uuid"

	"flow-platform/internal/engine/runstore"
	perrors "flow-platform/pkg/errors"
	"flow-platform/pkg/workflow"
)

// runSubWorkflowNode sub 节点分发入口
func (e *Executor) runSubWorkflowNode(ctx context.Context, run *runstore.Run, node *workflow.Node, snapshot workflow.State) (workflow.State, error) {
	return e.ExecuteSubWorkflow(ctx, run, node.ID, node.Sub, snapshot)
}

// ExecuteSubWorkflow 在父 Run 内执行一个子工作流并返回写回父状态的 patch。
// 子 Run 的 id 由父 Run 与节点确定，重入（恢复、循环）时复用未终结的
// 子 Run 从其检查点继续。子流挂起原样上抛 ErrRunPaused；失败按 OnError
// 策略处理：propagate 上抛、ignore 丢弃、catch 转为错误 patch、
// retry 以新的子 Run 重试至 MaxAttempts。
func (e *Executor) ExecuteSubWorkflow(ctx context.Context, parent *runstore.Run, nodeID string, cfg *workflow.SubWorkflow, parentState workflow.State) (workflow.State, error) {
	if cfg == nil || cfg.Definition == nil {
		return nil, fmt.Errorf("子工作流 %s 缺少定义: %w", nodeID, perrors.ErrInvalidArg)
	}
	if parent.Depth+1 > e.cfg.MaxSubDepth {
		return nil, fmt.Errorf("子工作流 %s 嵌套深度 %d 超过上限 %d: %w",
			nodeID, parent.Depth+1, e.cfg.MaxSubDepth, ErrMaxDepthExceeded)
	}
	if cfg.Precondition != nil && !cfg.Precondition(parentState) {
		e.logger.Debug("子工作流前置条件不满足，跳过",
			"parent_run_id", parent.ID, "node_id", nodeID, "sub_workflow", cfg.Definition.Name)
		return nil, nil
	}

	childInput := parentState.Clone()
	if cfg.InputMapper != nil {
		childInput = cfg.InputMapper(parentState)
	}

	attempts := 1
	if cfg.OnError == workflow.OnErrorRetry && cfg.MaxAttempts > 1 {
		attempts = cfg.MaxAttempts
	}

	var childFinal workflow.State
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && cfg.RetryDelay > 0 {
			timer := time.NewTimer(cfg.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		subCtx := ctx
		var cancel context.CancelFunc
		if cfg.Timeout > 0 {
			subCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		}
		childFinal, lastErr = e.runChild(subCtx, parent, nodeID, cfg.Definition, childInput, attempt)
		if cancel != nil {
			cancel()
		}

		if lastErr == nil {
			break
		}
		if errors.Is(lastErr, ErrRunPaused) || ctx.Err() != nil {
			return nil, lastErr
		}
		if attempt < attempts {
			e.logger.Warn("子工作流失败，准备重试",
				"parent_run_id", parent.ID, "node_id", nodeID,
				"attempt", attempt, "max_attempts", attempts, "error", lastErr)
		}
	}

	if lastErr != nil {
		switch cfg.OnError {
		case workflow.OnErrorIgnore:
			e.logger.Warn("子工作流失败，按策略忽略",
				"parent_run_id", parent.ID, "node_id", nodeID, "error", lastErr)
			return nil, nil
		case workflow.OnErrorCatch:
			return workflow.State{"sub_error:" + nodeID: lastErr.Error()}, nil
		default: // propagate 以及 retry 耗尽
			return nil, fmt.Errorf("子工作流 %s: %w", nodeID, lastErr)
		}
	}

	if cfg.OutputMapper != nil {
		return cfg.OutputMapper(childFinal), nil
	}
	return childFinal, nil
}

// runChild 定位或创建子 Run 并递归执行。未终结的既有子 Run 视为
// 恢复；已终结的（循环重入同一 sub 节点）换新 id 重新执行。
func (e *Executor) runChild(ctx context.Context, parent *runstore.Run, nodeID string, def *workflow.Definition, input workflow.State, attempt int) (workflow.State, error) {
	childID := childRunID(parent.ID, nodeID, attempt)

	existing, err := e.runs.Get(ctx, childID)
	switch {
	case err != nil && errors.Is(err, perrors.ErrNotFound):
		existing = nil
	case err != nil:
		return nil, fmt.Errorf("查询子 Run %s: %w", childID, err)
	case existing.Status.Terminal():
		// 同一 sub 节点在循环内再次执行：旧子 Run 保留审计，换新 id
		childID = childID + "-r" + strings.Split(uuid.NewString(), "-")[0]
		existing = nil
	}

	if existing == nil {
		child := &runstore.Run{
			ID:           childID,
			WorkflowName: def.Name,
			Status:       runstore.StatusPending,
			State:        input.Clone(),
			ParentRunID:  parent.ID,
			ParentNodeID: nodeID,
			Depth:        parent.Depth + 1,
			Tags:         parent.Tags,
		}
		if err := e.runs.Save(ctx, child); err != nil {
			return nil, fmt.Errorf("创建子 Run %s: %w", childID, err)
		}
		e.logger.Info("子工作流启动",
			"parent_run_id", parent.ID, "node_id", nodeID,
			"child_run_id", childID, "sub_workflow", def.Name, "depth", child.Depth)
	}

	childRun, err := e.Execute(ctx, def, childID)
	if err != nil {
		return nil, err
	}
	switch childRun.Status {
	case runstore.StatusCompleted:
		return childRun.State, nil
	case runstore.StatusFailed:
		msg := childRun.Error
		if msg == "" {
			msg = "子工作流失败"
		}
		return nil, errors.New(msg)
	case runstore.StatusCancelled:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("子 Run %s 已取消", childID)
	default:
		return nil, fmt.Errorf("子 Run %s 意外停在 %s 状态", childID, childRun.Status)
	}
}

// childRunID 确定性的子 Run id：同一父节点重入得到同一 id，
// OnError=retry 的后续尝试带序号后缀
func childRunID(parentID, nodeID string, attempt int) string {
	id := parentID + "." + nodeID
	if attempt > 1 {
		id = fmt.Sprintf("%s#%d", id, attempt)
	}
	return id
}
