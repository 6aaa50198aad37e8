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

package manager

import (
	"context"
	"errors"
	"time"

	"flow-platform/internal/engine/executor"
	"flow-platform/internal/engine/queue"
	"flow-platform/internal/engine/runstore"
	"flow-platform/internal/engine/trigger"
	perrors "flow-platform/pkg/errors"
	"flow-platform/pkg/metrics"
	"flow-platform/pkg/workflow"
)

// observedStore 在 Run 写路径上外挂观察回调：notifyMu 覆盖底层写
// 与回调派发，观察者严格按实际写入顺序收到快照。读路径直透。
type observedStore struct {
	inner runstore.Store
	m     *Manager
}

func (s *observedStore) Save(ctx context.Context, run *runstore.Run) error {
	s.m.notifyMu.Lock()
	defer s.m.notifyMu.Unlock()
	if err := s.inner.Save(ctx, run); err != nil {
		return err
	}
	s.m.afterRunMutation(run)
	return nil
}

func (s *observedStore) Update(ctx context.Context, id string, patch runstore.Patch) (*runstore.Run, error) {
	s.m.notifyMu.Lock()
	defer s.m.notifyMu.Unlock()
	updated, err := s.inner.Update(ctx, id, patch)
	if err != nil {
		return updated, err
	}
	s.m.afterRunMutation(updated)
	return updated, nil
}

func (s *observedStore) Get(ctx context.Context, id string) (*runstore.Run, error) {
	return s.inner.Get(ctx, id)
}

func (s *observedStore) List(ctx context.Context, f runstore.Filter) ([]*runstore.Run, error) {
	return s.inner.List(ctx, f)
}

func (s *observedStore) Count(ctx context.Context, f runstore.Filter) (int, error) {
	return s.inner.Count(ctx, f)
}

func (s *observedStore) Stats(ctx context.Context) (*runstore.Stats, error) {
	return s.inner.Stats(ctx)
}

func (s *observedStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.inner.Cleanup(ctx, olderThan)
}

func (s *observedStore) Close() error {
	return s.inner.Close()
}

// OnRunStateChange 注册 Run 状态观察者。回调在写入方的 goroutine
// 上同步执行并收到独立快照；回调内不得回写 Run，也不得调用会写
// Run 的管理操作，耗时动作应自行转入其他 goroutine。
func (m *Manager) OnRunStateChange(fn func(run *runstore.Run)) {
	if fn == nil {
		return
	}
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.observers = append(m.observers, fn)
}

// afterRunMutation 持有 notifyMu 时调用：通知观察者，终态时唤醒等待者
func (m *Manager) afterRunMutation(run *runstore.Run) {
	if run == nil {
		return
	}
	for _, fn := range m.observers {
		fn(run.Clone())
	}
	if run.Status.Terminal() {
		for _, ch := range m.waiters[run.ID] {
			ch <- run.Clone()
		}
		delete(m.waiters, run.ID)
	}
}

// waitTerminal 阻塞等待 Run 终态。先注册等待者再补查一次存储，
// 避免在注册前已经到达终态而永久等待。
func (m *Manager) waitTerminal(ctx context.Context, runID string) (*runstore.Run, error) {
	ch := make(chan *runstore.Run, 1)
	m.notifyMu.Lock()
	m.waiters[runID] = append(m.waiters[runID], ch)
	m.notifyMu.Unlock()

	if run, err := m.runs.Get(ctx, runID); err == nil && run.Status.Terminal() {
		m.removeWaiter(runID, ch)
		return run, nil
	}

	select {
	case run := <-ch:
		return run, nil
	case <-ctx.Done():
		m.removeWaiter(runID, ch)
		return nil, ctx.Err()
	case <-m.stopCh:
		m.removeWaiter(runID, ch)
		return nil, perrors.Wrapf(perrors.ErrUnavailable, "manager 已停止，放弃等待 run %s", runID)
	}
}

func (m *Manager) removeWaiter(runID string, ch chan *runstore.Run) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	ws := m.waiters[runID]
	for i, w := range ws {
		if w == ch {
			m.waiters[runID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(m.waiters[runID]) == 0 {
		delete(m.waiters, runID)
	}
}

func (m *Manager) dispatchLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.dispatchReady(ctx, now)
		}
	}
}

// dispatchReady 取出全部到期条目，在全局并发上限内逐个派发；
// 满载或 runID 仍在执行（恢复入队与挂起落盘竞争）时放回队列下轮再试
func (m *Manager) dispatchReady(ctx context.Context, now time.Time) {
	for _, entry := range m.queue.GetReady(now) {
		if !m.sem.TryAcquire(1) {
			m.requeue(entry, now.Add(m.cfg.PollInterval))
			continue
		}
		m.mu.Lock()
		if _, running := m.active[entry.RunID]; running {
			m.mu.Unlock()
			m.sem.Release(1)
			m.requeue(entry, now.Add(m.cfg.PollInterval))
			continue
		}
		runCtx, cancel := context.WithCancelCause(ctx)
		m.active[entry.RunID] = cancel
		metrics.ActiveRuns.Set(float64(len(m.active)))
		m.mu.Unlock()

		m.runWg.Add(1)
		go m.runOne(runCtx, cancel, entry)
	}
}

func (m *Manager) requeue(e queue.Entry, at time.Time) {
	e.ScheduledFor = at
	if err := m.queue.Enqueue(e); err != nil && !errors.Is(err, perrors.ErrConflict) {
		m.logger.Warn("run 重新入队失败", "run_id", e.RunID, "error", err)
	}
}

// runOne 驱动单个 Run 到终态或挂起点，结束后释放并发槽位
func (m *Manager) runOne(ctx context.Context, cancel context.CancelCauseFunc, entry queue.Entry) {
	defer m.runWg.Done()
	defer m.sem.Release(1)
	defer func() {
		cancel(nil)
		m.mu.Lock()
		delete(m.active, entry.RunID)
		delete(m.paused, entry.RunID)
		metrics.ActiveRuns.Set(float64(len(m.active)))
		m.mu.Unlock()
	}()

	def, err := m.definition(entry.WorkflowName)
	if err != nil {
		m.failUnrunnable(ctx, entry.RunID, err)
		return
	}
	_, err = m.exec.Execute(ctx, def, entry.RunID)
	switch {
	case err == nil:
		// 终态在执行器内落盘，观察者与等待者已被通知
	case errors.Is(err, executor.ErrRunPaused):
		m.logger.Info("run 挂起等待外部输入", "run_id", entry.RunID)
	default:
		m.logger.Error("run 执行失败", "run_id", entry.RunID, "error", err)
	}
}

// failUnrunnable 派发前错误（如工作流定义缺失）：直接落 failed 终态
func (m *Manager) failUnrunnable(ctx context.Context, runID string, cause error) {
	m.logger.Error("run 无法派发", "run_id", runID, "error", cause)
	now := time.Now()
	status := runstore.StatusFailed
	msg := cause.Error()
	if _, err := m.runs.Update(context.WithoutCancel(ctx), runID, runstore.Patch{
		Status:      &status,
		CompletedAt: &now,
		Error:       &msg,
	}); err != nil {
		m.logger.Warn("记录派发失败状态失败", "run_id", runID, "error", err)
	}
}

// pauseRequested 执行器的批间暂停探测
func (m *Manager) pauseRequested(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused[runID]
}

// resumeFromApproval 审批响应到达：沿 ParentRunID 回到根 Run 重新入队。
// 嵌套子工作流挂起时回调携带子 Run 的 id，根 Run 才是派发单位。
func (m *Manager) resumeFromApproval(runID string) {
	ctx := context.Background()
	rootID := runID
	for {
		run, err := m.runs.Get(ctx, rootID)
		if err != nil {
			m.logger.Warn("恢复挂起 run 失败", "run_id", runID, "error", err)
			return
		}
		if run.ParentRunID == "" {
			m.enqueueResume(ctx, run)
			return
		}
		rootID = run.ParentRunID
	}
}

// enqueueResume 清除暂停标记，置回 scheduled 并立即入队。
// Run 已终态时放弃；已在队列中时保持原条目。
func (m *Manager) enqueueResume(ctx context.Context, run *runstore.Run) {
	m.mu.Lock()
	delete(m.paused, run.ID)
	m.mu.Unlock()

	status := runstore.StatusScheduled
	if _, err := m.runs.Update(ctx, run.ID, runstore.Patch{Status: &status}); err != nil {
		if errors.Is(err, perrors.ErrConflict) {
			return
		}
		m.logger.Warn("更新恢复状态失败", "run_id", run.ID, "error", err)
	}
	if err := m.queue.Enqueue(queue.Entry{
		RunID:        run.ID,
		WorkflowName: run.WorkflowName,
		Priority:     run.Priority,
		ScheduledFor: time.Now(),
	}); err != nil && !errors.Is(err, perrors.ErrConflict) {
		m.logger.Warn("恢复入队失败", "run_id", run.ID, "error", err)
	}
}

// fireTrigger 触发器回调：载荷键并入初始状态顶层，其余触发上下文
// 收在 trigger 元数据键下。cron 触发同步等待终态，使 MaxConcurrent
// 约束的是并发 Run 数；webhook 与 event 触发建 Run 后立即返回。
func (m *Manager) fireTrigger(ctx context.Context, workflowName string, fireCtx trigger.Context) (string, error) {
	initial := workflow.State{}
	meta := map[string]any{}
	for k, v := range fireCtx {
		if k == "payload" {
			if payload, ok := v.(map[string]any); ok {
				for pk, pv := range payload {
					initial[pk] = pv
				}
				continue
			}
		}
		meta[k] = v
	}
	if len(meta) > 0 {
		initial["trigger"] = meta
	}

	run, err := m.Schedule(ctx, workflowName, initial)
	if err != nil {
		return "", err
	}
	if t, _ := meta["trigger_type"].(string); t == string(trigger.TypeCron) {
		if _, err := m.waitTerminal(ctx, run.ID); err != nil {
			m.logger.Warn("等待 cron 触发的 run 结束失败", "run_id", run.ID, "error", err)
		}
	}
	return run.ID, nil
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.runs.Cleanup(ctx, m.cfg.RunTTL)
			if err != nil {
				m.logger.Warn("清理过期 run 失败", "error", err)
				continue
			}
			if n > 0 {
				m.logger.Info("清理过期 run", "removed", n, "older_than", m.cfg.RunTTL)
			}
		}
	}
}
